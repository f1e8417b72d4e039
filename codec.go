package envelopecrypt

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// epochSeconds decodes a JSON number or a string containing one. Some
// producers (notably older language bindings) emit Created as a quoted
// integer; both forms must decode to the same record.
type epochSeconds int64

func (e *epochSeconds) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)

	if s == "null" {
		*e = 0
		return nil
	}

	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return errors.Wrapf(err, "invalid Created timestamp %q", s)
	}

	*e = epochSeconds(v)

	return nil
}

// UnmarshalJSON decodes a KeyMeta, accepting Created as either an integer
// or a string-of-integer.
func (m *KeyMeta) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID      string       `json:"KeyId"`
		Created epochSeconds `json:"Created"`
	}

	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	m.ID = raw.ID
	m.Created = int64(raw.Created)

	return nil
}

// UnmarshalJSON decodes an EnvelopeKeyRecord. Revoked and ParentKeyMeta may
// be omitted entirely or present as explicit null; both decode as absent.
// The record's ID is never part of the JSON payload -- the metastore's key
// selection supplies it after decoding.
func (r *EnvelopeKeyRecord) UnmarshalJSON(data []byte) error {
	var raw struct {
		Revoked       *bool        `json:"Revoked"`
		Created       epochSeconds `json:"Created"`
		EncryptedKey  []byte       `json:"Key"`
		ParentKeyMeta *KeyMeta     `json:"ParentKeyMeta"`
	}

	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	r.Revoked = raw.Revoked != nil && *raw.Revoked
	r.Created = int64(raw.Created)
	r.EncryptedKey = raw.EncryptedKey
	r.ParentKeyMeta = raw.ParentKeyMeta

	return nil
}
