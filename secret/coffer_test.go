package secret

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCofferSealOpenRoundTrip(t *testing.T) {
	c, err := NewCoffer(0)
	require.NoError(t, err)
	defer c.Close()

	plaintext := []byte("a data row key staged for a deferred write")

	sealed, err := c.Seal(plaintext)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), string(plaintext))

	opened, err := c.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestCofferSealIsNonDeterministic(t *testing.T) {
	c, err := NewCoffer(0)
	require.NoError(t, err)
	defer c.Close()

	a, err := c.Seal([]byte("same plaintext"))
	require.NoError(t, err)

	b, err := c.Seal([]byte("same plaintext"))
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestCofferOpenFailsAfterRekey(t *testing.T) {
	c, err := NewCoffer(0)
	require.NoError(t, err)
	defer c.Close()

	sealed, err := c.Seal([]byte("short-lived"))
	require.NoError(t, err)

	require.NoError(t, c.Rekey())

	_, err = c.Open(sealed)
	assert.Error(t, err)
}

func TestCofferOpenRejectsTamperedValue(t *testing.T) {
	c, err := NewCoffer(0)
	require.NoError(t, err)
	defer c.Close()

	sealed, err := c.Seal([]byte("integrity matters"))
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0xFF

	_, err = c.Open(sealed)
	assert.Error(t, err)
}

func TestCofferOpenRejectsShortInput(t *testing.T) {
	c, err := NewCoffer(0)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Open([]byte("too short"))
	assert.Error(t, err)
}

func TestCofferBackgroundRekeyInvalidatesOldSeals(t *testing.T) {
	c, err := NewCoffer(5 * time.Millisecond)
	require.NoError(t, err)
	defer c.Close()

	sealed, err := c.Seal([]byte("rotates away"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, openErr := c.Open(sealed)
		return openErr != nil
	}, time.Second, 5*time.Millisecond, "the background rekey must eventually retire the sealing key")
}

func TestCofferCloseIsIdempotent(t *testing.T) {
	c, err := NewCoffer(time.Hour)
	require.NoError(t, err)

	c.Close()
	c.Close()
}
