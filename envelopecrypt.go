// Package envelopecrypt implements application-level envelope encryption
// using a three-tier key hierarchy: a System Key (SK, sealed by an external
// KMS) seals Intermediate Keys (IK, partition-scoped), which in turn seal
// per-call Data Row Keys (DRK) that actually encrypt the caller's payload.
//
// Typical usage constructs a single Vault at application start up, keeps it
// for the process lifetime, and opens short-lived Scopes from it per
// partition:
//
//	v := envelopecrypt.NewVault(config, metastore, kms, aead.NewAES256GCM())
//	defer v.Close()
//
//	scope, err := v.OpenScope("partition-id")
//	defer scope.Close()
//
//	row, err := scope.Encrypt(ctx, plaintext)
//	plaintext, err := scope.Decrypt(ctx, *row)
package envelopecrypt

import "context"

// Encryption is implemented by anything that can seal/open payloads for a
// single partition. Scope is the only production implementation; it exists
// as an interface mainly to let the scope cache wrap it with reference
// counting.
type Encryption interface {
	// EncryptPayload seals data and returns the DataRowRecord needed to
	// recover it later.
	EncryptPayload(ctx context.Context, data []byte) (*DataRowRecord, error)
	// DecryptDataRowRecord reverses EncryptPayload.
	DecryptDataRowRecord(ctx context.Context, d DataRowRecord) ([]byte, error)
	// Close releases any resources (cached keys) held by this Encryption.
	Close() error
}

// KeyManagementService seals and opens System Key material using an
// external key management service (e.g. a cloud KMS). The bytes passed to
// and returned from these methods are never partition- or IK-specific.
type KeyManagementService interface {
	// EncryptKey seals key material for storage in a Metastore.
	EncryptKey(ctx context.Context, key []byte) ([]byte, error)
	// DecryptKey opens key material previously sealed by EncryptKey.
	DecryptKey(ctx context.Context, sealed []byte) ([]byte, error)
}

// Metastore is the durable key-history store for EnvelopeKeyRecords (both
// System Keys and Intermediate Keys).
type Metastore interface {
	// Load returns the exact record named by (id, created), or nil if it
	// does not exist.
	Load(ctx context.Context, id string, created int64) (*EnvelopeKeyRecord, error)
	// LoadLatest returns the record with the greatest created for id, or
	// nil if none exists.
	LoadLatest(ctx context.Context, id string) (*EnvelopeKeyRecord, error)
	// Store attempts a conditional insert of envelope under (id, created).
	// It returns true only if this call actually created the row; a
	// pre-existing row returns false, never an error.
	Store(ctx context.Context, id string, created int64, envelope *EnvelopeKeyRecord) (bool, error)
}

// RegionSuffixed is implemented by metastores (e.g. a DynamoDB global
// table) that need to override the Vault's configured partition region
// suffix.
type RegionSuffixed interface {
	GetRegionSuffix() string
}

// AEAD is the authenticated-encryption primitive used at every tier of the
// hierarchy. The only implementation provided is AES-256-GCM (see the aead
// subpackage), but the engine depends only on this interface.
type AEAD interface {
	Encrypt(data, key []byte) ([]byte, error)
	Decrypt(data, key []byte) ([]byte, error)
}

// Loader retrieves a DataRowRecord from an application's own data store by
// whatever key that store uses.
type Loader interface {
	Load(ctx context.Context, key interface{}) (*DataRowRecord, error)
}

// Storer persists a DataRowRecord into an application's own data store and
// returns the key needed to Load it again.
type Storer interface {
	Store(ctx context.Context, d DataRowRecord) (interface{}, error)
}

// LoaderFunc adapts a plain function to Loader.
type LoaderFunc func(ctx context.Context, key interface{}) (*DataRowRecord, error)

// Load calls f.
func (f LoaderFunc) Load(ctx context.Context, key interface{}) (*DataRowRecord, error) {
	return f(ctx, key)
}

// StorerFunc adapts a plain function to Storer.
type StorerFunc func(ctx context.Context, d DataRowRecord) (interface{}, error)

// Store calls f.
func (f StorerFunc) Store(ctx context.Context, d DataRowRecord) (interface{}, error) {
	return f(ctx, d)
}

// AES256KeySize is the size in bytes of every SK, IK, and DRK.
const AES256KeySize int = 32

// MetricsPrefix namespaces every timer/counter this module registers.
const MetricsPrefix = "evl"
