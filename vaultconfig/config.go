// Package vaultconfig builds a fully wired envelopecrypt.Vault from a flat
// set of string-tagged options, the way a host application's own config
// file or environment naturally expresses them. Library callers that want
// direct control should construct their metastore, KMS, and Vault by hand;
// this package exists for hosts that select backends by name.
package vaultconfig

import (
	"encoding/hex"
	stdlog "log"
	"strings"
	"time"

	"github.com/pkg/errors"

	envelopecrypt "github.com/vaultguard/envelopecrypt"
	"github.com/vaultguard/envelopecrypt/aead"
	"github.com/vaultguard/envelopecrypt/kms"
	kmsaws "github.com/vaultguard/envelopecrypt/kms/aws"
	"github.com/vaultguard/envelopecrypt/log"
	"github.com/vaultguard/envelopecrypt/metastore"
	metastoredynamodb "github.com/vaultguard/envelopecrypt/metastore/dynamodb"
)

// Supported Metastore tags.
const (
	MetastoreMemory    = "memory"
	MetastoreSQLite    = "sqlite"
	MetastoreRDBMS     = "rdbms"
	MetastoreDynamoDB  = "dynamodb"
	MetastoreSQLServer = "sqlserver"
)

// Supported KMS tags.
const (
	KMSStatic = "static"
	KMSAWS    = "aws"
)

// Options is the flat configuration surface. Zero values select the library
// defaults noted on each field.
type Options struct {
	// ServiceName and ProductID name the (service, product) pair every key
	// this Vault manages is scoped to. Both are required.
	ServiceName string
	ProductID   string

	// Metastore selects the key-history backend: "memory", "sqlite",
	// "rdbms", or "dynamodb".
	Metastore string
	// ConnectionString is the backend DSN. SQLite paths may carry a
	// "sqlite://" prefix; it is stripped before the driver sees it. For
	// "rdbms", a postgres:// or postgresql:// scheme selects the Postgres
	// dialect, anything else MySQL.
	ConnectionString string
	// DynamoDBTableName overrides the dynamodb backend's default table.
	DynamoDBTableName string
	// EnableRegionSuffix turns on region-suffixed key naming for the
	// dynamodb backend (required for global tables).
	EnableRegionSuffix bool
	// RegionSuffix, when set, wraps whatever backend was selected so its
	// keys are suffixed with this literal value.
	RegionSuffix string

	// KMS selects how System Keys are sealed: "static" or "aws".
	KMS string
	// StaticMasterKeyHex is the static KMS's 32-byte master key as 64 hex
	// characters.
	StaticMasterKeyHex string
	// KMSKeyID is the master key ARN for a single-region AWS KMS.
	KMSKeyID string
	// PreferredRegion is the AWS region tried first on seal and unseal.
	// Required for "aws".
	PreferredRegion string
	// RegionMap maps AWS regions to master key ARNs for multi-region
	// operation. When empty, a single-region map is built from
	// PreferredRegion and KMSKeyID.
	RegionMap map[string]string

	// ExpireAfterSecs, CreateDatePrecisionSecs, and RevokeCheckIntervalSecs
	// override the corresponding CryptoPolicy durations when positive.
	ExpireAfterSecs         int64
	CreateDatePrecisionSecs int64
	RevokeCheckIntervalSecs int64

	// DisableSystemKeyCache and DisableIntermediateKeyCache turn off the
	// respective key cache; both are on by default.
	DisableSystemKeyCache       bool
	DisableIntermediateKeyCache bool
	// SharedIntermediateKeyCache shares one IK cache across every Scope
	// opened from the Vault.
	SharedIntermediateKeyCache bool

	// EnableScopeCache caches Scopes per partition id inside the Vault.
	EnableScopeCache bool
	// ScopeCacheMaxSize and ScopeCacheDurationSecs bound the scope cache
	// when positive.
	ScopeCacheMaxSize      int
	ScopeCacheDurationSecs int64

	// Verbose installs a standard-library logger as the module's debug log
	// sink. Installing a logger is idempotent.
	Verbose bool
}

func (o Options) validate() error {
	if o.ServiceName == "" {
		return errors.New("vaultconfig: ServiceName is required")
	}

	if o.ProductID == "" {
		return errors.New("vaultconfig: ProductID is required")
	}

	return nil
}

// BuildMetastore constructs the metastore named by o.Metastore, applying
// the RegionSuffix decorator when configured.
func BuildMetastore(o Options) (envelopecrypt.Metastore, error) {
	store, err := buildBaseMetastore(o)
	if err != nil {
		return nil, err
	}

	if o.RegionSuffix != "" {
		return metastore.WithSuffix(store, o.RegionSuffix), nil
	}

	return store, nil
}

func buildBaseMetastore(o Options) (envelopecrypt.Metastore, error) {
	switch strings.ToLower(o.Metastore) {
	case MetastoreMemory, "":
		return metastore.NewMemory(), nil
	case MetastoreSQLite:
		return metastore.OpenSQLite(o.ConnectionString)
	case MetastoreRDBMS:
		if strings.HasPrefix(o.ConnectionString, "postgres://") || strings.HasPrefix(o.ConnectionString, "postgresql://") {
			return metastore.OpenPostgres(o.ConnectionString)
		}

		return metastore.OpenMySQL(o.ConnectionString)
	case MetastoreDynamoDB:
		return metastoredynamodb.New(
			metastoredynamodb.WithTableName(o.DynamoDBTableName),
			metastoredynamodb.WithRegionSuffix(o.EnableRegionSuffix),
		)
	case MetastoreSQLServer:
		return nil, errors.New("vaultconfig: sqlserver metastore is not supported by this build")
	default:
		return nil, errors.Errorf("vaultconfig: unknown metastore %q", o.Metastore)
	}
}

// BuildKMS constructs the KMS named by o.KMS, sealing with crypto.
func BuildKMS(o Options, crypto envelopecrypt.AEAD) (envelopecrypt.KeyManagementService, error) {
	switch strings.ToLower(o.KMS) {
	case KMSStatic, "":
		raw, err := hex.DecodeString(o.StaticMasterKeyHex)
		if err != nil {
			return nil, errors.Wrap(err, "vaultconfig: StaticMasterKeyHex is not valid hex")
		}

		return kms.NewStatic(string(raw), crypto)
	case KMSAWS:
		regionMap := o.RegionMap
		if len(regionMap) == 0 {
			if o.KMSKeyID == "" || o.PreferredRegion == "" {
				return nil, errors.New("vaultconfig: aws kms requires RegionMap, or KMSKeyID and PreferredRegion")
			}

			regionMap = map[string]string{o.PreferredRegion: o.KMSKeyID}
		}

		return kmsaws.New(crypto, o.PreferredRegion, regionMap)
	default:
		return nil, errors.Errorf("vaultconfig: unknown kms %q", o.KMS)
	}
}

// BuildPolicy translates o's lifetime and caching fields into a
// CryptoPolicy, starting from the library defaults.
func BuildPolicy(o Options) *envelopecrypt.CryptoPolicy {
	policy := envelopecrypt.NewCryptoPolicy()

	if o.ExpireAfterSecs > 0 {
		policy.ExpireKeyAfter = time.Duration(o.ExpireAfterSecs) * time.Second
	}

	if o.CreateDatePrecisionSecs > 0 {
		policy.CreateDatePrecision = time.Duration(o.CreateDatePrecisionSecs) * time.Second
	}

	if o.RevokeCheckIntervalSecs > 0 {
		policy.RevokeCheckInterval = time.Duration(o.RevokeCheckIntervalSecs) * time.Second
	}

	policy.CacheSystemKeys = !o.DisableSystemKeyCache
	policy.CacheIntermediateKeys = !o.DisableIntermediateKeyCache
	policy.SharedIntermediateKeyCache = o.SharedIntermediateKeyCache

	policy.CacheScopes = o.EnableScopeCache

	if o.ScopeCacheMaxSize > 0 {
		policy.ScopeCacheMaxSize = o.ScopeCacheMaxSize
	}

	if o.ScopeCacheDurationSecs > 0 {
		policy.ScopeCacheDuration = time.Duration(o.ScopeCacheDurationSecs) * time.Second
	}

	return policy
}

// NewVault builds a Vault with an AES-256-GCM AEAD and the metastore, KMS,
// and policy selected by o.
func NewVault(o Options, opts ...envelopecrypt.VaultOption) (*envelopecrypt.Vault, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}

	if o.Verbose {
		log.SetLogger(stdLogger{})
	}

	crypto := aead.NewAES256GCM()

	store, err := BuildMetastore(o)
	if err != nil {
		return nil, err
	}

	keyService, err := BuildKMS(o, crypto)
	if err != nil {
		return nil, err
	}

	config := &envelopecrypt.Config{
		Service: o.ServiceName,
		Product: o.ProductID,
		Policy:  BuildPolicy(o),
	}

	return envelopecrypt.NewVault(config, store, keyService, crypto, opts...), nil
}

// stdLogger routes the module's debug output to the process-wide standard
// library logger.
type stdLogger struct{}

func (stdLogger) Debugf(format string, v ...interface{}) {
	stdlog.Printf(format, v...)
}
