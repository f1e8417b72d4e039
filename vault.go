package envelopecrypt

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	metrics "github.com/rcrowley/go-metrics"

	"github.com/vaultguard/envelopecrypt/log"
	"github.com/vaultguard/envelopecrypt/secret"
	"github.com/vaultguard/envelopecrypt/secret/memguard"
)

// VaultOption configures a Vault beyond what Config/CryptoPolicy covers.
type VaultOption func(*Vault)

// WithSecretFactory overrides the secret.Factory used to allocate guarded
// buffers for every key this Vault ever loads or generates. The default is
// a memguard-backed factory.
func WithSecretFactory(f secret.Factory) VaultOption {
	return func(v *Vault) { v.secretFactory = f }
}

// WithMetrics enables or disables the package-wide go-metrics registry.
// Disabling unregisters every timer/counter this module has registered so
// far; new ones registered afterward still record, just unread by anyone
// not polling the registry directly.
func WithMetrics(enabled bool) VaultOption {
	return func(*Vault) {
		if !enabled {
			metrics.DefaultRegistry.UnregisterAll()
		}
	}
}

// Vault is the process-lifetime entry point: it owns the shared System Key
// cache (and, when configured, a shared Intermediate Key cache and a Scope
// cache) and mints Scopes bound to individual partitions. Construct one per
// (service, product) at application startup and Close it at shutdown.
type Vault struct {
	Config    *Config
	Metastore Metastore
	KMS       KeyManagementService
	Crypto    AEAD

	secretFactory secret.Factory
	systemKeys    cache
	scopeCache    ScopeCache
	coffer        *secret.Coffer

	sharedIKMu sync.Mutex
	sharedIK   cache
}

// NewVault constructs a Vault from its required collaborators. The KMS and
// Metastore are shared across every Scope this Vault opens.
func NewVault(config *Config, store Metastore, kms KeyManagementService, crypto AEAD, opts ...VaultOption) *Vault {
	if config.Policy == nil {
		config.Policy = NewCryptoPolicy()
	}

	v := &Vault{
		Config:        config,
		Metastore:     store,
		KMS:           kms,
		Crypto:        crypto,
		secretFactory: new(memguard.Factory),
	}

	for _, opt := range opts {
		opt(v)
	}

	if config.Policy.CacheSystemKeys {
		v.systemKeys = newKeyCache(config.Policy, config.Policy.SystemKeyCacheMaxSize, config.Policy.SystemKeyCacheEvictionPolicy)
		log.Debugf("Vault: new system key cache %v", v.systemKeys)
	} else {
		v.systemKeys = neverCache{}
	}

	if config.Policy.CacheScopes {
		v.scopeCache = NewScopeCache(func(id string) (*Scope, error) {
			return newScope(v, id)
		}, config.Policy)
	}

	if config.Policy.CofferRekeyInterval > 0 {
		coffer, err := secret.NewCoffer(config.Policy.CofferRekeyInterval)
		if err != nil {
			log.Debugf("Vault: coffer init failed, enclave disabled: %s", err)
		} else {
			v.coffer = coffer
		}
	}

	return v
}

// Close releases every resource this Vault holds: the shared Scope cache
// (if enabled), the shared System Key cache, and the background coffer (if
// enabled). It is idempotent; a Vault may be safely re-created in the same
// process after Close returns.
func (v *Vault) Close() error {
	if v.scopeCache != nil {
		v.scopeCache.Close()
	}

	if v.coffer != nil {
		v.coffer.Close()
	}

	return v.systemKeys.Close()
}

// OpenScope returns a Scope bound to partition id. When the Vault is
// configured with a Scope cache, repeated calls for the same id return a
// shared, reference-counted Scope; otherwise a new Scope is constructed on
// every call and the caller owns its lifetime.
func (v *Vault) OpenScope(id string) (*Scope, error) {
	if id == "" {
		return nil, errors.New("partition id cannot be empty")
	}

	if v.scopeCache != nil {
		return v.scopeCache.Get(id)
	}

	return newScope(v, id)
}

func newScope(v *Vault, id string) (*Scope, error) {
	s := &Scope{
		encryption: &envelopeEncryption{
			partition:        v.newPartition(id),
			Metastore:        v.Metastore,
			KMS:              v.KMS,
			Policy:           v.Config.Policy,
			Crypto:           v.Crypto,
			SecretFactory:    v.secretFactory,
			systemKeys:       v.systemKeys,
			intermediateKeys: v.newIntermediateKeyCache(),
		},
	}

	log.Debugf("Vault: new scope for id %s. Scope(%p){Encryption(%p)}", id, s, s.encryption)

	return s, nil
}

func (v *Vault) newPartition(id string) partition {
	if rs, ok := v.Metastore.(RegionSuffixed); ok && len(rs.GetRegionSuffix()) > 0 {
		return newSuffixedPartition(id, v.Config.Service, v.Config.Product, rs.GetRegionSuffix())
	}

	return newPartition(id, v.Config.Service, v.Config.Product)
}

func (v *Vault) newIntermediateKeyCache() cache {
	if !v.Config.Policy.CacheIntermediateKeys {
		return neverCache{}
	}

	if v.Config.Policy.SharedIntermediateKeyCache {
		// Lazily shared: every Scope from this Vault gets the same cache
		// instance, keyed off the Vault itself rather than a per-Scope
		// field, so concurrent OpenScope calls converge on one cache.
		v.sharedIKMu.Lock()
		defer v.sharedIKMu.Unlock()

		if v.sharedIK == nil {
			v.sharedIK = newKeyCache(v.Config.Policy, v.Config.Policy.IntermediateKeyCacheMaxSize, v.Config.Policy.IntermediateKeyCacheEvictionPolicy)
		}

		return v.sharedIK
	}

	return newKeyCache(v.Config.Policy, v.Config.Policy.IntermediateKeyCacheMaxSize, v.Config.Policy.IntermediateKeyCacheEvictionPolicy)
}

// Scope is used to encrypt and decrypt data for a single partition ID. A
// Scope is safe to call concurrently from multiple goroutines.
type Scope struct {
	encryption Encryption
}

// Encrypt seals data and returns the DataRowRecord needed to recover it.
func (s *Scope) Encrypt(ctx context.Context, data []byte) (*DataRowRecord, error) {
	return s.encryption.EncryptPayload(ctx, data)
}

// Decrypt reverses Encrypt.
func (s *Scope) Decrypt(ctx context.Context, d DataRowRecord) ([]byte, error) {
	return s.encryption.DecryptDataRowRecord(ctx, d)
}

// Load retrieves a DataRowRecord from store and decrypts it.
func (s *Scope) Load(ctx context.Context, key interface{}, store Loader) ([]byte, error) {
	drr, err := store.Load(ctx, key)
	if err != nil {
		return nil, err
	}

	if drr == nil {
		return nil, errors.New("envelopecrypt: no record found for key")
	}

	return s.Decrypt(ctx, *drr)
}

// Store encrypts payload and persists the resulting DataRowRecord into
// store, returning whatever key store uses to identify it.
func (s *Scope) Store(ctx context.Context, payload []byte, store Storer) (interface{}, error) {
	drr, err := s.Encrypt(ctx, payload)
	if err != nil {
		return nil, err
	}

	return store.Store(ctx, *drr)
}

// Close releases this Scope's key caches. It must be called once the Scope
// is no longer needed.
func (s *Scope) Close() error {
	return s.encryption.Close()
}

// ScopeInjectEncryption swaps s's Encryption implementation. Exposed for
// tests that need to observe or stub the encryption chain.
func ScopeInjectEncryption(s *Scope, e Encryption) {
	s.encryption = e
}
