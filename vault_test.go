package envelopecrypt_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	envelopecrypt "github.com/vaultguard/envelopecrypt"
	"github.com/vaultguard/envelopecrypt/aead"
	"github.com/vaultguard/envelopecrypt/kms"
	"github.com/vaultguard/envelopecrypt/metastore"
)

func newTestVault(t *testing.T, opts ...envelopecrypt.PolicyOption) *envelopecrypt.Vault {
	t.Helper()

	crypto := aead.NewAES256GCM()

	k, err := kms.NewStatic(staticKey, crypto)
	require.NoError(t, err)

	config := &envelopecrypt.Config{
		Service: service,
		Product: product,
		Policy:  envelopecrypt.NewCryptoPolicy(opts...),
	}

	return envelopecrypt.NewVault(config, metastore.NewMemory(), k, crypto)
}

func TestVaultCloseIsIdempotent(t *testing.T) {
	v := newTestVault(t)

	require.NoError(t, v.Close())
	require.NoError(t, v.Close())
}

func TestVaultCanBeRecreatedAfterClose(t *testing.T) {
	store := metastore.NewMemory()
	crypto := aead.NewAES256GCM()

	k, err := kms.NewStatic(staticKey, crypto)
	require.NoError(t, err)

	config := &envelopecrypt.Config{Service: service, Product: product}

	ctx := context.Background()

	v1 := envelopecrypt.NewVault(config, store, k, crypto)

	scope, err := v1.OpenScope(partitionID)
	require.NoError(t, err)

	drr, err := scope.Encrypt(ctx, []byte(original))
	require.NoError(t, err)

	require.NoError(t, scope.Close())
	require.NoError(t, v1.Close())

	// A second Vault over the same metastore picks up where the first left
	// off, including data sealed before the restart.
	v2 := envelopecrypt.NewVault(config, store, k, crypto)
	defer v2.Close()

	scope2, err := v2.OpenScope(partitionID)
	require.NoError(t, err)
	defer scope2.Close()

	out, err := scope2.Decrypt(ctx, *drr)
	require.NoError(t, err)
	assert.Equal(t, original, string(out))
}

func TestVaultScopeCacheReturnsSameScope(t *testing.T) {
	v := newTestVault(t, envelopecrypt.WithScopeCache())
	defer v.Close()

	s1, err := v.OpenScope(partitionID)
	require.NoError(t, err)

	s2, err := v.OpenScope(partitionID)
	require.NoError(t, err)

	assert.Same(t, s1, s2)

	require.NoError(t, s1.Close())
	require.NoError(t, s2.Close())
}

func TestVaultWithoutScopeCacheConstructsFreshScopes(t *testing.T) {
	v := newTestVault(t)
	defer v.Close()

	s1, err := v.OpenScope(partitionID)
	require.NoError(t, err)
	defer s1.Close()

	s2, err := v.OpenScope(partitionID)
	require.NoError(t, err)
	defer s2.Close()

	assert.NotSame(t, s1, s2)
}

func TestVaultUsesMetastoreRegionSuffix(t *testing.T) {
	crypto := aead.NewAES256GCM()

	k, err := kms.NewStatic(staticKey, crypto)
	require.NoError(t, err)

	store := metastore.WithSuffix(metastore.NewMemory(), "us-west-2")

	config := &envelopecrypt.Config{Service: service, Product: product}

	v := envelopecrypt.NewVault(config, store, k, crypto)
	defer v.Close()

	scope, err := v.OpenScope(partitionID)
	require.NoError(t, err)
	defer scope.Close()

	drr, err := scope.Encrypt(context.Background(), []byte(original))
	require.NoError(t, err)

	assert.Equal(t, "_IK_"+partitionID+"_"+service+"_"+product+"_us-west-2", drr.Key.ParentKeyMeta.ID)
}

func TestVaultSharedIntermediateKeyCache(t *testing.T) {
	v := newTestVault(t, envelopecrypt.WithSharedIntermediateKeyCache(100))
	defer v.Close()

	ctx := context.Background()

	s1, err := v.OpenScope(partitionID)
	require.NoError(t, err)
	defer s1.Close()

	s2, err := v.OpenScope(partitionID)
	require.NoError(t, err)
	defer s2.Close()

	drr, err := s1.Encrypt(ctx, []byte(original))
	require.NoError(t, err)

	// s2 resolves the same IK through the shared cache.
	out, err := s2.Decrypt(ctx, *drr)
	require.NoError(t, err)
	assert.Equal(t, original, string(out))

	assert.Equal(t, drr.Key.ParentKeyMeta.ID, "_IK_"+partitionID+"_"+service+"_"+product)
}

func TestVaultWithCofferCloses(t *testing.T) {
	v := newTestVault(t, envelopecrypt.WithCofferRekeyInterval(time.Hour))

	require.NoError(t, v.Close())
	require.NoError(t, v.Close())
}

func TestScopeStoreAndLoadPersistence(t *testing.T) {
	v := newTestVault(t)
	defer v.Close()

	scope, err := v.OpenScope(partitionID)
	require.NoError(t, err)
	defer scope.Close()

	ctx := context.Background()
	rows := make(map[string]envelopecrypt.DataRowRecord)

	key, err := scope.Store(ctx, []byte(original), envelopecrypt.StorerFunc(func(_ context.Context, d envelopecrypt.DataRowRecord) (interface{}, error) {
		rows["row-1"] = d
		return "row-1", nil
	}))
	require.NoError(t, err)
	assert.Equal(t, "row-1", key)

	out, err := scope.Load(ctx, key, envelopecrypt.LoaderFunc(func(_ context.Context, k interface{}) (*envelopecrypt.DataRowRecord, error) {
		d := rows[k.(string)]
		return &d, nil
	}))
	require.NoError(t, err)
	assert.Equal(t, original, string(out))
}
