package metastore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	envelopecrypt "github.com/vaultguard/envelopecrypt"
	"github.com/vaultguard/envelopecrypt/metastore"
)

func TestSuffixedAdvertisesSuffix(t *testing.T) {
	s := metastore.WithSuffix(metastore.NewMemory(), "eu-west-1")

	assert.Equal(t, "eu-west-1", s.GetRegionSuffix())
}

func TestSuffixedDelegatesToWrappedStore(t *testing.T) {
	var store envelopecrypt.Metastore = metastore.WithSuffix(metastore.NewMemory(), "eu-west-1")

	ctx := context.Background()
	ekr := &envelopecrypt.EnvelopeKeyRecord{Created: 1000, EncryptedKey: []byte("sealed")}

	ok, err := store.Store(ctx, "some-key", 1000, ekr)
	require.NoError(t, err)
	assert.True(t, ok)

	loaded, err := store.Load(ctx, "some-key", 1000)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, ekr.EncryptedKey, loaded.EncryptedKey)

	latest, err := store.LoadLatest(ctx, "some-key")
	require.NoError(t, err)
	require.NotNil(t, latest)
}
