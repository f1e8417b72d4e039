package envelopecrypt_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	envelopecrypt "github.com/vaultguard/envelopecrypt"
	"github.com/vaultguard/envelopecrypt/aead"
	"github.com/vaultguard/envelopecrypt/kms"
	"github.com/vaultguard/envelopecrypt/metastore"
)

const (
	original    = "somesupersecretstring!hjdkashfjkdashfd"
	service     = "service"
	product     = "product"
	partitionID = "partition-1"
	staticKey   = "thisisaterriblythirtytwobytekey!"
)

type IntegrationTestSuite struct {
	suite.Suite

	crypto envelopecrypt.AEAD
	config *envelopecrypt.Config
	kms    *kms.Static
}

func (s *IntegrationTestSuite) SetupTest() {
	s.crypto = aead.NewAES256GCM()
	s.config = &envelopecrypt.Config{
		Service: service,
		Product: product,
		Policy:  envelopecrypt.NewCryptoPolicy(),
	}

	var err error
	s.kms, err = kms.NewStatic(staticKey, s.crypto)
	s.Require().NoError(err)
}

func (s *IntegrationTestSuite) TestRoundTrip() {
	store := metastore.NewMemory()

	v := envelopecrypt.NewVault(s.config, store, s.kms, s.crypto)
	defer v.Close()

	scope, err := v.OpenScope(partitionID)
	s.Require().NoError(err)
	defer scope.Close()

	ctx := context.Background()

	drr, err := scope.Encrypt(ctx, []byte(original))
	s.Require().NoError(err)
	s.Require().NotNil(drr)

	s.Equal(fmt.Sprintf("_IK_%s_%s_%s", partitionID, service, product), drr.Key.ParentKeyMeta.ID)

	plaintext, err := scope.Decrypt(ctx, *drr)
	s.Require().NoError(err)
	s.Equal(original, string(plaintext))
}

func (s *IntegrationTestSuite) TestCrossPartitionDecryptFails() {
	store := metastore.NewMemory()

	v := envelopecrypt.NewVault(s.config, store, s.kms, s.crypto)
	defer v.Close()

	ctx := context.Background()

	scope, err := v.OpenScope(partitionID)
	s.Require().NoError(err)
	defer scope.Close()

	drr, err := scope.Encrypt(ctx, []byte(original))
	s.Require().NoError(err)

	plaintext, err := scope.Decrypt(ctx, *drr)
	s.Require().NoError(err)
	s.Equal(original, string(plaintext))

	altScope, err := v.OpenScope(partitionID + "-alt")
	s.Require().NoError(err)
	defer altScope.Close()

	_, err = altScope.Decrypt(ctx, *drr)
	s.Require().Error(err)
}

func (s *IntegrationTestSuite) TestIntermediateKeyRotatesAfterExpiry() {
	store := metastore.NewMemory()

	policy := envelopecrypt.NewCryptoPolicy(envelopecrypt.WithExpireAfterDuration(time.Millisecond))
	policy.CreateDatePrecision = time.Second

	cfg := &envelopecrypt.Config{
		Service: service,
		Product: product,
		Policy:  policy,
	}

	v := envelopecrypt.NewVault(cfg, store, s.kms, s.crypto)
	defer v.Close()

	ctx := context.Background()

	scope, err := v.OpenScope(partitionID)
	s.Require().NoError(err)
	defer scope.Close()

	first, err := scope.Encrypt(ctx, []byte(original))
	s.Require().NoError(err)

	// New keys are stamped at the create-date precision, so a successor can
	// only carry a different created value once the next window has begun.
	time.Sleep(1100 * time.Millisecond)

	second, err := scope.Encrypt(ctx, []byte(original))
	s.Require().NoError(err)

	s.NotEqual(first.Key.ParentKeyMeta.Created, second.Key.ParentKeyMeta.Created,
		"expired intermediate key should have been rotated")
}

func (s *IntegrationTestSuite) TestDecryptRevokedIntermediateKeyStillSucceeds() {
	// Revoking a key stops it from being used for new encryptions but must
	// not break decryption of data already sealed under it.
	store := metastore.NewMemory()

	v := envelopecrypt.NewVault(s.config, store, s.kms, s.crypto)
	defer v.Close()

	ctx := context.Background()

	scope, err := v.OpenScope(partitionID)
	s.Require().NoError(err)
	defer scope.Close()

	drr, err := scope.Encrypt(ctx, []byte(original))
	s.Require().NoError(err)

	ikID := drr.Key.ParentKeyMeta.ID
	ikCreated := drr.Key.ParentKeyMeta.Created

	ekr, err := store.Load(ctx, ikID, ikCreated)
	s.Require().NoError(err)
	s.Require().NotNil(ekr)

	// Memory hands back the same record it stored, so mutating it in place
	// is enough to simulate an out-of-band revocation in the metastore.
	// Revocation must stop the key from being reused to encrypt, but must
	// never prevent decrypting data already sealed under it.
	ekr.Revoked = true

	plaintext, err := scope.Decrypt(ctx, *drr)
	s.Require().NoError(err)
	s.Equal(original, string(plaintext))
}

func (s *IntegrationTestSuite) TestRevokedIntermediateKeyIsNotReusedForEncrypt() {
	store := metastore.NewMemory()

	policy := envelopecrypt.NewCryptoPolicy(envelopecrypt.WithRevokeCheckInterval(time.Millisecond))
	policy.CreateDatePrecision = time.Second

	cfg := &envelopecrypt.Config{Service: service, Product: product, Policy: policy}

	v := envelopecrypt.NewVault(cfg, store, s.kms, s.crypto)
	defer v.Close()

	ctx := context.Background()

	scope, err := v.OpenScope(partitionID)
	s.Require().NoError(err)
	defer scope.Close()

	first, err := scope.Encrypt(ctx, []byte(original))
	s.Require().NoError(err)

	t1 := first.Key.ParentKeyMeta.Created

	ekr, err := store.Load(ctx, first.Key.ParentKeyMeta.ID, t1)
	s.Require().NoError(err)
	s.Require().NotNil(ekr)

	ekr.Revoked = true

	// Past the revoke-check interval and into the next precision window, the
	// revoked IK must be replaced rather than reused.
	time.Sleep(1100 * time.Millisecond)

	second, err := scope.Encrypt(ctx, []byte(original))
	s.Require().NoError(err)

	s.Greater(second.Key.ParentKeyMeta.Created, t1,
		"a revoked intermediate key must not seal new data")
}

func (s *IntegrationTestSuite) TestEncryptIsNonDeterministic() {
	store := metastore.NewMemory()

	v := envelopecrypt.NewVault(s.config, store, s.kms, s.crypto)
	defer v.Close()

	ctx := context.Background()

	scope, err := v.OpenScope(partitionID)
	s.Require().NoError(err)
	defer scope.Close()

	a, err := scope.Encrypt(ctx, []byte(original))
	s.Require().NoError(err)

	b, err := scope.Encrypt(ctx, []byte(original))
	s.Require().NoError(err)

	s.NotEqual(a.Data, b.Data, "each encrypt must use a fresh DRK and nonce")
	s.NotEqual(a.Key.EncryptedKey, b.Key.EncryptedKey)
}

func TestIntegrationSuite(t *testing.T) {
	suite.Run(t, new(IntegrationTestSuite))
}

func TestScopeRejectsEmptyPartitionID(t *testing.T) {
	store := metastore.NewMemory()
	crypto := aead.NewAES256GCM()

	k, err := kms.NewStatic(staticKey, crypto)
	require.NoError(t, err)

	v := envelopecrypt.NewVault(&envelopecrypt.Config{Service: service, Product: product}, store, k, crypto)
	defer v.Close()

	_, err = v.OpenScope("")
	assert.Error(t, err)
}
