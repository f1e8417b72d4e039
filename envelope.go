package envelopecrypt

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	metrics "github.com/rcrowley/go-metrics"

	"github.com/vaultguard/envelopecrypt/internal/cryptokey"
	"github.com/vaultguard/envelopecrypt/log"
	"github.com/vaultguard/envelopecrypt/secret"
)

var (
	decryptTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.drr.decrypt", MetricsPrefix), nil)
	encryptTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.drr.encrypt", MetricsPrefix), nil)
)

// KeyMeta names a single version of an SK or IK: its metastore id and
// creation timestamp.
type KeyMeta struct {
	ID      string `json:"KeyId"`
	Created int64  `json:"Created"`
}

func (m KeyMeta) String() string {
	return fmt.Sprintf("KeyMeta [keyId=%s created=%d]", m.ID, m.Created)
}

// DataRowRecord is the caller-facing output of EncryptPayload: the sealed
// data plus the sealed DRK (and its IK lineage) needed to reverse it later.
// Callers persist this alongside their ciphertext.
type DataRowRecord struct {
	Key  *EnvelopeKeyRecord
	Data []byte
}

// EnvelopeKeyRecord is the metastore's on-disk representation of a sealed
// key (SK or IK). Field names and JSON tags are fixed by the wire format
// and must not change.
type EnvelopeKeyRecord struct {
	Revoked       bool     `json:"Revoked,omitempty"`
	ID            string   `json:"-"`
	Created       int64    `json:"Created"`
	EncryptedKey  []byte   `json:"Key"`
	ParentKeyMeta *KeyMeta `json:"ParentKeyMeta,omitempty"`
}

var _ Encryption = (*envelopeEncryption)(nil)

// envelopeEncryption implements Encryption for a single partition. Encrypt
// walks the hierarchy downward -- latest SK seals a latest IK seals a fresh
// DRK seals the payload, minting any tier that is absent or no longer
// usable -- and decrypt walks it back up by exact (id, created) lineage.
type envelopeEncryption struct {
	partition        partition
	Metastore        Metastore
	KMS              KeyManagementService
	Policy           *CryptoPolicy
	Crypto           AEAD
	SecretFactory    secret.Factory
	systemKeys       cache
	intermediateKeys cache
}

// EncryptPayload implements Encryption.
func (e *envelopeEncryption) EncryptPayload(ctx context.Context, data []byte) (*DataRowRecord, error) {
	defer encryptTimer.UpdateSince(time.Now())

	if log.DebugEnabled() {
		opID := log.NewOperationID()

		log.Debugf("encrypt[%s]: start -- ik: %s", opID, e.partition.IntermediateKeyID())
		defer log.Debugf("encrypt[%s]: done", opID)
	}

	ik, release, err := e.latestIntermediateKey(ctx)
	if err != nil {
		return nil, err
	}

	defer release()

	return e.sealRow(ik, data)
}

// DecryptDataRowRecord implements Encryption.
func (e *envelopeEncryption) DecryptDataRowRecord(ctx context.Context, drr DataRowRecord) ([]byte, error) {
	defer decryptTimer.UpdateSince(time.Now())

	if log.DebugEnabled() {
		opID := log.NewOperationID()

		log.Debugf("decrypt[%s]: start -- ik: %s", opID, e.partition.IntermediateKeyID())
		defer log.Debugf("decrypt[%s]: done", opID)
	}

	lineage, err := e.rowKeyLineage(drr)
	if err != nil {
		return nil, err
	}

	ik, err := e.intermediateKeys.GetOrLoad(*lineage, keyLoaderFunc(func() (*cryptokey.Key, error) {
		return e.intermediateKeyByMeta(ctx, *lineage)
	}))
	if err != nil {
		return nil, err
	}

	defer e.releaseKey(e.Policy.CacheIntermediateKeys, ik)

	return e.openRow(ik, drr)
}

// Close releases the keys held by this Scope's caches.
func (e *envelopeEncryption) Close() error {
	return e.intermediateKeys.Close()
}

// sealRow seals data under a single-use DRK and the DRK under ik. DRK
// timestamps are raw seconds; only persisted tiers use the create-date
// precision.
func (e *envelopeEncryption) sealRow(ik *cryptokey.Key, data []byte) (*DataRowRecord, error) {
	drk, err := cryptokey.GenerateKey(e.SecretFactory, time.Now().Unix(), AES256KeySize)
	if err != nil {
		return nil, err
	}

	defer drk.Close()

	sealedDRK, err := e.sealKeyUnder(drk, ik)
	if err != nil {
		return nil, err
	}

	sealedData, err := cryptokey.WithKeyFunc(drk, func(drkBytes []byte) ([]byte, error) {
		return e.Crypto.Encrypt(data, drkBytes)
	})
	if err != nil {
		return nil, err
	}

	return &DataRowRecord{
		Data: sealedData,
		Key: &EnvelopeKeyRecord{
			Created:      drk.Created(),
			EncryptedKey: sealedDRK,
			ParentKeyMeta: &KeyMeta{
				ID:      e.partition.IntermediateKeyID(),
				Created: ik.Created(),
			},
		},
	}, nil
}

// openRow reverses sealRow: the DRK comes out from under ik, the payload
// from under the DRK. The raw DRK bytes are wiped before returning.
func (e *envelopeEncryption) openRow(ik *cryptokey.Key, drr DataRowRecord) ([]byte, error) {
	drkBytes, err := cryptokey.WithKeyFunc(ik, func(ikBytes []byte) ([]byte, error) {
		return e.Crypto.Decrypt(drr.Key.EncryptedKey, ikBytes)
	})
	if err != nil {
		return nil, err
	}

	defer cryptokey.Wipe(drkBytes)

	return e.Crypto.Decrypt(drr.Data, drkBytes)
}

// rowKeyLineage validates drr's key reference and returns the KeyMeta of
// the IK that sealed its DRK. A record whose lineage names another
// partition's IK is rejected outright.
func (e *envelopeEncryption) rowKeyLineage(drr DataRowRecord) (*KeyMeta, error) {
	switch {
	case drr.Key == nil:
		return nil, errors.New("data row record has no key")
	case drr.Key.ParentKeyMeta == nil:
		return nil, errors.New("data row key has no parent key meta")
	case !e.partition.IsValidIntermediateKeyID(drr.Key.ParentKeyMeta.ID):
		return nil, errors.Errorf("intermediate key id %q does not belong to this partition", drr.Key.ParentKeyMeta.ID)
	}

	return drr.Key.ParentKeyMeta, nil
}

// latestIntermediateKey resolves the IK to seal new data under, minting a
// successor when none is usable. The returned release func must be called
// once the key is no longer in use.
func (e *envelopeEncryption) latestIntermediateKey(ctx context.Context) (*cryptokey.Key, func(), error) {
	return e.latestKey(ctx, e.intermediateKeys, e.partition.IntermediateKeyID(), e.Policy.CacheIntermediateKeys, e.fetchOrMintIK)
}

// latestSystemKey resolves the SK to seal new IKs under.
func (e *envelopeEncryption) latestSystemKey(ctx context.Context) (*cryptokey.Key, func(), error) {
	return e.latestKey(ctx, e.systemKeys, e.partition.SystemKeyID(), e.Policy.CacheSystemKeys, e.fetchOrMintSK)
}

// latestKey runs a latest-key lookup through c, tracking every key the
// fetch mints so the ones the cache is not retaining get closed by the
// release func.
func (e *envelopeEncryption) latestKey(
	ctx context.Context,
	c cache,
	id string,
	cached bool,
	fetch func(context.Context) (*cryptokey.Key, error),
) (*cryptokey.Key, func(), error) {
	minted := new(mintedKeys)

	key, err := c.GetOrLoadLatest(id, latestQuery{
		keyLoaderFunc: minted.track(func() (*cryptokey.Key, error) { return fetch(ctx) }),
		unusable:      e.keyUnusable,
	})
	if err != nil {
		minted.release(cached)
		return nil, nil, err
	}

	return key, func() { minted.release(cached) }, nil
}

// fetchOrMintIK is the cache loader for the encrypt path's IK: reuse the
// newest stored IK when it and its parent SK are still usable, otherwise
// mint a successor.
func (e *envelopeEncryption) fetchOrMintIK(ctx context.Context) (*cryptokey.Key, error) {
	record, err := e.Metastore.LoadLatest(ctx, e.partition.IntermediateKeyID())
	if err != nil {
		return nil, errors.Wrap(err, "loading latest intermediate key")
	}

	if ik := e.reusableIK(ctx, record); ik != nil {
		return ik, nil
	}

	return e.mintIntermediateKey(ctx)
}

// reusableIK returns the in-memory IK for record when record, its parent
// SK, and the unseal all check out; nil means the caller must mint.
func (e *envelopeEncryption) reusableIK(ctx context.Context, record *EnvelopeKeyRecord) *cryptokey.Key {
	if record == nil || record.ParentKeyMeta == nil || e.recordUnusable(record) {
		return nil
	}

	sk, err := e.systemKeyByMeta(ctx, *record.ParentKeyMeta)
	if err != nil {
		log.Debugf("parent SK %s unavailable, minting a new IK: %s", record.ParentKeyMeta, err)
		return nil
	}

	defer e.releaseKey(e.Policy.CacheSystemKeys, sk)

	if e.keyUnusable(sk) {
		return nil
	}

	ik, err := e.openIKRecord(record, sk)
	if err != nil {
		log.Debugf("unseal of latest IK failed, minting a new one: %s", err)
		return nil
	}

	return ik
}

// mintIntermediateKey creates, seals, and persists a new IK under the
// current SK. Losing the conditional insert is routine: the winner's IK is
// adopted instead.
func (e *envelopeEncryption) mintIntermediateKey(ctx context.Context) (*cryptokey.Key, error) {
	sk, release, err := e.latestSystemKey(ctx)
	if err != nil {
		return nil, err
	}

	defer release()

	ik, err := e.mintKey()
	if err != nil {
		return nil, err
	}

	sealed, err := e.sealKeyUnder(ik, sk)
	if err != nil {
		ik.Close()
		return nil, err
	}

	record := &EnvelopeKeyRecord{
		ID:           e.partition.IntermediateKeyID(),
		Created:      ik.Created(),
		EncryptedKey: sealed,
		ParentKeyMeta: &KeyMeta{
			ID:      e.partition.SystemKeyID(),
			Created: sk.Created(),
		},
	}

	if e.persist(ctx, record) {
		return ik, nil
	}

	ik.Close()

	winner, err := e.latestRecord(ctx, e.partition.IntermediateKeyID())
	if err != nil {
		return nil, err
	}

	return e.openIKRecordResolvingParent(ctx, winner, sk)
}

// fetchOrMintSK is the cache loader for the latest SK: reuse the newest
// stored SK when usable, otherwise mint one, seal it via KMS, and persist
// it. The KMS seal happens before the insert so a KMS failure leaves no
// durable state.
func (e *envelopeEncryption) fetchOrMintSK(ctx context.Context) (*cryptokey.Key, error) {
	record, err := e.Metastore.LoadLatest(ctx, e.partition.SystemKeyID())
	if err != nil {
		return nil, errors.Wrap(err, "loading latest system key")
	}

	if record != nil && !e.recordUnusable(record) {
		return e.openSKRecord(ctx, record)
	}

	sk, err := e.mintKey()
	if err != nil {
		return nil, err
	}

	wrapped, err := cryptokey.WithKeyFunc(sk, func(skBytes []byte) ([]byte, error) {
		return e.KMS.EncryptKey(ctx, skBytes)
	})
	if err != nil {
		sk.Close()
		return nil, err
	}

	if e.persist(ctx, &EnvelopeKeyRecord{
		ID:           e.partition.SystemKeyID(),
		Created:      sk.Created(),
		EncryptedKey: wrapped,
	}) {
		return sk, nil
	}

	sk.Close()

	winner, err := e.latestRecord(ctx, e.partition.SystemKeyID())
	if err != nil {
		return nil, err
	}

	return e.openSKRecord(ctx, winner)
}

// intermediateKeyByMeta is the decrypt path's IK loader: the exact version
// the data row names, unsealed under the exact SK version that sealed it.
func (e *envelopeEncryption) intermediateKeyByMeta(ctx context.Context, meta KeyMeta) (*cryptokey.Key, error) {
	record, err := e.loadRecord(ctx, meta)
	if err != nil {
		return nil, err
	}

	return e.openIKRecordResolvingParent(ctx, record, nil)
}

// systemKeyByMeta resolves an SK by exact (id, created) through the system
// key cache.
func (e *envelopeEncryption) systemKeyByMeta(ctx context.Context, meta KeyMeta) (*cryptokey.Key, error) {
	return e.systemKeys.GetOrLoad(meta, keyLoaderFunc(func() (*cryptokey.Key, error) {
		record, err := e.loadRecord(ctx, meta)
		if err != nil {
			return nil, err
		}

		return e.openSKRecord(ctx, record)
	}))
}

// openIKRecordResolvingParent unseals record under its parent SK. hint may
// carry an already-resolved SK; it is used only when it is the exact
// version record names -- the latest SK is never authoritative for a
// historical IK.
func (e *envelopeEncryption) openIKRecordResolvingParent(ctx context.Context, record *EnvelopeKeyRecord, hint *cryptokey.Key) (*cryptokey.Key, error) {
	if record.ParentKeyMeta == nil {
		return nil, errors.Errorf("intermediate key record %s has no parent key meta", record.ID)
	}

	if hint != nil && hint.Created() == record.ParentKeyMeta.Created {
		return e.openIKRecord(record, hint)
	}

	sk, err := e.systemKeyByMeta(ctx, *record.ParentKeyMeta)
	if err != nil {
		return nil, err
	}

	defer e.releaseKey(e.Policy.CacheSystemKeys, sk)

	return e.openIKRecord(record, sk)
}

// openIKRecord unseals record's key bytes under sk.
func (e *envelopeEncryption) openIKRecord(record *EnvelopeKeyRecord, sk *cryptokey.Key) (*cryptokey.Key, error) {
	raw, err := cryptokey.WithKeyFunc(sk, func(skBytes []byte) ([]byte, error) {
		return e.Crypto.Decrypt(record.EncryptedKey, skBytes)
	})
	if err != nil {
		return nil, errors.Wrap(err, "unsealing intermediate key")
	}

	return cryptokey.NewKey(e.SecretFactory, record.Created, record.Revoked, raw)
}

// openSKRecord unseals record's key bytes via the KMS.
func (e *envelopeEncryption) openSKRecord(ctx context.Context, record *EnvelopeKeyRecord) (*cryptokey.Key, error) {
	raw, err := e.KMS.DecryptKey(ctx, record.EncryptedKey)
	if err != nil {
		return nil, errors.Wrap(err, "unsealing system key via kms")
	}

	return cryptokey.NewKey(e.SecretFactory, record.Created, record.Revoked, raw)
}

// sealKeyUnder seals inner's raw bytes under outer.
func (e *envelopeEncryption) sealKeyUnder(inner, outer *cryptokey.Key) ([]byte, error) {
	return cryptokey.WithKeyFunc(outer, func(outerBytes []byte) ([]byte, error) {
		return cryptokey.WithKeyFunc(inner, func(innerBytes []byte) ([]byte, error) {
			return e.Crypto.Encrypt(innerBytes, outerBytes)
		})
	})
}

// mintKey generates a fresh random key stamped at the policy's create-date
// precision, so concurrent minters in one precision window collide on
// (id, created) and the conditional insert can pick one winner.
func (e *envelopeEncryption) mintKey() (*cryptokey.Key, error) {
	return cryptokey.GenerateKey(e.SecretFactory, newKeyTimestamp(e.Policy.CreateDatePrecision), AES256KeySize)
}

// persist conditionally inserts record. A lost race and a transport error
// both report false: the caller recovers from either the same way, by
// reading back whatever the metastore holds.
func (e *envelopeEncryption) persist(ctx context.Context, record *EnvelopeKeyRecord) bool {
	ok, err := e.Metastore.Store(ctx, record.ID, record.Created, record)
	if err != nil {
		log.Debugf("conditional insert of %s at %d failed: %s", record.ID, record.Created, err)
	}

	return ok
}

// loadRecord reads the exact record named by meta; absence is an error
// here, since by-meta lookups only follow references that must exist.
func (e *envelopeEncryption) loadRecord(ctx context.Context, meta KeyMeta) (*EnvelopeKeyRecord, error) {
	record, err := e.Metastore.Load(ctx, meta.ID, meta.Created)
	if err != nil {
		return nil, err
	}

	if record == nil {
		return nil, errors.Errorf("no key record for %s at %d", meta.ID, meta.Created)
	}

	record.ID = meta.ID

	return record, nil
}

// latestRecord reads the newest record for id after a lost create race;
// the winner's row must be visible by then.
func (e *envelopeEncryption) latestRecord(ctx context.Context, id string) (*EnvelopeKeyRecord, error) {
	record, err := e.Metastore.LoadLatest(ctx, id)
	if err != nil {
		return nil, err
	}

	if record == nil {
		return nil, errors.Errorf("no key record for %s after losing create race", id)
	}

	record.ID = id

	return record, nil
}

// keyUnusable reports whether key may seal new data. Revoked or expired
// keys are only ever read from, never written under.
func (e *envelopeEncryption) keyUnusable(key *cryptokey.Key) bool {
	return key.Revoked() || cryptokey.IsKeyExpired(key.Created(), e.Policy.ExpireKeyAfter)
}

func (e *envelopeEncryption) recordUnusable(record *EnvelopeKeyRecord) bool {
	return record.Revoked || cryptokey.IsKeyExpired(record.Created, e.Policy.ExpireKeyAfter)
}

// releaseKey closes key unless a cache is retaining it.
func (e *envelopeEncryption) releaseKey(cached bool, key *cryptokey.Key) {
	if !cached {
		key.Close()
	}
}

var _ keyReloader = latestQuery{}

// latestQuery adapts a fetch function and a usability predicate to the
// keyReloader contract GetOrLoadLatest expects.
type latestQuery struct {
	keyLoaderFunc

	unusable func(*cryptokey.Key) bool
}

// IsInvalid implements keyReloader.
func (q latestQuery) IsInvalid(key *cryptokey.Key) bool {
	return q.unusable(key)
}

// mintedKeys records the keys a latest-key fetch produces during one
// resolution. The cache invokes the loader on the caller's goroutine, so
// no locking is needed.
type mintedKeys struct {
	keys []*cryptokey.Key
}

func (m *mintedKeys) track(fetch func() (*cryptokey.Key, error)) keyLoaderFunc {
	return func() (*cryptokey.Key, error) {
		key, err := fetch()
		if err != nil {
			return nil, err
		}

		m.keys = append(m.keys, key)

		return key, nil
	}
}

// release closes every minted key unless cached -- a cache that retained
// them owns their lifetime.
func (m *mintedKeys) release(cached bool) {
	if cached {
		return
	}

	for _, key := range m.keys {
		key.Close()
	}

	m.keys = nil
}
