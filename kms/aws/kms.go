package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	metrics "github.com/rcrowley/go-metrics"

	envelopecrypt "github.com/vaultguard/envelopecrypt"
	"github.com/vaultguard/envelopecrypt/internal/cryptokey"
	"github.com/vaultguard/envelopecrypt/log"
)

var (
	encryptKeyTimer = metrics.GetOrRegisterTimer(envelopecrypt.MetricsPrefix+".kms.aws.encryptkey", nil)
	decryptKeyTimer = metrics.GetOrRegisterTimer(envelopecrypt.MetricsPrefix+".kms.aws.decryptkey", nil)
)

// Client is the subset of the AWS KMS API this package depends on.
type Client interface {
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
}

// KMS implements envelopecrypt.KeyManagementService atop one or more
// regional AWS KMS clients. Construct one with NewBuilder or New.
type KMS struct {
	clients []regionalClient
	crypto  envelopecrypt.AEAD
}

var _ envelopecrypt.KeyManagementService = (*KMS)(nil)

// EncryptKey generates a data key in the first region that succeeds, seals
// keyBytes under it, and re-encrypts the data key under every configured
// region's master key so EncryptKey's result can be decrypted from any
// region.
func (a *KMS) EncryptKey(ctx context.Context, keyBytes []byte) ([]byte, error) {
	dataKey, err := a.generateDataKey(ctx)
	if err != nil {
		return nil, err
	}

	defer cryptokey.Wipe(dataKey.Plaintext)

	encKeyBytes, err := a.crypto.Encrypt(keyBytes, dataKey.Plaintext)
	if err != nil {
		return nil, fmt.Errorf("kms/aws: encrypting key: %w", err)
	}

	env := envelope{
		EncryptedKey: encKeyBytes,
		KEKs:         a.encryptRegionalKEKs(ctx, dataKey),
	}

	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("kms/aws: marshalling envelope: %w", err)
	}

	return b, nil
}

// generateDataKey tries each configured region in order, returning the
// first successful response. It fails only if every region errors.
func (a *KMS) generateDataKey(ctx context.Context) (*kms.GenerateDataKeyOutput, error) {
	for _, c := range a.clients {
		resp, err := c.generateDataKey(ctx)
		if err != nil {
			log.Debugf("kms/aws: generate data key failed in region %s, trying next: %s", c.region, err)
			continue
		}

		return resp, nil
	}

	return nil, errors.New("kms/aws: all regions returned errors generating a data key")
}

func (a *KMS) encryptRegionalKEKs(ctx context.Context, dataKey *kms.GenerateDataKeyOutput) []regionalKEK {
	ch := make(chan regionalKEK, len(a.clients))

	go a.encryptAllRegions(ctx, dataKey, ch)

	out := make([]regionalKEK, 0, len(a.clients))
	for kek := range ch {
		out = append(out, kek)
	}

	return out
}

func (a *KMS) encryptAllRegions(ctx context.Context, dataKey *kms.GenerateDataKeyOutput, ch chan<- regionalKEK) {
	var wg sync.WaitGroup

	for _, c := range a.clients {
		if c.masterKeyARN == *dataKey.KeyId {
			ch <- regionalKEK{
				Region:       c.region,
				ARN:          c.masterKeyARN,
				EncryptedKEK: dataKey.CiphertextBlob,
			}

			continue
		}

		wg.Add(1)

		go func(c regionalClient) {
			defer wg.Done()

			resp, err := c.encryptKey(ctx, dataKey.Plaintext)
			if err != nil {
				log.Debugf("kms/aws: encrypting data key in region %s failed: %s", c.region, err)
				return
			}

			ch <- regionalKEK{
				Region:       c.region,
				ARN:          c.masterKeyARN,
				EncryptedKEK: resp.CiphertextBlob,
			}
		}(c)
	}

	wg.Wait()
	close(ch)
}

// DecryptKey reverses EncryptKey. It tries the preferred region's KEK
// first, then falls back to the remaining regions in configured order.
func (a *KMS) DecryptKey(ctx context.Context, data []byte) ([]byte, error) {
	var env envelope

	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("kms/aws: unmarshalling envelope: %w", err)
	}

	keks := make(map[string]regionalKEK, len(env.KEKs))
	for _, kek := range env.KEKs {
		keks[kek.Region] = kek
	}

	for _, c := range a.clients {
		kek, ok := keks[c.region]
		if !ok {
			log.Debugf("kms/aws: no KEK for region %s", c.region)
			continue
		}

		resp, err := c.decryptKey(ctx, kek.EncryptedKEK)
		if err != nil {
			log.Debugf("kms/aws: kms decrypt in region %s failed: %s", c.region, err)
			continue
		}

		keyBytes, err := a.crypto.Decrypt(env.EncryptedKey, resp.Plaintext)
		if err != nil {
			log.Debugf("kms/aws: crypto decrypt in region %s failed: %s", c.region, err)
			continue
		}

		return keyBytes, nil
	}

	return nil, errors.New("kms/aws: decrypt failed in all regions")
}

// PreferredRegion returns the region tried first.
func (a *KMS) PreferredRegion() string {
	return a.clients[0].region
}

// envelope is the wire format returned by EncryptKey and consumed by
// DecryptKey.
type envelope struct {
	EncryptedKey []byte        `json:"encryptedKey"`
	KEKs         []regionalKEK `json:"kmsKeks"`
}

// regionalKEK is one region's copy of the data key, sealed under that
// region's master key.
type regionalKEK struct {
	Region       string `json:"region"`
	ARN          string `json:"arn"`
	EncryptedKEK []byte `json:"encryptedKek"`
}

type regionalClient struct {
	client       Client
	region       string
	masterKeyARN string
}

func (r *regionalClient) generateDataKey(ctx context.Context) (*kms.GenerateDataKeyOutput, error) {
	start := time.Now()

	resp, err := r.client.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   &r.masterKeyARN,
		KeySpec: types.DataKeySpecAes256,
	})

	metrics.GetOrRegisterTimer(fmt.Sprintf("%s.kms.aws.generatedatakey.%s", envelopecrypt.MetricsPrefix, r.region), nil).UpdateSince(start)

	return resp, err
}

func (r *regionalClient) encryptKey(ctx context.Context, keyBytes []byte) (*kms.EncryptOutput, error) {
	defer encryptKeyTimer.UpdateSince(time.Now())

	return r.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     &r.masterKeyARN,
		Plaintext: keyBytes,
	})
}

func (r *regionalClient) decryptKey(ctx context.Context, keyBytes []byte) (*kms.DecryptOutput, error) {
	defer decryptKeyTimer.UpdateSince(time.Now())

	return r.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:          &r.masterKeyARN,
		CiphertextBlob: keyBytes,
	})
}
