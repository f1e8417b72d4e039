// Package aws implements envelopecrypt.KeyManagementService atop AWS KMS,
// supporting both single-region and multi-region deployments. In the
// multi-region case, System Keys are sealed under a data key that is itself
// re-encrypted under every configured region's master key, so any
// configured region can independently recover the System Key.
package aws

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	envelopecrypt "github.com/vaultguard/envelopecrypt"
)

// ClientFactory constructs a Client for a region-scoped aws.Config.
type ClientFactory func(cfg aws.Config, optFns ...func(*kms.Options)) Client

// DefaultClientFactory wraps kms.NewFromConfig.
func DefaultClientFactory(cfg aws.Config, optFns ...func(*kms.Options)) Client {
	return kms.NewFromConfig(cfg, optFns...)
}

// Builder configures and constructs a KMS.
type Builder struct {
	arnMap map[string]string
	crypto envelopecrypt.AEAD

	preferredRegion string
	factory         ClientFactory

	cfg            aws.Config
	usingCustomCfg bool
}

// NewBuilder returns a Builder that will seal/unseal keys with crypto, using
// the given region -> master key ARN map.
func NewBuilder(crypto envelopecrypt.AEAD, arnMap map[string]string) *Builder {
	if len(arnMap) == 0 {
		panic("kms/aws: arnMap must contain at least one entry")
	}

	return &Builder{arnMap: arnMap, crypto: crypto}
}

// WithPreferredRegion selects the region tried first on both encrypt and
// decrypt. Required when arnMap has more than one entry.
func (b *Builder) WithPreferredRegion(region string) *Builder {
	b.preferredRegion = region
	return b
}

// WithClientFactory overrides how regional KMS clients are constructed,
// primarily for tests.
func (b *Builder) WithClientFactory(factory ClientFactory) *Builder {
	b.factory = factory
	return b
}

// WithAWSConfig overrides the base AWS config each regional client is
// derived from. The default loads the ambient SDK config.
func (b *Builder) WithAWSConfig(cfg aws.Config) *Builder {
	b.cfg = cfg
	b.usingCustomCfg = true

	return b
}

// Build constructs the KMS, ordering its regional clients with the
// preferred region first.
func (b *Builder) Build() (*KMS, error) {
	if b.factory == nil {
		b.factory = DefaultClientFactory
	}

	if !b.usingCustomCfg {
		cfg, err := config.LoadDefaultConfig(context.Background())
		if err != nil {
			return nil, fmt.Errorf("kms/aws: loading default AWS config: %w", err)
		}

		b.cfg = cfg
	}

	if b.preferredRegion == "" && len(b.arnMap) > 1 {
		return nil, errors.New("kms/aws: preferred region must be set when using multiple regions")
	}

	var clients []regionalClient

	for region, arn := range b.arnMap {
		cfg := b.cfg.Copy()
		cfg.Region = region

		rc := regionalClient{
			client:       b.factory(cfg),
			region:       region,
			masterKeyARN: arn,
		}

		if region == b.preferredRegion {
			clients = append([]regionalClient{rc}, clients...)
		} else {
			clients = append(clients, rc)
		}
	}

	return &KMS{clients: clients, crypto: b.crypto}, nil
}

// New is a convenience wrapper for the common single-preferred-region case,
// equivalent to NewBuilder(crypto, arnMap).WithPreferredRegion(region).Build().
func New(crypto envelopecrypt.AEAD, preferredRegion string, arnMap map[string]string) (*KMS, error) {
	return NewBuilder(crypto, arnMap).WithPreferredRegion(preferredRegion).Build()
}
