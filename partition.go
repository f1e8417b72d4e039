package envelopecrypt

import (
	"fmt"
	"strings"
)

// partition derives the metastore key ids (SK and IK) for a single Scope.
type partition interface {
	SystemKeyID() string
	IntermediateKeyID() string
	IsValidIntermediateKeyID(id string) bool
}

func newPartition(id, service, product string) defaultPartition {
	return defaultPartition{id: id, service: service, product: product}
}

// defaultPartition names keys as _SK_service_product / _IK_id_service_product.
type defaultPartition struct {
	id      string
	service string
	product string
}

// SystemKeyID returns the system key name for this partition's service/product.
func (p defaultPartition) SystemKeyID() string {
	return fmt.Sprintf("_SK_%s_%s", p.service, p.product)
}

// IntermediateKeyID returns the intermediate key name for this partition.
func (p defaultPartition) IntermediateKeyID() string {
	return fmt.Sprintf("_IK_%s_%s_%s", p.id, p.service, p.product)
}

// IsValidIntermediateKeyID reports whether id names this partition's IK.
func (p defaultPartition) IsValidIntermediateKeyID(id string) bool {
	return id == p.IntermediateKeyID()
}

func newSuffixedPartition(id, service, product, suffix string) suffixedPartition {
	return suffixedPartition{
		defaultPartition: defaultPartition{id: id, service: service, product: product},
		suffix:           suffix,
	}
}

// suffixedPartition decorates defaultPartition's ids with a region suffix,
// used when the metastore backing a Vault is a multi-region global table.
type suffixedPartition struct {
	defaultPartition
	suffix string
}

// SystemKeyID returns the suffixed system key name.
func (p suffixedPartition) SystemKeyID() string {
	return fmt.Sprintf("_SK_%s_%s_%s", p.service, p.product, p.suffix)
}

// IntermediateKeyID returns the suffixed intermediate key name.
func (p suffixedPartition) IntermediateKeyID() string {
	return fmt.Sprintf("_IK_%s_%s_%s_%s", p.id, p.service, p.product, p.suffix)
}

// IsValidIntermediateKeyID accepts either this region's IK id or any other
// region's, so a DRK written in one region can be read back in another.
func (p suffixedPartition) IsValidIntermediateKeyID(id string) bool {
	return id == p.IntermediateKeyID() || strings.Index(id, p.defaultPartition.IntermediateKeyID()) == 0
}
