package metastore

import (
	envelopecrypt "github.com/vaultguard/envelopecrypt"
)

// Suffixed decorates any Metastore with a fixed region suffix, making the
// wrapped store advertise it through GetRegionSuffix so Vaults built on it
// name their keys per-region. Backends that already manage their own suffix
// (e.g. the dynamodb package's global-table support) don't need this.
type Suffixed struct {
	envelopecrypt.Metastore

	suffix string
}

var _ envelopecrypt.Metastore = (*Suffixed)(nil)
var _ envelopecrypt.RegionSuffixed = (*Suffixed)(nil)

// WithSuffix wraps m so it reports suffix as its region suffix.
func WithSuffix(m envelopecrypt.Metastore, suffix string) *Suffixed {
	return &Suffixed{Metastore: m, suffix: suffix}
}

// GetRegionSuffix implements envelopecrypt.RegionSuffixed.
func (s *Suffixed) GetRegionSuffix() string {
	return s.suffix
}
