// Package metastore provides Metastore implementations backed by common
// durable stores: an in-memory map for tests, SQL databases via
// database/sql, and DynamoDB (in the dynamodb subpackage).
package metastore

import (
	"context"
	"sort"
	"sync"

	envelopecrypt "github.com/vaultguard/envelopecrypt"
)

var _ envelopecrypt.Metastore = (*Memory)(nil)

// Memory is an in-memory Metastore. It is intended for tests and local
// development; nothing it holds survives process restart.
type Memory struct {
	mu        sync.RWMutex
	envelopes map[string]map[int64]*envelopecrypt.EnvelopeKeyRecord
}

// NewMemory returns an empty Memory metastore.
func NewMemory() *Memory {
	return &Memory{
		envelopes: make(map[string]map[int64]*envelopecrypt.EnvelopeKeyRecord),
	}
}

// Load implements envelopecrypt.Metastore.
func (m *Memory) Load(_ context.Context, id string, created int64) (*envelopecrypt.EnvelopeKeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if ret, ok := m.envelopes[id][created]; ok {
		return ret, nil
	}

	return nil, nil
}

// LoadLatest implements envelopecrypt.Metastore.
func (m *Memory) LoadLatest(_ context.Context, id string) (*envelopecrypt.EnvelopeKeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byCreated, ok := m.envelopes[id]
	if !ok || len(byCreated) == 0 {
		return nil, nil
	}

	createds := make([]int64, 0, len(byCreated))
	for created := range byCreated {
		createds = append(createds, created)
	}

	sort.Slice(createds, func(i, j int) bool { return createds[i] < createds[j] })

	return byCreated[createds[len(createds)-1]], nil
}

// Store implements envelopecrypt.Metastore.
func (m *Memory) Store(_ context.Context, id string, created int64, envelope *envelopecrypt.EnvelopeKeyRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.envelopes[id][created]; ok {
		return false, nil
	}

	if _, ok := m.envelopes[id]; !ok {
		m.envelopes[id] = make(map[int64]*envelopecrypt.EnvelopeKeyRecord)
	}

	m.envelopes[id][created] = envelope

	return true, nil
}
