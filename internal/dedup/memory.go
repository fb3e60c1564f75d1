package dedup

import (
	"context"
	"time"

	"github.com/mattjoyce/tesgw/internal/expiry"
)

// MemoryStore keeps message ids in process memory. Entries vanish when their
// window ends; nothing survives a restart.
type MemoryStore struct {
	ids *expiry.Set[string, struct{}]
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ids: expiry.New[string, struct{}](nil)}
}

func (m *MemoryStore) Seen(_ context.Context, id string) (bool, error) {
	return m.ids.Has(id), nil
}

func (m *MemoryStore) Claim(_ context.Context, id string, window time.Duration) (bool, error) {
	return m.ids.AddIfAbsent(id, struct{}{}, window), nil
}

// Len returns the number of tracked ids.
func (m *MemoryStore) Len() int {
	return m.ids.Len()
}

func (m *MemoryStore) Close() error {
	m.ids.Close()
	return nil
}

var _ Store = (*MemoryStore)(nil)
