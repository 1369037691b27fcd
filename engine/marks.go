package engine

import (
	"context"
	"sync"
)

// MarkStore persists the committed high-water-mark of each collection in
// milliseconds. storage.Store implements it.
type MarkStore interface {
	Mark(ctx context.Context, collection string) (int64, error)
	SetMark(ctx context.Context, collection string, mark int64) error
}

// MemoryMarks is a MarkStore that forgets everything on exit.
type MemoryMarks struct {
	mu    sync.Mutex
	marks map[string]int64
}

// NewMemoryMarks returns an empty MemoryMarks.
func NewMemoryMarks() *MemoryMarks {
	return &MemoryMarks{marks: map[string]int64{}}
}

// Mark implements MarkStore.
func (m *MemoryMarks) Mark(_ context.Context, collection string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.marks[collection], nil
}

// SetMark implements MarkStore.
func (m *MemoryMarks) SetMark(_ context.Context, collection string, mark int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.marks[collection] = mark

	return nil
}
