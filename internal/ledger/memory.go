package ledger

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
)

// CommitHook runs before a memory commit is validated. A non-nil error
// aborts the commit and is returned to the caller.
type CommitHook func(writes []Write) error

// MemoryBackend keeps documents in process. It is safe for concurrent use
// and can be shared by clients of different organizations.
type MemoryBackend struct {
	mu   sync.RWMutex
	docs map[Kind]map[string]Document
	hook CommitHook
}

// NewMemoryBackend returns an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{docs: make(map[Kind]map[string]Document)}
}

// SetCommitHook installs h, replacing any previous hook. Pass nil to clear.
func (b *MemoryBackend) SetCommitHook(h CommitHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hook = h
}

func (b *MemoryBackend) Get(ctx context.Context, kind Kind, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	doc, ok := b.docs[kind][id]
	if !ok {
		return Document{}, fmt.Errorf("%w: %s %q", ErrNotFound, kind, id)
	}
	doc.Body = slices.Clone(doc.Body)
	return doc, nil
}

func (b *MemoryBackend) List(ctx context.Context, kind Kind) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Document, 0, len(b.docs[kind]))
	for _, doc := range b.docs[kind] {
		doc.Body = slices.Clone(doc.Body)
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *MemoryBackend) Commit(ctx context.Context, writes []Write) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.hook != nil {
		if err := b.hook(writes); err != nil {
			return err
		}
	}
	for _, w := range writes {
		current := b.docs[w.Kind][w.ID].Version
		if current != w.Version {
			return fmt.Errorf("%w: %s has version %d", ErrConflict, w, current)
		}
	}
	for _, w := range writes {
		bucket, ok := b.docs[w.Kind]
		if !ok {
			bucket = make(map[string]Document)
			b.docs[w.Kind] = bucket
		}
		bucket[w.ID] = Document{Kind: w.Kind, ID: w.ID, Version: w.Version + 1, Body: slices.Clone(w.Body)}
	}
	return nil
}

func (b *MemoryBackend) Close() error { return nil }
