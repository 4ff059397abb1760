// Package ledger stores the authoritative vehicle, mission and segment
// documents and applies the per-organization write rules to them.
package ledger

import (
	"context"
	"fmt"
)

// Kind partitions the document space.
type Kind string

const (
	KindVehicle Kind = "vehicle"
	KindMission Kind = "mission"
	KindSegment Kind = "segment"
)

// Document is a versioned JSON body. Version starts at 1 on first write and
// increases by one on every commit.
type Document struct {
	Kind    Kind
	ID      string
	Version uint64
	Body    []byte
}

// Write replaces one document. Version is the version the writer read; zero
// means the document must not exist yet.
type Write struct {
	Kind    Kind
	ID      string
	Version uint64
	Body    []byte
}

func (w Write) String() string {
	return fmt.Sprintf("%s/%s@%d", w.Kind, w.ID, w.Version)
}

// Backend is a versioned document store. Commit applies every write or
// none of them, and fails with ErrConflict when any expected version is
// stale.
type Backend interface {
	Get(ctx context.Context, kind Kind, id string) (Document, error)
	List(ctx context.Context, kind Kind) ([]Document, error)
	Commit(ctx context.Context, writes []Write) error
	Close() error
}
