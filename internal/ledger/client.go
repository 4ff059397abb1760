package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/signalsfoundry/emergency-routing/model"
)

// Client issues reads and writes on behalf of one organization. Writes are
// computed against a snapshot of the documents they touch and committed
// atomically with the versions that were read.
type Client struct {
	backend Backend
	org     model.Org
	now     func() time.Time
	newID   func() string
}

// Option customises a Client.
type Option func(*Client)

// WithClock overrides the timestamp source used for document timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithIDGenerator overrides how mission ids are generated.
func WithIDGenerator(fn func() string) Option {
	return func(c *Client) { c.newID = fn }
}

// NewClient binds a client for org to backend.
func NewClient(backend Backend, org model.Org, opts ...Option) (*Client, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrInvalidArgument)
	}
	if !org.Valid() {
		return nil, fmt.Errorf("%w: unknown organization %q", ErrInvalidArgument, org)
	}
	c := &Client{
		backend: backend,
		org:     org,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Org returns the organization the client writes as.
func (c *Client) Org() model.Org { return c.org }

// ForOrg returns a client for another organization on the same backend.
func (c *Client) ForOrg(org model.Org) (*Client, error) {
	return NewClient(c.backend, org, WithClock(c.now), WithIDGenerator(c.newID))
}

type docKey struct {
	kind Kind
	id   string
}

type staged struct {
	version uint64
	body    []byte
	dirty   bool
}

// txn stages reads and writes for one commit.
type txn struct {
	ctx   context.Context
	b     Backend
	docs  map[docKey]*staged
	order []docKey
}

func (c *Client) begin(ctx context.Context) *txn {
	return &txn{ctx: ctx, b: c.backend, docs: make(map[docKey]*staged)}
}

// load fetches a document into dst, returning false when it does not exist.
func (t *txn) load(kind Kind, id string, dst any) (bool, error) {
	key := docKey{kind, id}
	s, ok := t.docs[key]
	if !ok {
		doc, err := t.b.Get(t.ctx, kind, id)
		switch {
		case errors.Is(err, ErrNotFound):
			s = &staged{}
		case err != nil:
			return false, err
		default:
			s = &staged{version: doc.Version, body: doc.Body}
		}
		t.docs[key] = s
	}
	if s.body == nil {
		return false, nil
	}
	if err := json.Unmarshal(s.body, dst); err != nil {
		return false, fmt.Errorf("decode %s %q: %w", kind, id, err)
	}
	return true, nil
}

func (t *txn) put(kind Kind, id string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s %q: %w", kind, id, err)
	}
	key := docKey{kind, id}
	s, ok := t.docs[key]
	if !ok {
		// Blind write: the caller never read it, so expect it to be new.
		s = &staged{}
		t.docs[key] = s
	}
	if !s.dirty {
		t.order = append(t.order, key)
	}
	s.body = body
	s.dirty = true
	return nil
}

func (t *txn) commit() error {
	writes := make([]Write, 0, len(t.order))
	for _, key := range t.order {
		s := t.docs[key]
		writes = append(writes, Write{Kind: key.kind, ID: key.id, Version: s.version, Body: s.body})
	}
	if len(writes) == 0 {
		return nil
	}
	return t.b.Commit(t.ctx, writes)
}

func (t *txn) vehicle(id string) (model.Vehicle, error) {
	var v model.Vehicle
	found, err := t.load(KindVehicle, id, &v)
	if err != nil {
		return model.Vehicle{}, err
	}
	if !found {
		return model.Vehicle{}, fmt.Errorf("%w: vehicle %q", ErrNotFound, id)
	}
	return v, nil
}

func (t *txn) mission(id string) (model.Mission, error) {
	var m model.Mission
	found, err := t.load(KindMission, id, &m)
	if err != nil {
		return model.Mission{}, err
	}
	if !found {
		return model.Mission{}, fmt.Errorf("%w: mission %q", ErrNotFound, id)
	}
	return m, nil
}

// segment returns the stored segment, or a free one when the ledger has no
// record of it.
func (t *txn) segment(id string) (model.Segment, error) {
	var s model.Segment
	found, err := t.load(KindSegment, id, &s)
	if err != nil {
		return model.Segment{}, err
	}
	if !found {
		return model.FreeSegment(id), nil
	}
	return s, nil
}

func decode[T any](doc Document) (T, error) {
	var v T
	if err := json.Unmarshal(doc.Body, &v); err != nil {
		return v, fmt.Errorf("decode %s %q: %w", doc.Kind, doc.ID, err)
	}
	return v, nil
}

func listAll[T any](ctx context.Context, b Backend, kind Kind) ([]T, error) {
	docs, err := b.List(ctx, kind)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		v, err := decode[T](doc)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (c *Client) requireOrg(owner model.Org, what, id string) error {
	if owner != c.org {
		return fmt.Errorf("%w: %s %q belongs to %s, caller is %s", ErrAccessDenied, what, id, owner, c.org)
	}
	return nil
}
