package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/signalsfoundry/emergency-routing/model"
)

func openTestSQLite(t *testing.T) *SQLiteBackend {
	t.Helper()
	b, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { b.Close() }) //nolint:errcheck
	return b
}

func forEachBackend(t *testing.T, fn func(t *testing.T, b Backend)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryBackend()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, openTestSQLite(t)) })
}

func TestBackendVersionedCommit(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		if _, err := b.Get(ctx, KindSegment, "S1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Get missing = %v, want ErrNotFound", err)
		}
		if err := b.Commit(ctx, []Write{{Kind: KindSegment, ID: "S1", Body: []byte(`{"id":"S1"}`)}}); err != nil {
			t.Fatalf("create: %v", err)
		}
		doc, err := b.Get(ctx, KindSegment, "S1")
		if err != nil || doc.Version != 1 {
			t.Fatalf("Get = %+v, %v; want version 1", doc, err)
		}

		// Creating again with version 0 collides.
		err = b.Commit(ctx, []Write{{Kind: KindSegment, ID: "S1", Body: []byte(`{}`)}})
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("duplicate create = %v, want ErrConflict", err)
		}

		if err := b.Commit(ctx, []Write{{Kind: KindSegment, ID: "S1", Version: 1, Body: []byte(`{"id":"S1","status":"reserved"}`)}}); err != nil {
			t.Fatalf("update: %v", err)
		}
		if err := b.Commit(ctx, []Write{{Kind: KindSegment, ID: "S1", Version: 1, Body: []byte(`{}`)}}); !errors.Is(err, ErrConflict) {
			t.Fatalf("stale update = %v, want ErrConflict", err)
		}
		doc, _ = b.Get(ctx, KindSegment, "S1")
		if doc.Version != 2 || string(doc.Body) != `{"id":"S1","status":"reserved"}` {
			t.Fatalf("doc after stale write = %+v", doc)
		}
	})
}

func TestBackendCommitIsAtomic(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		if err := b.Commit(ctx, []Write{{Kind: KindVehicle, ID: "v1", Body: []byte(`{}`)}}); err != nil {
			t.Fatalf("seed: %v", err)
		}
		err := b.Commit(ctx, []Write{
			{Kind: KindSegment, ID: "S1", Body: []byte(`{}`)},
			{Kind: KindVehicle, ID: "v1", Version: 7, Body: []byte(`{}`)},
		})
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("commit = %v, want ErrConflict", err)
		}
		if _, err := b.Get(ctx, KindSegment, "S1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("partial commit leaked S1: %v", err)
		}

		docs, err := b.List(ctx, KindVehicle)
		if err != nil || len(docs) != 1 || docs[0].ID != "v1" {
			t.Fatalf("List = %+v, %v", docs, err)
		}
	})
}

func TestSQLiteLedgerSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "ledger.db")

	b, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	c, err := NewClient(b, model.OrgPolice)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := c.RegisterVehicle(ctx, model.Vehicle{ID: "pol-1", Org: model.OrgPolice, Priority: 2}); err != nil {
		t.Fatalf("RegisterVehicle: %v", err)
	}
	m, err := c.CreateMission(ctx, MissionSpec{VehicleID: "pol-1", Origin: "N1", Dest: "N5"})
	if err != nil {
		t.Fatalf("CreateMission: %v", err)
	}
	if _, err := c.ActivateMission(ctx, m.ID, []string{"S1", "S2"}); err != nil {
		t.Fatalf("ActivateMission: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err = OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b.Close() //nolint:errcheck
	c, _ = NewClient(b, model.OrgPolice)

	got, err := c.GetMission(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMission after reopen: %v", err)
	}
	if got.Status != model.MissionActive || len(got.Path) != 2 {
		t.Fatalf("mission after reopen = %+v", got)
	}
	s, _ := c.GetSegment(ctx, "S2")
	if s.Status != model.SegmentReserved || s.Holder == nil || s.Holder.VehicleID != "pol-1" {
		t.Fatalf("S2 after reopen = %+v", s)
	}
}
