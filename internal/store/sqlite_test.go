package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/fusheng-game/fusheng/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("close repository: %v", err)
		}
	})
	return repo
}

func TestPersistAndLoad(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	sess := domain.NewDailySession("anon_p1", "2026-08-31", "system", "welcome")
	sess.CurrentLife = map[string]any{"姓名": "林风"}
	sess.LastModified = 100
	if err := repo.Persist(ctx, "anon_p1", sess); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	loaded, err := repo.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, ok := loaded["anon_p1"]
	if !ok {
		t.Fatal("persisted session missing from load")
	}
	if got.SessionDate != "2026-08-31" || got.OpportunitiesRemaining != domain.InitialOpportunities {
		t.Errorf("loaded session = %+v", got)
	}
	if got.CurrentLife["姓名"] != "林风" {
		t.Errorf("current life did not round-trip: %+v", got.CurrentLife)
	}
}

func TestPersistReplacesExisting(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	sess := domain.NewDailySession("anon_p1", "2026-08-30", "system", "welcome")
	if err := repo.Persist(ctx, "anon_p1", sess); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	sess.SessionDate = "2026-08-31"
	sess.OpportunitiesRemaining = 3
	if err := repo.Persist(ctx, "anon_p1", sess); err != nil {
		t.Fatalf("Persist update: %v", err)
	}

	loaded, err := repo.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("loaded %d records, want 1", len(loaded))
	}
	if got := loaded["anon_p1"]; got.SessionDate != "2026-08-31" || got.OpportunitiesRemaining != 3 {
		t.Errorf("update did not replace record: %+v", got)
	}
}

func TestMostRecentOrdersByLastModified(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"anon_old", "anon_mid", "anon_new"} {
		sess := domain.NewDailySession(id, "2026-08-31", "system", "welcome")
		sess.LastModified = float64(100 + i)
		if err := repo.Persist(ctx, id, sess); err != nil {
			t.Fatalf("Persist %s: %v", id, err)
		}
	}

	recent, err := repo.MostRecent(ctx, 2)
	if err != nil {
		t.Fatalf("MostRecent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("MostRecent returned %d, want 2", len(recent))
	}
	if recent[0].PlayerID != "anon_new" || recent[1].PlayerID != "anon_mid" {
		t.Errorf("order = %s, %s", recent[0].PlayerID, recent[1].PlayerID)
	}
}

func TestDelete(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	sess := domain.NewDailySession("anon_p1", "2026-08-31", "system", "welcome")
	if err := repo.Persist(ctx, "anon_p1", sess); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if err := repo.Delete(ctx, "anon_p1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	loaded, err := repo.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("record survived delete: %v", loaded)
	}
}
