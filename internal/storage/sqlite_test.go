package storage

import (
	"context"
	"path/filepath"
	"testing"
)

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "cellpop.db")

	store := NewSQLiteStore(dbPath)
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	exerciseStore(t, store)
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "cellpop.db")

	first := NewSQLiteStore(dbPath)
	if err := first.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := first.SaveGeneration(ctx, sampleCheckpoint("run-1", 1)); err != nil {
		t.Fatalf("save generation: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second := NewSQLiteStore(dbPath)
	if err := second.Init(ctx); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() {
		_ = second.Close()
	})
	checkpoint, ok, err := second.GetGeneration(ctx, "run-1", 1)
	if err != nil {
		t.Fatalf("get generation: %v", err)
	}
	if !ok || checkpoint.RunID != "run-1" || len(checkpoint.Cells) != 1 {
		t.Fatalf("unexpected checkpoint after reopen: %+v", checkpoint)
	}
}

func TestSQLiteStoreRequiresPath(t *testing.T) {
	if err := NewSQLiteStore("").Init(context.Background()); err == nil {
		t.Fatal("expected missing path error")
	}
	if _, err := NewSQLiteStore("unused").ListRuns(context.Background()); err == nil {
		t.Fatal("expected uninitialized store error")
	}
}
