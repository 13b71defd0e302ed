package storage

import (
	"path/filepath"
	"testing"
)

func TestNewStoreMemory(t *testing.T) {
	store, err := NewStore("memory", "")
	if err != nil {
		t.Fatalf("new memory store: %v", err)
	}
	if store == nil {
		t.Fatal("expected non-nil store")
	}
	if err := CloseIfSupported(store); err != nil {
		t.Fatalf("close memory store: %v", err)
	}
}

func TestNewStoreSQLite(t *testing.T) {
	store, err := NewStore("sqlite", filepath.Join(t.TempDir(), "cellpop.db"))
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	if _, ok := store.(*SQLiteStore); !ok {
		t.Fatalf("unexpected store type: %T", store)
	}
}

func TestNewStoreUnsupported(t *testing.T) {
	_, err := NewStore("unknown", "")
	if err == nil {
		t.Fatal("expected unsupported store error")
	}
}

func TestNewStoreNormalizesKind(t *testing.T) {
	store, err := NewStore(" SQLite ", filepath.Join(t.TempDir(), "cellpop.db"))
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	if _, ok := store.(*SQLiteStore); !ok {
		t.Fatalf("unexpected store type: %T", store)
	}
	if _, err := NewStore("sqlite", ""); err == nil {
		t.Fatal("expected missing path error")
	}
}
