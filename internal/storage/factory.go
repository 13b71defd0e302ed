package storage

import (
	"fmt"
	"strings"
)

// NewStore builds the checkpoint backend named by kind. Kinds are matched
// case-insensitively; an empty kind selects the in-memory store.
func NewStore(kind, sqlitePath string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		if strings.TrimSpace(sqlitePath) == "" {
			return nil, fmt.Errorf("sqlite store requires a database path")
		}
		return NewSQLiteStore(sqlitePath), nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", kind)
	}
}

// CloseIfSupported releases stores that hold a connection.
func CloseIfSupported(store Store) error {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
