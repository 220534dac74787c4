package store

import (
	"fmt"
	"path/filepath"

	"quantbt/internal/config"
)

// OpenOrderStore opens the order store selected by cfg.OrderBackend.
// Relative default paths live under cfg.DataDir.
func OpenOrderStore(cfg config.Storage) (OrderStore, error) {
	switch cfg.OrderBackend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			path = filepath.Join(cfg.DataDir, "orders.db")
		}
		return NewSQLiteStore(path)
	case "badger":
		dir := cfg.BadgerDir
		if dir == "" {
			dir = filepath.Join(cfg.DataDir, "orders.badger")
		}
		return OpenBadgerStore(BadgerOptions{Dir: dir})
	}
	return nil, fmt.Errorf("unknown order backend %q", cfg.OrderBackend)
}
