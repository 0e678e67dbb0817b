// SPDX-License-Identifier: MIT

package store

import (
	"fmt"
	"time"
)

// Options carries backend-specific tuning. Zero values keep defaults.
type Options struct {
	// PoolSize bounds open connections for the sqlite backend.
	PoolSize int
	// BusyTimeout is how long a sqlite writer waits on a contended database.
	BusyTimeout time.Duration
}

// Open creates a Store with default tuning.
func Open(backend, path string) (Store, error) {
	return OpenWith(backend, path, Options{})
}

// OpenWith creates a Store based on the backend configuration.
func OpenWith(backend, path string, opts Options) (Store, error) {
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSqliteStore(path, opts)
	case "badger":
		return OpenBadgerStore(path)
	default:
		return nil, fmt.Errorf("unknown store backend: %s", backend)
	}
}
