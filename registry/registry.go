// Package registry holds client, scope, and resource configuration as an
// immutable snapshot that is replaced atomically on reload, and resolves
// requested scopes against it.
package registry

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Registry publishes the current Snapshot. Readers never block on reloads.
type Registry struct {
	current atomic.Pointer[Snapshot]

	// reloadMu serializes writers only
	reloadMu sync.Mutex
	logger   *slog.Logger
}

// New creates a registry serving the given snapshot.
func New(initial *Snapshot, logger *slog.Logger) (*Registry, error) {
	if initial == nil {
		return nil, fmt.Errorf("initial snapshot is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{logger: logger}
	r.current.Store(initial)
	return r, nil
}

// Snapshot returns the current configuration. Callers should take one snapshot per
// request and use it throughout so that every decision sees the same configuration.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Swap publishes next and returns the snapshot it replaced.
func (r *Registry) Swap(next *Snapshot) *Snapshot {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()
	prev := r.current.Swap(next)
	r.logger.Info("Registry snapshot swapped", "clients", next.ClientCount())
	return prev
}

// ReloadFile parses path and publishes it. On error the current snapshot stays active.
func (r *Registry) ReloadFile(path string) error {
	next, err := LoadFile(path)
	if err != nil {
		r.logger.Error("Registry reload failed, keeping current configuration",
			"path", path,
			"error", err)
		return err
	}
	r.Swap(next)
	return nil
}

// Parse decodes a YAML registry definition and builds a snapshot.
// Unknown fields are rejected.
func Parse(data []byte) (*Snapshot, error) {
	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("failed to decode registry: %w", err)
	}
	return NewSnapshot(def)
}

// LoadFile reads and parses a YAML registry file.
func LoadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read registry file: %w", err)
	}
	return Parse(data)
}
