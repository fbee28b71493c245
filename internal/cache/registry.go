// Package cache implements C4: the local CacheRegistry and the
// CacheManager decide-then-act algorithm for the remote content cache
// (§4.4).
package cache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/s-age/takt/internal/filelock"
	"github.com/s-age/takt/internal/session"
)

const (
	registryFilename = "cache_registry.json"
	lockTimeout      = 10 * time.Second
	// maxExpirySweep bounds how many expired entries are removed per
	// call, so a large backlog cannot blow out request latency (§4.4).
	maxExpirySweep = 5
)

// Registry manages the on-disk content-hash -> remote-cache-resource
// mapping kept beside the sessions directory.
type Registry struct {
	root string // directory containing .cache_registry.json and its lock
}

// NewRegistry returns a Registry rooted at root.
func NewRegistry(root string) (*Registry, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create root: %w", err)
	}
	return &Registry{root: root}, nil
}

func (r *Registry) path() string     { return filepath.Join(r.root, "."+registryFilename) }
func (r *Registry) lockPath() string { return filepath.Join(r.root, "."+registryFilename+".lock") }

func (r *Registry) readLocked() (*session.CacheRegistry, error) {
	data, err := os.ReadFile(r.path())
	if err != nil {
		if os.IsNotExist(err) {
			return session.NewCacheRegistry(), nil
		}
		return nil, fmt.Errorf("cache: read registry: %w", err)
	}
	reg := session.NewCacheRegistry()
	if err := json.Unmarshal(data, reg); err != nil {
		return nil, fmt.Errorf("cache: corrupt registry: %w", err)
	}
	if reg.Entries == nil {
		reg.Entries = make(map[string]session.CacheEntry)
	}
	return reg, nil
}

func (r *Registry) writeLocked(reg *session.CacheRegistry) error {
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("cache: marshal registry: %w", err)
	}
	tmp, err := os.CreateTemp(r.root, "cache_registry-*.tmp")
	if err != nil {
		return fmt.Errorf("cache: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("cache: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("cache: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("cache: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, r.path()); err != nil {
		return fmt.Errorf("cache: rename into place: %w", err)
	}
	cleanup = false
	return nil
}

// Get returns the live entry for hash, if any.
func (r *Registry) Get(hash string) (session.CacheEntry, bool, error) {
	var out session.CacheEntry
	var ok bool
	err := filelock.WithLock(r.lockPath(), lockTimeout, func() error {
		reg, err := r.readLocked()
		if err != nil {
			return err
		}
		out, ok = reg.Entries[hash]
		return nil
	})
	return out, ok, err
}

// Put sets the entry for hash.
func (r *Registry) Put(hash string, entry session.CacheEntry) error {
	return filelock.WithLock(r.lockPath(), lockTimeout, func() error {
		reg, err := r.readLocked()
		if err != nil {
			return err
		}
		reg.Entries[hash] = entry
		return r.writeLocked(reg)
	})
}

// Delete removes the entry for hash, tolerant of it being absent.
func (r *Registry) Delete(hash string) error {
	return filelock.WithLock(r.lockPath(), lockTimeout, func() error {
		reg, err := r.readLocked()
		if err != nil {
			return err
		}
		if _, ok := reg.Entries[hash]; !ok {
			return nil
		}
		delete(reg.Entries, hash)
		return r.writeLocked(reg)
	})
}

// SweepExpired removes up to maxExpirySweep entries whose ExpireTime has
// passed, issuing a best-effort remote delete for each. It reports the
// hashes that were removed.
func (r *Registry) SweepExpired(now time.Time, remoteDelete func(name string)) ([]string, error) {
	var removed []string
	err := filelock.WithLock(r.lockPath(), lockTimeout, func() error {
		reg, err := r.readLocked()
		if err != nil {
			return err
		}
		changed := false
		for hash, entry := range reg.Entries {
			if len(removed) >= maxExpirySweep {
				break
			}
			if now.Before(entry.ExpireTime) {
				continue
			}
			delete(reg.Entries, hash)
			removed = append(removed, hash)
			changed = true
			if remoteDelete != nil {
				remoteDelete(entry.Name)
			}
		}
		if !changed {
			return nil
		}
		return r.writeLocked(reg)
	})
	if err != nil {
		return nil, err
	}
	if len(removed) > 0 {
		slog.Debug("cache: swept expired entries", "count", len(removed))
	}
	return removed, err
}
