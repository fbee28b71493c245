// Package sessionstore implements C2, the SessionRepository: translating
// Session aggregates to and from the filesystem under the correct lock
// discipline (§4.2, §3.7).
package sessionstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/s-age/takt/internal/filelock"
	"github.com/s-age/takt/internal/session"
)

const (
	indexFilename  = "index.json"
	cacheRegFile   = ".cache_registry.json"
	backupsDirName = "backups"
	lockTimeout    = 10 * time.Second
)

// Repository persists sessions under root (the sessions/ directory).
type Repository struct {
	root string
}

// New returns a Repository rooted at the given sessions directory,
// creating it if necessary.
func New(root string) (*Repository, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("sessionstore: create root: %w", err)
	}
	return &Repository{root: root}, nil
}

func (r *Repository) sessionPath(id string) string {
	return filepath.Join(r.root, session.RelPath(id))
}

func (r *Repository) lockPath(id string) string {
	return filepath.Join(r.root, session.LockPath(id))
}

func (r *Repository) indexPath() string {
	return filepath.Join(r.root, indexFilename)
}

func (r *Repository) indexLockPath() string {
	return filepath.Join(r.root, indexFilename+".lock")
}

// Save serializes the aggregate to sessions/<id-path>.json under that
// session's lock, creating parent directories as needed, using an
// atomic temp-file-then-rename write.
func (r *Repository) Save(s *session.Session) error {
	return filelock.WithLock(r.lockPath(s.SessionID), lockTimeout, func() error {
		return r.writeAtomic(s)
	})
}

func (r *Repository) writeAtomic(s *session.Session) error {
	path := r.sessionPath(s.SessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("sessionstore: mkdir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("sessionstore: marshal session %s: %w", s.SessionID, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "session-*.tmp")
	if err != nil {
		return fmt.Errorf("sessionstore: create temp: %w", err)
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
		return fmt.Errorf("sessionstore: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sessionstore: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("sessionstore: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("sessionstore: rename into place: %w", err)
	}
	cleanup = false
	return nil
}

// ErrNotFound is returned by Find when no session file exists for id.
var ErrNotFound = errors.New("sessionstore: session not found")

// Find reads the session under its lock. A missing file yields
// ErrNotFound; corrupt JSON is reported as a read failure, never
// silently overwritten.
func (r *Repository) Find(id string) (*session.Session, error) {
	var out *session.Session
	err := filelock.WithLock(r.lockPath(id), lockTimeout, func() error {
		data, err := os.ReadFile(r.sessionPath(id))
		if err != nil {
			if os.IsNotExist(err) {
				return ErrNotFound
			}
			return fmt.Errorf("sessionstore: read %s: %w", id, err)
		}
		var s session.Session
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("sessionstore: corrupt session file %s: %w", id, err)
		}
		out = &s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Update reads the session under its lock, applies fn, and writes the
// result back — all under one lock acquisition, so read-modify-write
// operations (append turn, merge pool, counter updates) observe a
// consistent snapshot even under concurrent pool writers (§4.3).
func (r *Repository) Update(id string, fn func(*session.Session) error) (*session.Session, error) {
	var out *session.Session
	err := filelock.WithLock(r.lockPath(id), lockTimeout, func() error {
		data, err := os.ReadFile(r.sessionPath(id))
		if err != nil {
			if os.IsNotExist(err) {
				return ErrNotFound
			}
			return fmt.Errorf("sessionstore: read %s: %w", id, err)
		}
		var s session.Session
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("sessionstore: corrupt session file %s: %w", id, err)
		}
		if err := fn(&s); err != nil {
			return err
		}
		if err := r.writeAtomic(&s); err != nil {
			return err
		}
		out = &s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// List reads the index under the index lock.
func (r *Repository) List() (map[string]session.SessionOverview, error) {
	idx, err := r.readIndex()
	if err != nil {
		return nil, err
	}
	return idx.Sessions, nil
}

// Backup copies the session file to
// sessions/backups/<sha256(id)>-<timestamp>.json.
func (r *Repository) Backup(id string) error {
	return filelock.WithLock(r.lockPath(id), lockTimeout, func() error {
		data, err := os.ReadFile(r.sessionPath(id))
		if err != nil {
			if os.IsNotExist(err) {
				return ErrNotFound
			}
			return fmt.Errorf("sessionstore: read for backup %s: %w", id, err)
		}
		backupsDir := filepath.Join(r.root, backupsDirName)
		if err := os.MkdirAll(backupsDir, 0o755); err != nil {
			return fmt.Errorf("sessionstore: mkdir backups: %w", err)
		}
		dst := filepath.Join(backupsDir, session.BackupFilename(id, time.Now()))
		return os.WriteFile(dst, data, 0o644)
	})
}

// Delete deletes the session file and any subtree directory, scrubs
// backup files whose prefix matches, and, under the index lock, removes
// the index entry and all descendant entries. Per §3.7, the session lock
// is acquired before the index lock.
func (r *Repository) Delete(id string) error {
	return filelock.WithLock(r.lockPath(id), lockTimeout, func() error {
		path := r.sessionPath(id)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("sessionstore: remove session file %s: %w", id, err)
		}
		subtree := strings.TrimSuffix(path, ".json")
		if err := os.RemoveAll(subtree); err != nil {
			return fmt.Errorf("sessionstore: remove subtree %s: %w", id, err)
		}
		if err := r.scrubBackups(id); err != nil {
			return err
		}
		return filelock.WithLock(r.indexLockPath(), lockTimeout, func() error {
			return r.mutateIndex(func(idx *session.Index) error {
				delete(idx.Sessions, id)
				for existingID := range idx.Sessions {
					if session.IsDescendant(id, existingID) && existingID != id {
						delete(idx.Sessions, existingID)
					}
				}
				return nil
			})
		})
	})
}

func (r *Repository) scrubBackups(id string) error {
	backupsDir := filepath.Join(r.root, backupsDirName)
	entries, err := os.ReadDir(backupsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("sessionstore: read backups dir: %w", err)
	}
	prefix := session.BackupPrefix(id)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) {
			if err := os.Remove(filepath.Join(backupsDir, e.Name())); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("sessionstore: scrub backup %s: %w", e.Name(), err)
			}
		}
	}
	return nil
}

// UpdateIndex performs a read-modify-write on the index for id, updating
// last_updated always and purpose/created_at when given.
func (r *Repository) UpdateIndex(id string, purpose *string, createdAt *time.Time) error {
	return filelock.WithLock(r.indexLockPath(), lockTimeout, func() error {
		return r.mutateIndex(func(idx *session.Index) error {
			ov := idx.Sessions[id]
			if purpose != nil {
				ov.Purpose = *purpose
			}
			if createdAt != nil {
				ov.CreatedAt = *createdAt
			} else if ov.CreatedAt.IsZero() {
				ov.CreatedAt = time.Now()
			}
			ov.LastUpdated = time.Now()
			idx.Sessions[id] = ov
			return nil
		})
	})
}

func (r *Repository) readIndex() (*session.Index, error) {
	var out *session.Index
	err := filelock.WithLock(r.indexLockPath(), lockTimeout, func() error {
		idx, err := r.readIndexLocked()
		if err != nil {
			return err
		}
		out = idx
		return nil
	})
	return out, err
}

// readIndexLocked reads the index file assuming the index lock is
// already held by the caller.
func (r *Repository) readIndexLocked() (*session.Index, error) {
	data, err := os.ReadFile(r.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return session.NewIndex(), nil
		}
		return nil, fmt.Errorf("sessionstore: read index: %w", err)
	}
	idx := session.NewIndex()
	if err := json.Unmarshal(data, idx); err != nil {
		return nil, fmt.Errorf("sessionstore: corrupt index: %w", err)
	}
	if idx.Sessions == nil {
		idx.Sessions = make(map[string]session.SessionOverview)
	}
	return idx, nil
}

// mutateIndex assumes the index lock is already held by the caller.
func (r *Repository) mutateIndex(fn func(*session.Index) error) error {
	idx, err := r.readIndexLocked()
	if err != nil {
		return err
	}
	if err := fn(idx); err != nil {
		return err
	}
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("sessionstore: marshal index: %w", err)
	}
	tmp, err := os.CreateTemp(r.root, "index-*.tmp")
	if err != nil {
		return fmt.Errorf("sessionstore: create index temp: %w", err)
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
		return fmt.Errorf("sessionstore: write index temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sessionstore: sync index temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("sessionstore: close index temp: %w", err)
	}
	if err := os.Rename(tmpPath, r.indexPath()); err != nil {
		return fmt.Errorf("sessionstore: rename index into place: %w", err)
	}
	cleanup = false
	return nil
}

// ListSorted returns index entries sorted by id, a convenience for CLI
// listing commands.
func (r *Repository) ListSorted() ([]string, map[string]session.SessionOverview, error) {
	entries, err := r.List()
	if err != nil {
		return nil, nil, err
	}
	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, entries, nil
}
