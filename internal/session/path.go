package session

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// CleanIDComponents splits a session id on "/" and strips ".", "..", and
// empty components, per invariant §3.6. The result is always a slice of
// one or more non-empty, non-dot path segments.
func CleanIDComponents(id string) []string {
	parts := strings.Split(id, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			continue
		}
		out = append(out, p)
	}
	return out
}

// CleanID re-joins the cleaned components, yielding a canonical id.
func CleanID(id string) string {
	return strings.Join(CleanIDComponents(id), "/")
}

// RelPath returns the session file's path relative to the sessions root,
// e.g. id "a/b/c" -> "a/b/c.json". It never escapes the sessions root:
// every component has already been scrubbed of "." / ".." / empty parts.
func RelPath(id string) string {
	parts := CleanIDComponents(id)
	if len(parts) == 0 {
		return ""
	}
	last := len(parts) - 1
	segs := make([]string, len(parts))
	copy(segs, parts)
	segs[last] = segs[last] + ".json"
	return filepath.Join(segs...)
}

// LockPath returns the path of the per-session lock file.
func LockPath(id string) string {
	return RelPath(id) + ".lock"
}

// ParentID returns the id of the parent session, or "" if id is a root.
func ParentID(id string) string {
	parts := CleanIDComponents(id)
	if len(parts) <= 1 {
		return ""
	}
	return strings.Join(parts[:len(parts)-1], "/")
}

// IsDescendant reports whether candidate is id itself or nested under it
// (candidate == id, or candidate starts with id+"/").
func IsDescendant(id, candidate string) bool {
	if candidate == id {
		return true
	}
	return strings.HasPrefix(candidate, id+"/")
}

// BackupFilename returns the conventional backup filename for a session
// id at the given time: sha256(id)-<unix-nano>.json.
func BackupFilename(id string, at time.Time) string {
	sum := sha256.Sum256([]byte(id))
	return fmt.Sprintf("%s-%d.json", hex.EncodeToString(sum[:]), at.UnixNano())
}

// BackupPrefix returns the sha256(id) prefix shared by all backups of id,
// used to scrub matching backup files on delete.
func BackupPrefix(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}

// ChildSeed is the tuple hashed to derive a deterministic child id,
// per invariant §3.9.
type ChildSeed struct {
	Purpose                   string
	Background                string
	Roles                     []string
	MultiStepReasoningEnabled bool
	CreatedAt                 time.Time
}

// HashSeed computes the content hash used as a new session's leaf id
// component.
func HashSeed(s ChildSeed) string {
	h := sha256.New()
	fmt.Fprintf(h, "purpose=%s\x00background=%s\x00roles=%s\x00multi_step=%t\x00created_at=%s",
		s.Purpose, s.Background, strings.Join(s.Roles, ","), s.MultiStepReasoningEnabled, s.CreatedAt.Format(time.RFC3339Nano))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// ComposeChildID builds child_id = parent_id + "/" + hash(seed). When
// parentID is empty the result is a root session id (just the hash).
func ComposeChildID(parentID string, seed ChildSeed) string {
	hash := HashSeed(seed)
	if parentID == "" {
		return hash
	}
	return CleanID(parentID) + "/" + hash
}
