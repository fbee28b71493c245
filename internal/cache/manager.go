package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/s-age/takt/internal/session"
)

// ErrNotFound is returned by RemoteCache.Get/Delete when the remote
// resource is already gone.
var ErrNotFound = errors.New("cache: remote resource not found")

// RemoteCache is the subset of a model provider's cache API the decide
// algorithm needs. A concrete implementation (internal/modelclient)
// backs this with google.golang.org/genai's Caches service.
type RemoteCache interface {
	Create(ctx context.Context, content string, toolDefs string, ttl time.Duration) (name string, expireTime time.Time, err error)
	Get(ctx context.Context, name string) error // returns ErrNotFound if gone
	Delete(ctx context.Context, name string) error
}

// DefaultTTL is the advisory cache lifetime; the remote's reported
// expiry is authoritative (§4.4).
const DefaultTTL = time.Hour

// Decision is the outcome of Manager.Decide for one outgoing request.
type Decision struct {
	CacheName        string // "" if no cache applies
	OmitStaticContent bool
	NewCachedTurnCount *int // non-nil if cached_turn_count should advance
}

// Manager implements the decide-then-act algorithm of §4.4.
type Manager struct {
	registry *Registry
	remote   RemoteCache
	threshold int // settings.cache_update_threshold, in tokens
}

// NewManager builds a Manager over registry and remote, using threshold
// tokens as the cache_update_threshold.
func NewManager(registry *Registry, remote RemoteCache, threshold int) *Manager {
	return &Manager{registry: registry, remote: remote, threshold: threshold}
}

// ContentHash hashes static content concatenated with tool definitions,
// per §3's "content_hash is a strong hash over the concatenation of
// static content plus tool definitions."
func ContentHash(staticContent, toolDefinitions string) string {
	h := sha256.New()
	h.Write([]byte(staticContent))
	h.Write([]byte{0})
	h.Write([]byte(toolDefinitions))
	return hex.EncodeToString(h.Sum(nil))
}

// Decide runs the §4.4 algorithm for one outgoing request against sess,
// given the assembled static content and tool definitions for the
// current turn count. It first sweeps expired registry entries.
func (m *Manager) Decide(ctx context.Context, sess *session.Session, staticContent, toolDefinitions string) (Decision, error) {
	now := time.Now()
	if _, err := m.registry.SweepExpired(now, func(name string) {
		_ = m.remote.Delete(ctx, name)
	}); err != nil {
		slog.Warn("cache: expiry sweep failed, continuing", "error", err)
	}

	buffered := sess.PromptTokenCount
	if sess.CachedContentTokenCount > 0 {
		buffered = sess.PromptTokenCount - sess.CachedContentTokenCount
	}

	hash := ContentHash(staticContent, toolDefinitions)

	if buffered >= m.threshold && staticContent != "" {
		return m.createOrRefresh(ctx, sess, hash, staticContent, toolDefinitions)
	}

	if entry, ok, err := m.registry.Get(hash); err == nil && ok {
		if err := m.remote.Get(ctx, entry.Name); err != nil {
			if errors.Is(err, ErrNotFound) {
				// REDESIGN FLAG (SPEC_FULL §13.1): drop the registry
				// entry and fall through to sending content inline.
				if delErr := m.registry.Delete(hash); delErr != nil {
					slog.Warn("cache: failed to drop stale registry entry", "error", delErr)
				}
			} else {
				slog.Warn("cache: remote get failed, degrading to no cache", "error", err)
			}
		} else {
			return Decision{CacheName: entry.Name, OmitStaticContent: true}, nil
		}
	} else if err != nil {
		slog.Warn("cache: registry read failed, degrading to no cache", "error", err)
	}

	return Decision{}, nil
}

func (m *Manager) createOrRefresh(ctx context.Context, sess *session.Session, hash, staticContent, toolDefinitions string) (Decision, error) {
	if entry, ok, _ := m.registry.Get(hash); ok {
		if err := m.remote.Delete(ctx, entry.Name); err != nil && !errors.Is(err, ErrNotFound) {
			slog.Warn("cache: failed to delete previous cache before refresh", "error", err)
		}
	}

	name, expireTime, err := m.remote.Create(ctx, staticContent, toolDefinitions, DefaultTTL)
	if err != nil {
		// Cache errors always degrade to "no cache this request" (§7.7).
		slog.Warn("cache: remote create failed, degrading to no cache", "error", err)
		return Decision{}, nil
	}

	if err := m.registry.Put(hash, session.CacheEntry{Name: name, ExpireTime: expireTime, SessionID: sess.SessionID}); err != nil {
		slog.Warn("cache: failed to persist new registry entry", "error", err)
	}

	// Invariant §3.4: the tail turn is always outside the cache.
	newCount := len(sess.Turns) - 1
	if newCount < 0 {
		newCount = 0
	}
	return Decision{CacheName: name, OmitStaticContent: true, NewCachedTurnCount: &newCount}, nil
}
