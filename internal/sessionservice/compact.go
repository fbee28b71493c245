package sessionservice

import (
	"fmt"

	"github.com/s-age/takt/internal/session"
)

// Summarizer reduces a run of turns to a short prose summary. The
// concrete implementation is a model call; injected so this package
// stays free of a modelclient dependency.
type Summarizer func(turns []session.Turn) (string, error)

// CompactHistory replaces turns[0:len(turns)-keepLast] with a single
// compressed_history turn, keeping the most recent keepLast turns
// verbatim. This is the mechanism behind the compressed_history Turn
// variant (SPEC_FULL §12, grounded on session_optimization_service.py).
// A no-op if the session has no more than keepLast turns.
func (s *Service) CompactHistory(id string, keepLast int, summarize Summarizer) (*session.Session, error) {
	if keepLast < 0 {
		keepLast = 0
	}

	sess, err := s.repo.Find(id)
	if err != nil {
		return nil, fmt.Errorf("sessionservice: load for compaction: %w", err)
	}
	if len(sess.Turns) <= keepLast {
		return sess, nil
	}

	cut := len(sess.Turns) - keepLast
	toCompress := sess.Turns[:cut]

	summary, err := summarize(toCompress)
	if err != nil {
		return nil, fmt.Errorf("sessionservice: summarize for compaction: %w", err)
	}

	compressed := session.NewCompressedHistory(summary, 0, cut-1, s.now())

	result, err := s.repo.Update(id, func(sess *session.Session) error {
		// Re-derive the cut against the freshly-read snapshot in case
		// of a concurrent append; clamp to what's actually there.
		localCut := cut
		if localCut > len(sess.Turns) {
			localCut = len(sess.Turns)
		}
		newTurns := make([]session.Turn, 0, 1+len(sess.Turns)-localCut)
		newTurns = append(newTurns, compressed)
		newTurns = append(newTurns, sess.Turns[localCut:]...)
		sess.Turns = newTurns
		if sess.CachedTurnCount > len(sess.Turns)-1 {
			sess.CachedTurnCount = len(sess.Turns) - 1
		} else if sess.CachedTurnCount > 0 {
			// The cached prefix shrank by (localCut - 1) turns (the
			// compressed block now counts as one turn); never let it
			// exceed the new length minus the always-uncached tail.
			shrink := localCut - 1
			if shrink < 0 {
				shrink = 0
			}
			newCached := sess.CachedTurnCount - shrink
			if newCached < 0 {
				newCached = 0
			}
			sess.CachedTurnCount = newCached
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sessionservice: persist compaction: %w", err)
	}
	return result, nil
}
