// Package sessionservice implements C3, the SessionService domain
// façade: lifecycle operations (create, resume, fork), turn/pool
// mutation, and counter bookkeeping, enforcing invariants §3.1, §3.2,
// §3.3, §3.5, §3.6.
package sessionservice

import (
	"errors"
	"fmt"
	"time"

	"github.com/s-age/takt/internal/session"
	"github.com/s-age/takt/internal/sessionstore"
)

// ErrNotFound wraps sessionstore.ErrNotFound for callers that only
// import this package.
var ErrNotFound = sessionstore.ErrNotFound

// ErrForkIndexInvalid is returned when ForkSession is asked to fork at
// an index that is out of range or not a model_response turn (§3.5).
var ErrForkIndexInvalid = errors.New("sessionservice: fork index out of range or not a model_response turn")

// ErrChildIDCollision is returned when a freshly composed child id
// already exists (invariant §3.9: collisions are a hard failure).
var ErrChildIDCollision = errors.New("sessionservice: child session id collision")

// ErrParentNotFound is returned by CreateNewSession when parentID is
// given but does not resolve to an existing session.
var ErrParentNotFound = errors.New("sessionservice: parent session not found")

// Service is the domain façade over a Repository, holding the
// configured timezone used for all generated timestamps.
type Service struct {
	repo *sessionstore.Repository
	loc  *time.Location
}

// New builds a Service over repo using loc for generated timestamps.
func New(repo *sessionstore.Repository, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{repo: repo, loc: loc}
}

func (s *Service) now() time.Time { return time.Now().In(s.loc) }

// NewSessionParams are the identity fields for a freshly created session.
type NewSessionParams struct {
	Purpose                   string
	Background                string
	Roles                     []string
	MultiStepReasoningEnabled bool
	ParentID                  string // "" for a root session
	Procedure                 string
}

// CreateNewSession builds session_id from a hash of
// {purpose, background, roles, multi_step_reasoning_enabled,
// creation_timestamp}, validates parent existence when ParentID is
// given, and persists the session plus its index entry.
func (s *Service) CreateNewSession(p NewSessionParams) (*session.Session, error) {
	now := s.now()

	if p.ParentID != "" {
		if _, err := s.repo.Find(p.ParentID); err != nil {
			if errors.Is(err, sessionstore.ErrNotFound) {
				return nil, ErrParentNotFound
			}
			return nil, fmt.Errorf("sessionservice: validate parent: %w", err)
		}
	}

	seed := session.ChildSeed{
		Purpose:                   p.Purpose,
		Background:                p.Background,
		Roles:                     p.Roles,
		MultiStepReasoningEnabled: p.MultiStepReasoningEnabled,
		CreatedAt:                 now,
	}
	id := session.ComposeChildID(p.ParentID, seed)

	if _, err := s.repo.Find(id); err == nil {
		return nil, ErrChildIDCollision
	} else if !errors.Is(err, sessionstore.ErrNotFound) {
		return nil, fmt.Errorf("sessionservice: collision check: %w", err)
	}

	sess := &session.Session{
		SessionID:                 id,
		ParentID:                  p.ParentID,
		CreatedAt:                 now,
		Purpose:                   p.Purpose,
		Background:                p.Background,
		Roles:                     p.Roles,
		MultiStepReasoningEnabled: p.MultiStepReasoningEnabled,
		Procedure:                 p.Procedure,
	}

	if err := s.repo.Save(sess); err != nil {
		return nil, fmt.Errorf("sessionservice: save new session: %w", err)
	}
	purpose := p.Purpose
	if err := s.repo.UpdateIndex(id, &purpose, &now); err != nil {
		return nil, fmt.Errorf("sessionservice: index new session: %w", err)
	}
	return sess, nil
}

// Resume loads an existing session by id.
func (s *Service) Resume(id string) (*session.Session, error) {
	return s.repo.Find(id)
}

// AddTurnToSession appends turn to turns, persists, and updates the
// index's last_updated.
func (s *Service) AddTurnToSession(id string, turn session.Turn) (*session.Session, error) {
	sess, err := s.repo.Update(id, func(sess *session.Session) error {
		sess.Turns = append(sess.Turns, turn)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sessionservice: add turn: %w", err)
	}
	if err := s.touchIndex(id); err != nil {
		return nil, err
	}
	return sess, nil
}

// AddToPool appends turn to pools (never touches turns), satisfying
// invariant §3.2: tools write to pools without touching turns.
func (s *Service) AddToPool(id string, turn session.Turn) (*session.Session, error) {
	sess, err := s.repo.Update(id, func(sess *session.Session) error {
		sess.Pools = append(sess.Pools, turn)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sessionservice: add to pool: %w", err)
	}
	return sess, nil
}

// MergePoolIntoTurns moves all pool entries to the tail of turns in
// order, then empties the pool. Idempotent: merging an empty pool twice
// in a row is a no-op the second time (§8 "Merge idempotence").
func (s *Service) MergePoolIntoTurns(id string) (*session.Session, error) {
	sess, err := s.repo.Update(id, func(sess *session.Session) error {
		if len(sess.Pools) == 0 {
			return nil
		}
		sess.Turns = append(sess.Turns, sess.Pools...)
		sess.Pools = nil
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sessionservice: merge pool: %w", err)
	}
	return sess, nil
}

// ForkSession validates turns[index].type == model_response, computes a
// new session id rooted at the same parent, copies background/roles/
// references, truncates turns at index+1, and zeroes token counts.
func (s *Service) ForkSession(id string, index int) (*session.Session, error) {
	src, err := s.repo.Find(id)
	if err != nil {
		return nil, fmt.Errorf("sessionservice: load fork source: %w", err)
	}
	if index < 0 || index >= len(src.Turns) || src.Turns[index].Kind != session.TurnModelResponse {
		return nil, ErrForkIndexInvalid
	}

	now := s.now()
	parentID := session.ParentID(id)
	seed := session.ChildSeed{
		Purpose:                   src.Purpose,
		Background:                src.Background,
		Roles:                     src.Roles,
		MultiStepReasoningEnabled: src.MultiStepReasoningEnabled,
		CreatedAt:                 now,
	}
	newID := session.ComposeChildID(parentID, seed)
	if _, err := s.repo.Find(newID); err == nil {
		return nil, ErrChildIDCollision
	} else if !errors.Is(err, sessionstore.ErrNotFound) {
		return nil, fmt.Errorf("sessionservice: fork collision check: %w", err)
	}

	forked := &session.Session{
		SessionID:                 newID,
		ParentID:                  parentID,
		CreatedAt:                 now,
		Purpose:                   src.Purpose,
		Background:                src.Background,
		Roles:                     append([]string(nil), src.Roles...),
		MultiStepReasoningEnabled: src.MultiStepReasoningEnabled,
		Procedure:                 src.Procedure,
		References:                append([]session.Reference(nil), src.References...),
		Turns:                     append([]session.Turn(nil), src.Turns[:index+1]...),
	}

	if err := s.repo.Save(forked); err != nil {
		return nil, fmt.Errorf("sessionservice: save fork: %w", err)
	}
	purpose := forked.Purpose
	if err := s.repo.UpdateIndex(newID, &purpose, &now); err != nil {
		return nil, fmt.Errorf("sessionservice: index fork: %w", err)
	}
	return forked, nil
}

// UpdateTokenCounts read-modify-writes the prompt/total/cached-content
// token counters.
func (s *Service) UpdateTokenCounts(id string, promptTokens, totalTokens, cachedContentTokens *int) (*session.Session, error) {
	sess, err := s.repo.Update(id, func(sess *session.Session) error {
		if promptTokens != nil {
			sess.PromptTokenCount = *promptTokens
		}
		if totalTokens != nil {
			sess.TotalTokenCount = *totalTokens
		}
		if cachedContentTokens != nil {
			sess.CachedContentTokenCount = *cachedContentTokens
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sessionservice: update token counts: %w", err)
	}
	return sess, nil
}

// UpdateCachedTurnCount advances cached_turn_count, enforcing invariant
// §3.3 (monotonic) and §3.4 (≤ len(turns)-1).
func (s *Service) UpdateCachedTurnCount(id string, k int) (*session.Session, error) {
	sess, err := s.repo.Update(id, func(sess *session.Session) error {
		if k < sess.CachedTurnCount {
			return nil // monotonicity: never decrease
		}
		max := len(sess.Turns) - 1
		if max < 0 {
			max = 0
		}
		if k > max {
			k = max
		}
		sess.CachedTurnCount = k
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sessionservice: update cached turn count: %w", err)
	}
	return sess, nil
}

// SessionData is the unsaved bag of fields returned by
// GetOrCreateSessionData when no id is given.
type SessionData struct {
	Session        *session.Session // non-nil when an existing session was loaded
	Purpose        string
	Background     string
	Roles          []string
	MultiStep      bool
	StartingTask   *session.Turn
}

// GetOrCreateSessionData loads an existing session (setting
// multi_step_reasoning_enabled and appending instruction as a user_task
// turn if given) or produces an unsaved bag of fields for a new session.
func (s *Service) GetOrCreateSessionData(id string, purpose, background string, roles []string, multiStep bool, instruction string) (*SessionData, error) {
	if id != "" {
		sess, err := s.repo.Find(id)
		if err != nil {
			return nil, fmt.Errorf("sessionservice: load existing session: %w", err)
		}
		sess.MultiStepReasoningEnabled = multiStep
		if instruction != "" {
			sess.Turns = append(sess.Turns, session.NewUserTask(instruction, s.now()))
		}
		if err := s.repo.Save(sess); err != nil {
			return nil, fmt.Errorf("sessionservice: persist resumed session: %w", err)
		}
		if err := s.touchIndex(id); err != nil {
			return nil, err
		}
		return &SessionData{Session: sess}, nil
	}

	data := &SessionData{
		Purpose:    purpose,
		Background: background,
		Roles:      roles,
		MultiStep:  multiStep,
	}
	if instruction != "" {
		t := session.NewUserTask(instruction, s.now())
		data.StartingTask = &t
	}
	return data, nil
}

func (s *Service) touchIndex(id string) error {
	if err := s.repo.UpdateIndex(id, nil, nil); err != nil {
		return fmt.Errorf("sessionservice: touch index: %w", err)
	}
	return nil
}

// Delete removes a session and its index entries.
func (s *Service) Delete(id string) error {
	return s.repo.Delete(id)
}

// Repository exposes the underlying repository for callers (e.g. the
// pipeline executor) that need list/backup operations the façade does
// not wrap.
func (s *Service) Repository() *sessionstore.Repository { return s.repo }
