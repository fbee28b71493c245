package sessionservice

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/s-age/takt/internal/session"
	"github.com/s-age/takt/internal/sessionstore"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	repo, err := sessionstore.New(t.TempDir())
	require.NoError(t, err)
	return New(repo, nil)
}

func TestCreateNewSessionThenResume(t *testing.T) {
	svc := newTestService(t)
	sess, err := svc.CreateNewSession(NewSessionParams{Purpose: "demo", Background: "x", Roles: []string{"r.md"}})
	require.NoError(t, err)
	require.NotEmpty(t, sess.SessionID)

	got, err := svc.Resume(sess.SessionID)
	require.NoError(t, err)
	require.Equal(t, sess.SessionID, got.SessionID)
}

func TestCreateNewSessionUnknownParentFails(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.CreateNewSession(NewSessionParams{Purpose: "demo", ParentID: "ghost"})
	require.ErrorIs(t, err, ErrParentNotFound)
}

func TestPoolInvariance(t *testing.T) {
	svc := newTestService(t)
	sess, err := svc.CreateNewSession(NewSessionParams{Purpose: "demo"})
	require.NoError(t, err)

	before, err := svc.Resume(sess.SessionID)
	require.NoError(t, err)

	_, err = svc.AddToPool(sess.SessionID, session.NewUserTask("queued", before.CreatedAt))
	require.NoError(t, err)

	after, err := svc.Resume(sess.SessionID)
	require.NoError(t, err)

	require.Equal(t, before.Turns, after.Turns, "turns must not change while only the pool is written")
	require.Len(t, after.Pools, 1)
}

func TestMergePoolIntoTurns(t *testing.T) {
	svc := newTestService(t)
	sess, err := svc.CreateNewSession(NewSessionParams{Purpose: "demo"})
	require.NoError(t, err)

	_, err = svc.AddToPool(sess.SessionID, session.NewUserTask("a", sess.CreatedAt))
	require.NoError(t, err)
	_, err = svc.AddToPool(sess.SessionID, session.NewUserTask("b", sess.CreatedAt))
	require.NoError(t, err)

	merged, err := svc.MergePoolIntoTurns(sess.SessionID)
	require.NoError(t, err)
	require.Len(t, merged.Turns, 2)
	require.Empty(t, merged.Pools)

	// Merge idempotence (§8): merging again with an empty pool is a no-op.
	mergedAgain, err := svc.MergePoolIntoTurns(sess.SessionID)
	require.NoError(t, err)
	require.Equal(t, merged.Turns, mergedAgain.Turns)
}

func TestForkSoundness(t *testing.T) {
	svc := newTestService(t)
	sess, err := svc.CreateNewSession(NewSessionParams{Purpose: "demo"})
	require.NoError(t, err)

	_, err = svc.AddTurnToSession(sess.SessionID, session.NewUserTask("hi", sess.CreatedAt))
	require.NoError(t, err)
	_, err = svc.AddTurnToSession(sess.SessionID, session.NewModelResponse("hello", nil, sess.CreatedAt))
	require.NoError(t, err)

	full, err := svc.Resume(sess.SessionID)
	require.NoError(t, err)
	require.Len(t, full.Turns, 2)

	forked, err := svc.ForkSession(sess.SessionID, 1)
	require.NoError(t, err)
	require.Equal(t, full.Turns[:2], forked.Turns)
	require.Equal(t, 0, forked.PromptTokenCount)
}

func TestForkRejectsNonModelResponseIndex(t *testing.T) {
	svc := newTestService(t)
	sess, err := svc.CreateNewSession(NewSessionParams{Purpose: "demo"})
	require.NoError(t, err)
	_, err = svc.AddTurnToSession(sess.SessionID, session.NewUserTask("hi", sess.CreatedAt))
	require.NoError(t, err)

	_, err = svc.ForkSession(sess.SessionID, 0)
	require.ErrorIs(t, err, ErrForkIndexInvalid)
}

func TestCachedTurnCountMonotonicAndBoundedPrefix(t *testing.T) {
	svc := newTestService(t)
	sess, err := svc.CreateNewSession(NewSessionParams{Purpose: "demo"})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = svc.AddTurnToSession(sess.SessionID, session.NewUserTask("x", sess.CreatedAt))
		require.NoError(t, err)
	}

	updated, err := svc.UpdateCachedTurnCount(sess.SessionID, 2)
	require.NoError(t, err)
	require.Equal(t, 2, updated.CachedTurnCount)

	// Attempting to decrease must be a no-op (monotonicity, §3.3).
	updated, err = svc.UpdateCachedTurnCount(sess.SessionID, 0)
	require.NoError(t, err)
	require.Equal(t, 2, updated.CachedTurnCount)

	// Attempting to exceed len(turns)-1 must clamp (§3.4).
	updated, err = svc.UpdateCachedTurnCount(sess.SessionID, 10)
	require.NoError(t, err)
	require.LessOrEqual(t, updated.CachedTurnCount, len(updated.Turns)-1)
}
