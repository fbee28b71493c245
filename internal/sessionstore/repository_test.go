package sessionstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/s-age/takt/internal/session"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := New(t.TempDir())
	require.NoError(t, err)
	return repo
}

func TestSaveFindRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	s := &session.Session{SessionID: "abc", Purpose: "demo", CreatedAt: time.Now().UTC().Truncate(time.Second)}

	require.NoError(t, repo.Save(s))

	got, err := repo.Find("abc")
	require.NoError(t, err)
	require.Equal(t, s.SessionID, got.SessionID)
	require.Equal(t, s.Purpose, got.Purpose)
	require.True(t, s.CreatedAt.Equal(got.CreatedAt))
}

func TestFindMissingReturnsErrNotFound(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.Find("nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestHierarchicalSavePath(t *testing.T) {
	repo := newTestRepo(t)
	s := &session.Session{SessionID: "a/b/c", Purpose: "child"}
	require.NoError(t, repo.Save(s))

	got, err := repo.Find("a/b/c")
	require.NoError(t, err)
	require.Equal(t, "a/b/c", got.SessionID)
}

func TestUpdateIndexThenList(t *testing.T) {
	repo := newTestRepo(t)
	purpose := "p"
	now := time.Now().UTC()
	require.NoError(t, repo.UpdateIndex("x", &purpose, &now))

	entries, err := repo.List()
	require.NoError(t, err)
	require.Contains(t, entries, "x")
	require.Equal(t, "p", entries["x"].Purpose)
}

func TestDeleteRemovesSessionAndDescendantIndexEntries(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, repo.Save(&session.Session{SessionID: "a"}))
	require.NoError(t, repo.Save(&session.Session{SessionID: "a/b"}))
	purpose := "p"
	now := time.Now()
	require.NoError(t, repo.UpdateIndex("a", &purpose, &now))
	require.NoError(t, repo.UpdateIndex("a/b", &purpose, &now))

	require.NoError(t, repo.Delete("a"))

	_, err := repo.Find("a")
	require.ErrorIs(t, err, ErrNotFound)

	entries, err := repo.List()
	require.NoError(t, err)
	require.NotContains(t, entries, "a")
	require.NotContains(t, entries, "a/b")
}

func TestBackupWritesFileUnderPrefix(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, repo.Save(&session.Session{SessionID: "a"}))
	require.NoError(t, repo.Backup("a"))

	matches, err := filepath.Glob(filepath.Join(repo.root, backupsDirName, session.BackupPrefix("a")+"*"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
}

func TestUpdateIsAtomicReadModifyWrite(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, repo.Save(&session.Session{SessionID: "a"}))

	_, err := repo.Update("a", func(s *session.Session) error {
		s.Turns = append(s.Turns, session.NewUserTask("hi", time.Now()))
		return nil
	})
	require.NoError(t, err)

	got, err := repo.Find("a")
	require.NoError(t, err)
	require.Len(t, got.Turns, 1)
}
