package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRelPathHierarchical(t *testing.T) {
	require.Equal(t, "a/b/c.json", RelPath("a/b/c"))
	require.Equal(t, "a.json", RelPath("a"))
}

func TestRelPathStripsDotComponents(t *testing.T) {
	require.Equal(t, "a/a/b.json", RelPath("a/../a/./b"))
	require.Equal(t, "a/b.json", RelPath("/a//b/"))
}

func TestParentID(t *testing.T) {
	require.Equal(t, "a/b", ParentID("a/b/c"))
	require.Equal(t, "", ParentID("a"))
}

func TestIsDescendant(t *testing.T) {
	require.True(t, IsDescendant("a/b", "a/b"))
	require.True(t, IsDescendant("a/b", "a/b/c"))
	require.False(t, IsDescendant("a/b", "a/bc"))
	require.False(t, IsDescendant("a/b", "a"))
}

func TestComposeChildIDDeterministicAndInjective(t *testing.T) {
	seed1 := ChildSeed{Purpose: "p1", Background: "bg", CreatedAt: time.Unix(0, 1)}
	seed2 := ChildSeed{Purpose: "p2", Background: "bg", CreatedAt: time.Unix(0, 1)}

	id1a := ComposeChildID("parent", seed1)
	id1b := ComposeChildID("parent", seed1)
	id2 := ComposeChildID("parent", seed2)

	require.Equal(t, id1a, id1b, "same seed must hash deterministically")
	require.NotEqual(t, id1a, id2, "distinct purposes must not collide")
	require.Equal(t, "parent/"+HashSeed(seed1), id1a)
}

func TestComposeRootIDHasNoSlash(t *testing.T) {
	id := ComposeChildID("", ChildSeed{Purpose: "root", CreatedAt: time.Unix(0, 0)})
	require.NotContains(t, id, "/")
}
