package linkup

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRoomID(t *testing.T) {
	assert.Equal(t, "alice_bob", RoomID("alice", "bob"))
	assert.Equal(t, RoomID("alice", "bob"), RoomID("bob", "alice"))
	assert.Equal(t, "a_a", RoomID("a", "a"))
}

func TestRealtimePaths(t *testing.T) {
	assert.Equal(t, "messages/r1", MessagesPath("r1"))
	assert.Equal(t, "messages/r1/m1", MessagePath("r1", "m1"))
	assert.Equal(t, "typing/r1/u1", TypingPath("r1", "u1"))
	assert.Equal(t, "status/u1", StatusPath("u1"))
	assert.Equal(t, "inbox/u1", InboxPath("u1"))
	assert.Equal(t, "inbox/u1/r1", InboxEntryPath("u1", "r1"))
	assert.Equal(t, "rooms/r1", RoomPath("r1"))
	assert.Equal(t, "messages", CollectionOf(messageCacheKey("r1", "m1")))
}

func TestSplitPath(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, splitPath("/a//b/c/"))
	assert.Empty(t, splitPath(""))
}

func TestPushID(t *testing.T) {
	g := NewPushIDGenerator()
	fixed := time.UnixMilli(1_700_000_000_000)
	g.now = func() time.Time { return fixed }

	t.Run("length and alphabet", func(t *testing.T) {
		id := g.Next()
		assert.Len(t, id, PushIDLength)
		for _, r := range id {
			assert.Contains(t, pushAlphabet, string(r))
		}
	})

	t.Run("strictly increasing within a millisecond", func(t *testing.T) {
		ids := make([]string, 500)
		for i := range ids {
			ids[i] = g.Next()
		}
		assert.True(t, sort.StringsAreSorted(ids))
		for i := 1; i < len(ids); i++ {
			assert.NotEqual(t, ids[i-1], ids[i])
		}
	})

	t.Run("ordered by time", func(t *testing.T) {
		a := g.Next()
		fixed = fixed.Add(time.Millisecond)
		b := g.Next()
		assert.Less(t, a, b)
		assert.NotEqual(t, a[:8], b[:8])
	})

	t.Run("clock going backwards keeps order", func(t *testing.T) {
		a := g.Next()
		fixed = fixed.Add(-time.Second)
		b := g.Next()
		assert.Less(t, a, b)
	})

	t.Run("random part overflow moves to next millisecond", func(t *testing.T) {
		a := g.Next()
		for i := range g.lastRand {
			g.lastRand[i] = 63
		}
		b := g.Next()
		assert.Less(t, a, b)
		assert.Equal(t, "------------", b[8:])
	})
}
