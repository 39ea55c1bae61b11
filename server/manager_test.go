package server

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	specs := map[string]RoomSpec{"hall": {ID: "hall", Width: 40, Height: 30}}
	return NewRegistry(RoomSpec{Width: 25, Height: 15}, specs, zaptest.NewLogger(t).Sugar(), &Metrics{})
}

func TestRegistry_Spec(t *testing.T) {
	g := newTestRegistry(t)
	assert.Equal(t, RoomSpec{ID: "lobby-1", Width: 25, Height: 15}, g.Spec("lobby-1"))
	assert.Equal(t, RoomSpec{ID: "hall", Width: 40, Height: 30}, g.Spec("hall"))
}

func TestRegistry_GetOrCreateRoom(t *testing.T) {
	g := newTestRegistry(t)
	r1 := g.GetOrCreateRoom("lobby-1")
	r2 := g.GetOrCreateRoom("lobby-1")
	assert.Same(t, r1, r2)
	assert.Equal(t, 25, r1.Spec.Width)
	assert.Len(t, g.Rooms(), 1)
}

func TestRegistry_RegisterSnapshotExcludesSelf(t *testing.T) {
	g := newTestRegistry(t)
	a := newOccupant("A", 1, 1)
	b := newOccupant("B", 2, 2)

	assert.Empty(t, g.Register(a, "lobby-1"))
	users := g.Register(b, "lobby-1")
	assert.Equal(t, []UserState{{UserID: "A", X: 1, Y: 1}}, users)
}

func TestRegistry_DeregisterIdempotent(t *testing.T) {
	g := newTestRegistry(t)
	a := newOccupant("A", 1, 1)
	g.Register(a, "lobby-1")

	assert.True(t, g.Deregister(a, "lobby-1"))
	assert.False(t, g.Deregister(a, "lobby-1"))
	assert.False(t, g.Deregister(a, "nowhere"))

	users, err := g.Occupants("lobby-1")
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestRegistry_BroadcastExcept(t *testing.T) {
	g := newTestRegistry(t)
	a, b, c := newOccupant("A", 0, 0), newOccupant("B", 1, 0), newOccupant("C", 2, 0)
	other := newOccupant("D", 0, 0)
	for _, o := range []*fakeOccupant{a, b, c} {
		g.Register(o, "lobby-1")
	}
	g.Register(other, "hall")

	n, err := g.BroadcastExcept("lobby-1", a, Movement("A", Position{1, 1}))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Empty(t, a.conn.take(t))
	assert.Empty(t, other.conn.take(t))
	for _, o := range []*fakeOccupant{b, c} {
		msgs := o.conn.take(t)
		require.Len(t, msgs, 1)
		assert.Equal(t, TypeMovement, msgs[0].Type)
	}
}

func TestRegistry_BroadcastUnknownRoom(t *testing.T) {
	g := newTestRegistry(t)
	n, err := g.BroadcastExcept("ghost", nil, UserLeft("A"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRegistry_BroadcastIsolatesFailedPeer(t *testing.T) {
	g := newTestRegistry(t)
	a, b, c := newOccupant("A", 0, 0), newOccupant("B", 1, 0), newOccupant("C", 2, 0)
	for _, o := range []*fakeOccupant{a, b, c} {
		g.Register(o, "lobby-1")
	}
	b.conn.setFailSends(true)

	n, err := g.BroadcastExcept("lobby-1", a, UserLeft("X"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, c.conn.take(t), 1)

	assert.Eventually(t, func() bool { return b.closeCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, a.closeCount())
	assert.Zero(t, c.closeCount())
	assert.Equal(t, int64(1), g.metrics.SendFailures)
}

func TestRegistry_JoinRepliesAndAnnounces(t *testing.T) {
	g := newTestRegistry(t)
	a := newOccupant("A", 3, 4)
	b := newOccupant("B", 5, 6)

	users, err := g.Join(a, "lobby-1")
	require.NoError(t, err)
	assert.Empty(t, users)
	msgs := a.conn.take(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, TypeSpaceJoined, msgs[0].Type)

	users, err = g.Join(b, "lobby-1")
	require.NoError(t, err)
	assert.Equal(t, []UserState{{UserID: "A", X: 3, Y: 4}}, users)

	bm := b.conn.take(t)
	require.Len(t, bm, 1)
	joined := decodePayload[spaceJoinedPayload](t, bm[0])
	assert.Equal(t, Position{5, 6}, joined.Spawn)
	assert.Equal(t, []UserState{{UserID: "A", X: 3, Y: 4}}, joined.Users)

	am := a.conn.take(t)
	require.Len(t, am, 1)
	assert.Equal(t, TypeUserJoined, am[0].Type)
	assert.Equal(t, UserState{UserID: "B", X: 5, Y: 6}, decodePayload[UserState](t, am[0]))
}

// 并发加入时，每一对会话恰好通过一种途径得知对方：对方在自己的快照里，或收到对方的 user-joined
func TestRegistry_ConcurrentJoinsSeeEachOtherOnce(t *testing.T) {
	g := newTestRegistry(t)
	const n = 20
	occ := make([]*fakeOccupant, n)
	var wg sync.WaitGroup
	for i := range occ {
		occ[i] = newOccupant(fmt.Sprintf("u%d", i), i%25, i%15)
		wg.Add(1)
		go func(o *fakeOccupant) {
			defer wg.Done()
			_, err := g.Join(o, "lobby-1")
			assert.NoError(t, err)
		}(occ[i])
	}
	wg.Wait()

	for _, o := range occ {
		seen := map[string]int{}
		for _, m := range o.conn.take(t) {
			switch m.Type {
			case TypeSpaceJoined:
				for _, u := range decodePayload[spaceJoinedPayload](t, m).Users {
					seen[u.UserID]++
				}
			case TypeUserJoined:
				seen[decodePayload[UserState](t, m).UserID]++
			}
		}
		assert.Len(t, seen, n-1, "occupant %s", o.id)
		for id, count := range seen {
			assert.Equal(t, 1, count, "occupant %s saw %s", o.id, id)
		}
		assert.NotContains(t, seen, o.id)
	}
}

func TestPropertyBroadcastReachesEveryoneButExcluded(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		g := NewRegistry(RoomSpec{Width: 25, Height: 15}, nil, nil, nil)
		n := rapid.IntRange(1, 12).Draw(rt, "occupants")
		excluded := rapid.IntRange(0, n-1).Draw(rt, "excluded")
		occ := make([]*fakeOccupant, n)
		for i := range occ {
			occ[i] = newOccupant(fmt.Sprintf("u%d", i), 0, 0)
			g.Register(occ[i], "lobby-1")
		}
		delivered, err := g.BroadcastExcept("lobby-1", occ[excluded], UserLeft("x"))
		if err != nil {
			rt.Fatalf("broadcast: %v", err)
		}
		if delivered != n-1 {
			rt.Fatalf("delivered %d, want %d", delivered, n-1)
		}
		for i, o := range occ {
			got := len(o.conn.take(t))
			want := 1
			if i == excluded {
				want = 0
			}
			if got != want {
				rt.Fatalf("occupant %d got %d frames, want %d", i, got, want)
			}
		}
	})
}
