package net

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeTable_AllocateRelease(t *testing.T) {
	table := newNodeTable(3)

	id, ok := table.allocate(firstPeerNode, &sock{})
	require.True(t, ok)
	assert.Equal(t, NodeID(1), id)
	assert.True(t, table.inUse(1))
	assert.False(t, table.inUse(0))

	id, ok = table.allocate(firstPeerNode, &sock{})
	require.True(t, ok)
	assert.Equal(t, NodeID(2), id)

	_, ok = table.allocate(firstPeerNode, &sock{})
	assert.False(t, ok, "slot 0 is never handed to peers")
	assert.False(t, table.free(firstPeerNode))
	assert.True(t, table.free(ServerNode))

	table.release(1)
	assert.False(t, table.inUse(1))
	assert.Equal(t, NodeID(1), table.get(1).id)

	// releasing again changes nothing
	table.release(1)
	table.release(99)
	assert.Equal(t, 1, table.count(func(*node) bool { return true }))

	id, ok = table.allocate(firstPeerNode, &sock{})
	require.True(t, ok)
	assert.Equal(t, NodeID(1), id, "lowest free slot is reused")
}

func TestNodeTable_AllocateNilSock(t *testing.T) {
	table := newNodeTable(2)
	_, ok := table.allocate(0, nil)
	assert.False(t, ok)
}

func TestNodeTable_Find(t *testing.T) {
	table := newNodeTable(4)
	for i := 0; i < 3; i++ {
		_, ok := table.allocate(firstPeerNode, &sock{})
		require.True(t, ok)
	}
	table.get(2).name = "bob"

	id, ok := table.find(func(n *node) bool { return n.name == "bob" })
	require.True(t, ok)
	assert.Equal(t, NodeID(2), id)

	_, ok = table.find(func(n *node) bool { return n.name == "carol" })
	assert.False(t, ok)

	table.release(2)
	_, ok = table.find(func(n *node) bool { return n.name == "bob" })
	assert.False(t, ok, "released slots are zeroed")
	assert.Nil(t, table.get(4))
}

func TestSockSet(t *testing.T) {
	set := newSockSet("joined", 2)

	assert.True(t, set.add(0))
	assert.False(t, set.add(0), "duplicate add")
	assert.True(t, set.add(1))
	assert.True(t, set.full())
	assert.False(t, set.add(5), "out of range")
	assert.Equal(t, []NodeID{0, 1}, set.snapshot())

	assert.True(t, set.remove(0))
	assert.False(t, set.remove(0))
	assert.Equal(t, 1, set.len())

	set.clear()
	assert.Zero(t, set.len())
	assert.Empty(t, set.snapshot())
}

func TestPromote(t *testing.T) {
	var n nodeNet
	n.init("server", testCfg(), 3)

	id, ok := n.register(&sock{}, firstPeerNode, respAwaitCommand)
	require.True(t, ok)
	assert.Equal(t, NodeUnjoined, n.nodeState(id))
	checkSlots(t, &n)

	require.NoError(t, n.promote(id))
	assert.Equal(t, NodeJoined, n.nodeState(id))
	assert.Equal(t, respJoined, n.table.get(id).responder)
	checkSlots(t, &n)

	// a second promote must not touch either group
	assert.Error(t, n.promote(id))
	assert.Equal(t, 1, n.joined.len())
	assert.Zero(t, n.unjoined.len())

	assert.ErrorIs(t, n.promote(2), ErrNodeNotFound)
}

func TestPromote_JoinedGroupFull(t *testing.T) {
	var n nodeNet
	n.init("server", testCfg(), 3)
	n.joined = newSockSet("joined", 1)

	a, _ := n.register(&sock{}, firstPeerNode, respAwaitCommand)
	b, _ := n.register(&sock{}, firstPeerNode, respAwaitCommand)
	require.NoError(t, n.promote(a))

	assert.Error(t, n.promote(b))
	assert.Equal(t, NodeUnjoined, n.nodeState(b), "failed promote leaves the node where it was")
	checkSlots(t, &n)
}

func TestDeliver_NonPositiveLimit(t *testing.T) {
	cfg := testCfg()
	cfg.MaxPendingMessages = 0
	var n nodeNet
	n.init("client", cfg, 2)

	id, ok := n.register(&sock{}, firstPeerNode, respAwaitCommand)
	require.True(t, ok)
	nd := n.table.get(id)
	require.NotPanics(t, func() {
		n.deliver(nd, []byte("a"))
		n.deliver(nd, []byte("b"))
	})

	got, ok := n.receivePending(id)
	require.True(t, ok)
	assert.Equal(t, "b", string(got), "a limit below one keeps the newest payload")
	_, ok = n.receivePending(id)
	assert.False(t, ok)
}

func TestNodeState_String(t *testing.T) {
	assert.Equal(t, "unused", NodeUnused.String())
	assert.Equal(t, "unjoined", NodeUnjoined.String())
	assert.Equal(t, "joined", NodeJoined.String())
}
