package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mathdee/raftkv/internal/node"
	"github.com/mathdee/raftkv/internal/transport"
)

func TestAddNodeRejectsOnNonLeader(t *testing.T) {
	e, _ := newTestEngine(t, "n1", nil)
	err := e.AddNode("127.0.0.1:9999")
	require.ErrorIs(t, err, ErrNotLeader)
}

func TestAddNodeRejectsMalformedAddress(t *testing.T) {
	e, _ := newTestEngine(t, "n1", nil)
	e.state.WithLock(func(tx *node.Txn) { tx.SetRole(node.Leader) })

	err := e.AddNode("not-an-address")
	require.ErrorIs(t, err, ErrInvalidAddress)
}

func TestAddNodeRegistersPeerWithFreshCursor(t *testing.T) {
	e, _ := newTestEngine(t, "n1", nil)
	e.state.WithLock(func(tx *node.Txn) { tx.SetRole(node.Leader) })

	require.NoError(t, e.AddNode("127.0.0.1:9999"))
	require.True(t, e.state.HasPeer("127.0.0.1:9999"))

	ni, ok := e.state.NextIndex("127.0.0.1:9999")
	require.True(t, ok)
	require.Equal(t, 0, ni)
}

func TestAddNodeIsIdempotentForAnExistingPeer(t *testing.T) {
	e, _ := newTestEngine(t, "n1", []string{"127.0.0.1:9999"})
	e.state.WithLock(func(tx *node.Txn) { tx.SetRole(node.Leader) })
	e.state.SetNextIndex("127.0.0.1:9999", 7)

	require.NoError(t, e.AddNode("127.0.0.1:9999"))
	ni, _ := e.state.NextIndex("127.0.0.1:9999")
	require.Equal(t, 7, ni, "re-adding a known peer must not reset its replication cursor")
}

func TestRemoveNodeRejectsOnNonLeader(t *testing.T) {
	e, _ := newTestEngine(t, "n1", nil)
	err := e.RemoveNode("127.0.0.1:9999")
	require.ErrorIs(t, err, ErrNotLeader)
}

func TestRemoveNodeDropsAKnownPeer(t *testing.T) {
	victim, _ := capture(t)
	e, _ := newTestEngine(t, "n1", []string{victim})
	e.state.WithLock(func(tx *node.Txn) { tx.SetRole(node.Leader) })

	require.NoError(t, e.RemoveNode(victim))
	require.False(t, e.state.HasPeer(victim))
}

func TestRemoveNodeOfSelfStepsDown(t *testing.T) {
	e, _ := newTestEngine(t, "n1", nil)
	self := e.state.SelfAddr()
	e.state.WithLock(func(tx *node.Txn) { tx.SetRole(node.Leader) })
	e.Start()

	require.NoError(t, e.RemoveNode(self))
	require.Eventually(t, func() bool { return !e.isRunning() }, 2*time.Second, 10*time.Millisecond)
}

func TestHandleRemoveNodeMsgDropsNamedPeer(t *testing.T) {
	peer, _ := capture(t)
	e, _ := newTestEngine(t, "n1", []string{peer})
	e.handleRemoveNodeMsg(transport.Message{Type: transport.RemoveNode, RemovedNode: peer})
	require.False(t, e.state.HasPeer(peer))
}

func TestHandleStopNodeMsgStopsTheEngine(t *testing.T) {
	e, _ := newTestEngine(t, "n1", nil)
	e.Start()

	e.handleStopNodeMsg()

	require.Eventually(t, func() bool { return !e.isRunning() }, 2*time.Second, 10*time.Millisecond)
}
