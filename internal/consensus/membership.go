package consensus

import (
	"net"

	"github.com/pkg/errors"

	"github.com/mathdee/raftkv/internal/node"
	"github.com/mathdee/raftkv/internal/transport"
)

// ErrInvalidAddress is returned when an ADD-NODE/REMOVE-NODE address
// isn't host:port.
var ErrInvalidAddress = errors.New("invalid address format")

// ErrNotLeader is returned by every leader-only operation when called on
// a non-leader node.
var ErrNotLeader = errors.New("not the leader")

func validateAddress(addr string) error {
	_, _, err := net.SplitHostPort(addr)
	if err != nil {
		return errors.Wrap(ErrInvalidAddress, addr)
	}
	return nil
}

// AddNode implements spec.md §4.3.5: leader-only, validates host:port,
// registers the peer with a fresh replication cursor at 0 so it catches
// up through normal append-entries, and asks the cluster supervisor to
// spawn it in-process when the supervisor hosts that address.
func (e *Engine) AddNode(addr string) error {
	if e.state.Role() != node.Leader {
		return ErrNotLeader
	}
	if err := validateAddress(addr); err != nil {
		return err
	}
	if !e.state.HasPeer(addr) {
		e.state.AddPeer(addr)
		e.logf.WithField("peer", addr).Info("add-node: registered new peer")
	}
	if e.spawner != nil {
		e.spawner.SpawnLocal(addr)
	}
	return nil
}

// RemoveNode implements spec.md §4.3.5. If addr is this node's own
// address, it broadcasts remove_node to the remaining peers and then
// stops itself — the survivors will time out and elect a new leader.
// Otherwise it tells the victim to stop_node directly, drops it locally,
// and broadcasts remove_node so the other peers drop it too.
func (e *Engine) RemoveNode(addr string) error {
	if e.state.Role() != node.Leader {
		return ErrNotLeader
	}
	if err := validateAddress(addr); err != nil {
		return err
	}

	term := e.state.CurrentTerm()

	if addr == e.state.SelfAddr() {
		e.peer.Broadcast(e.state.Peers(), transport.Message{
			Type:        transport.RemoveNode,
			Term:        term,
			RemovedNode: addr,
		})
		e.logf.Info("remove-node: removing self, stepping down")
		go e.Stop()
		return nil
	}

	e.peer.Send(addr, transport.Message{Type: transport.StopNode, Term: term})
	e.state.RemovePeer(addr)
	e.peer.Broadcast(e.state.Peers(), transport.Message{
		Type:        transport.RemoveNode,
		Term:        term,
		RemovedNode: addr,
	})
	e.logf.WithField("peer", addr).Info("remove-node: removed peer")
	return nil
}

func (e *Engine) handleRemoveNodeMsg(msg transport.Message) {
	if msg.RemovedNode == "" {
		return
	}
	e.state.RemovePeer(msg.RemovedNode)
	e.logf.WithField("peer", msg.RemovedNode).Info("dropped peer on remove_node broadcast")
}

func (e *Engine) handleStopNodeMsg() {
	e.logf.Warn("received stop_node: shutting down")
	go e.Stop()
}
