package consensus

import "github.com/mathdee/raftkv/internal/node"

// Role, Term, CommitIndex, LogLength, LeaderHint and Peers are
// read-only views used by the client gateway and the metrics endpoint —
// neither mutates engine state.

func (e *Engine) Role() node.Role     { return e.state.Role() }
func (e *Engine) Term() uint64        { return e.state.CurrentTerm() }
func (e *Engine) CommitIndex() int    { return e.log.CommitIndex() }
func (e *Engine) LogLength() int      { return e.log.Len() }
func (e *Engine) LeaderHint() string  { return e.state.LeaderHint() }
func (e *Engine) Peers() []string     { return e.state.Peers() }
func (e *Engine) ID() string          { return e.state.ID() }
func (e *Engine) IsLeader() bool      { return e.state.Role() == node.Leader }

// PeerCursor reports the leader's view of a peer's replication cursor,
// for CLUSTER-STATUS. ok is false if addr isn't a known peer.
func (e *Engine) PeerCursor(addr string) (nextIndex int, ok bool) {
	return e.state.NextIndex(addr)
}
