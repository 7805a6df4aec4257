package consensus

import (
	"github.com/mathdee/raftkv/internal/kvlog"
	"github.com/mathdee/raftkv/internal/node"
)

// AppendMutation implements spec.md §4.4's leader mutation path:
//  1. construct a log entry at the current term
//  2. append it locally, obtaining log_index
//  3. immediately apply it to the local state machine — a documented
//     deviation from canonical Raft (spec.md §9): a faithful
//     implementation would apply only after a majority acknowledges, to
//     preserve leader completeness under leader failure. This relaxation
//     is kept, not fixed, per the stricter-ordering recommendation in §9
//     being optional ("prefer... document the relaxation if retained").
//  4. drive one append-entries round to replicate to followers
//  5. return the apply result to the client
//
// Returns ErrNotLeader if this node isn't currently leader.
func (e *Engine) AppendMutation(op kvlog.Operation, key, value string) (kvlog.ApplyResult, error) {
	if e.state.Role() != node.Leader {
		return kvlog.ApplyResult{}, ErrNotLeader
	}
	term := e.state.CurrentTerm()

	index := e.log.Append(kvlog.Entry{Term: term, Operation: op, Key: key, Value: value})
	e.log.CommitTo(index)

	e.produceAppendEntriesForAllPeers()

	// CommitTo(index) guarantees commitIndex >= index by the time it
	// returns, whether this call or a concurrently racing CommitTo (from
	// another client session's mutation landing in the same group-commit
	// batch) performed the apply — so the result is always recorded.
	res, _ := e.log.ResultAt(index)
	return res, nil
}
