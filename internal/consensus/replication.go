package consensus

import (
	"encoding/json"
	"time"

	"github.com/mathdee/raftkv/internal/clock"
	"github.com/mathdee/raftkv/internal/kvlog"
	"github.com/mathdee/raftkv/internal/node"
	"github.com/mathdee/raftkv/internal/transport"
)

// runHeartbeatDriver ticks at 1 Hz (strictly less than the minimum
// election timeout) and, while leader, sends append-entries to every
// peer — an empty entries slice serves as a pure heartbeat (spec.md
// §4.3.3).
func (e *Engine) runHeartbeatDriver() {
	ticker := time.NewTicker(clock.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			if e.state.Role() == node.Leader {
				e.produceAppendEntriesForAllPeers()
			}
		}
	}
}

// produceAppendEntriesForAllPeers builds and sends one append-entries
// message per peer, using each peer's own next_index cursor. Identical
// messages are sent here on the heartbeat tick and from AppendMutation
// right after a client mutation is accepted (spec.md §4.3.3).
func (e *Engine) produceAppendEntriesForAllPeers() {
	var term uint64
	var leaderID string
	var commitIndex int
	peers := e.state.Peers()

	e.state.WithLock(func(t *node.Txn) {
		term = t.CurrentTerm()
	})
	leaderID = e.state.ID()
	commitIndex = e.log.CommitIndex()

	for _, p := range peers {
		peer := p
		ni, _ := e.state.NextIndex(peer)
		prevIdx := ni - 1
		prevTerm, _ := e.log.TermAt(prevIdx)
		entries := fitToDatagramBudget(e.log.EntriesFrom(ni))

		e.peer.Send(peer, transport.Message{
			Type:         transport.AppendEntries,
			Term:         term,
			LeaderID:     leaderID,
			PrevLogIndex: prevIdx,
			PrevLogTerm:  prevTerm,
			Entries:      entries,
			LeaderCommit: commitIndex,
		})
	}
}

// fitToDatagramBudget trims entries from the tail until the encoded
// append-entries payload fits the datagram budget (spec.md §4.1):
// "fragment an over-size replication burst by reducing the number of
// entries per message, never by splitting a single entry". A single
// oversized entry is still sent alone, over budget, rather than split.
func fitToDatagramBudget(entries []kvlog.Entry) []kvlog.Entry {
	for len(entries) > 1 {
		if encodedSize(entries) <= transport.MaxDatagramSize {
			break
		}
		entries = entries[:len(entries)-1]
	}
	return entries
}

func encodedSize(entries []kvlog.Entry) int {
	// Approximate via the actual entries payload only — the fixed
	// envelope fields (term, leader id, indices) are a small, constant
	// overhead compared to the entries burst this function exists to
	// bound.
	b, err := json.Marshal(entries)
	if err != nil {
		return 0
	}
	return len(b) + 128 // headroom for the envelope fields
}

// handleAppendEntries implements the follower side, spec.md §4.3.4.
func (e *Engine) handleAppendEntries(from string, msg transport.Message) {
	currentTerm := e.state.CurrentTerm()
	if msg.Term < currentTerm {
		e.peer.Send(from, transport.Message{
			Type:    transport.AppendEntriesResponse,
			Term:    currentTerm,
			NodeID:  e.state.ID(),
			Success: false,
		})
		return
	}

	e.state.WithLock(func(t *node.Txn) {
		t.SetCurrentTerm(msg.Term)
		t.SetRole(node.Follower)
		t.SetLeaderHint(msg.LeaderID)
		t.ResetHeartbeat()
	})

	ok, matchIndex := e.log.ReconcileAppend(msg.PrevLogIndex, msg.PrevLogTerm, msg.Entries)
	if !ok {
		e.peer.Send(from, transport.Message{
			Type:       transport.AppendEntriesResponse,
			Term:       msg.Term,
			NodeID:     e.state.ID(),
			Success:    false,
			MatchIndex: matchIndex,
		})
		return
	}

	if msg.LeaderCommit > e.log.CommitIndex() {
		e.log.CommitTo(msg.LeaderCommit)
	}

	e.peer.Send(from, transport.Message{
		Type:       transport.AppendEntriesResponse,
		Term:       msg.Term,
		NodeID:     e.state.ID(),
		Success:    true,
		MatchIndex: e.log.Len(),
		NextIndex:  e.log.Len(),
	})
}

// handleAppendEntriesResponse implements the leader side of replication
// bookkeeping and commit advancement, spec.md §4.3.3. next_index is
// keyed by peer address (the datagram's source, "from"), never by the
// follower's display NodeID — the two are distinct since a node's id is
// a human-readable label (e.g. "Node_1") while the peer set and cursors
// are addressed by host:port.
func (e *Engine) handleAppendEntriesResponse(from string, msg transport.Message) {
	var term uint64
	var isLeader bool
	e.state.WithLock(func(t *node.Txn) {
		term = t.CurrentTerm()
		isLeader = t.Role() == node.Leader
	})
	if !isLeader || msg.Term != term {
		return
	}

	if msg.Success {
		e.state.SetNextIndex(from, msg.NextIndex)
	} else {
		cur, _ := e.state.NextIndex(from)
		e.state.SetNextIndex(from, cur-1)
	}

	e.advanceCommitIndex(term)
}

// advanceCommitIndex recomputes commit_index as the largest N such that
// N > commit_index, log[N].term == current_term, and a majority of nodes
// (leader + peers whose next_index > N) have replicated index N, then
// applies entries up to it (spec.md §4.3.3, final paragraph).
func (e *Engine) advanceCommitIndex(term uint64) {
	lastIdx := e.log.LastIndex()
	commitIndex := e.log.CommitIndex()
	peers := e.state.Peers()
	quorum := (len(peers)+1)/2 + 1

	best := commitIndex
	for n := commitIndex + 1; n <= lastIdx; n++ {
		entryTerm, ok := e.log.TermAt(n)
		if !ok || entryTerm != term {
			continue
		}
		replicated := 1 // the leader itself
		for _, p := range peers {
			ni, _ := e.state.NextIndex(p)
			if ni > n {
				replicated++
			}
		}
		if replicated >= quorum {
			best = n
		}
	}
	if best > commitIndex {
		e.log.CommitTo(best)
	}
}
