package consensus

import (
	"time"

	"github.com/mathdee/raftkv/internal/clock"
	"github.com/mathdee/raftkv/internal/node"
	"github.com/mathdee/raftkv/internal/transport"
)

// runElectionWatchdog polls at 10 Hz (spec.md §4.5) and starts an
// election whenever the node isn't leader and the election timeout has
// elapsed since the last valid contact. Because startElection resets the
// countdown anchor and re-arms a fresh randomized timeout on every call —
// including calls made while already a candidate — a candidate that
// fails to win within its own timeout automatically retries at a higher
// term instead of wedging forever, resolving ties and split votes per
// spec.md §4.3.2's final paragraph.
func (e *Engine) runElectionWatchdog() {
	ticker := time.NewTicker(clock.ElectionWatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			if e.state.Role() == node.Leader {
				continue
			}
			if e.state.ElapsedSinceHeartbeat() > e.state.ElectionTimeout() {
				e.startElection()
			}
		}
	}
}

// startElection implements spec.md §4.3.2 steps 1-5.
func (e *Engine) startElection() {
	var term uint64
	var lastIdx int
	var lastTerm uint64

	e.state.WithLock(func(t *node.Txn) {
		t.SetRole(node.Candidate)
		t.SetCurrentTerm(t.CurrentTerm() + 1)
		t.SetVotedFor(e.state.ID())
		t.SetVotesReceived(1)
		t.ResetHeartbeat()
		t.RegenerateElectionTimeout()
		term = t.CurrentTerm()
	})
	lastIdx = e.log.LastIndex()
	lastTerm = e.log.LastTerm()

	e.logf.WithFields(logFields(e, term)).Info("starting election")

	msg := transport.Message{
		Type:         transport.RequestVote,
		Term:         term,
		CandidateID:  e.state.ID(),
		LastLogIndex: lastIdx,
		LastLogTerm:  lastTerm,
	}
	e.peer.Broadcast(e.state.Peers(), msg)

	// A lone candidate with no peers wins immediately — a majority of a
	// cluster of one is itself.
	e.maybeBecomeLeader(term)
}

func (e *Engine) handleRequestVote(from string, msg transport.Message) {
	var granted bool
	var term uint64

	e.state.WithLock(func(t *node.Txn) {
		if msg.Term < t.CurrentTerm() {
			granted = false
			term = t.CurrentTerm()
			return
		}
		// stepDownIfNewerTerm already adopted a strictly-greater term;
		// here we additionally accept an equal term for the grant check.
		term = t.CurrentTerm()

		upToDate := msg.LastLogTerm > e.log.LastTerm() ||
			(msg.LastLogTerm == e.log.LastTerm() && msg.LastLogIndex >= e.log.LastIndex())

		if (t.VotedFor() == "" || t.VotedFor() == msg.CandidateID) && upToDate {
			t.SetVotedFor(msg.CandidateID)
			t.ResetHeartbeat()
			granted = true
		}
	})

	e.logf.WithFields(logFields(e, term)).
		WithField("candidate", msg.CandidateID).
		WithField("granted", granted).
		Info("request_vote decision")

	e.peer.Send(from, transport.Message{
		Type:        transport.VoteResponse,
		Term:        term,
		VoterID:     e.state.ID(),
		CandidateID: msg.CandidateID,
		Granted:     granted,
	})
}

func (e *Engine) handleVoteResponse(msg transport.Message) {
	if !msg.Granted {
		return
	}
	becameLeader := false
	var term uint64
	e.state.WithLock(func(t *node.Txn) {
		if msg.Term != t.CurrentTerm() || t.Role() != node.Candidate {
			return
		}
		t.SetVotesReceived(t.VotesReceived() + 1)
		term = t.CurrentTerm()
	})
	if e.hasMajority(term) {
		becameLeader = e.maybeBecomeLeader(term)
	}
	if becameLeader {
		e.logf.WithFields(logFields(e, term)).Info("won election")
	}
}

func (e *Engine) hasMajority(term uint64) bool {
	majority := false
	e.state.WithLock(func(t *node.Txn) {
		if t.Role() != node.Candidate || t.CurrentTerm() != term {
			return
		}
		quorum := (e.state.PeerCount()+1)/2 + 1
		majority = t.VotesReceived() >= quorum
	})
	return majority
}

// maybeBecomeLeader transitions candidate -> leader if votesReceived
// already forms a majority (covers both the vote-response path and the
// zero-peer bootstrap path). Returns whether the transition happened.
func (e *Engine) maybeBecomeLeader(term uint64) bool {
	became := false
	logLen := e.log.Len()
	e.state.WithLock(func(t *node.Txn) {
		if t.Role() != node.Candidate || t.CurrentTerm() != term {
			return
		}
		quorum := (e.state.PeerCount()+1)/2 + 1
		if t.VotesReceived() < quorum {
			return
		}
		t.SetRole(node.Leader)
		t.SetLeaderHint(e.state.ID())
		t.InitNextIndexForAllPeers(logLen)
		became = true
	})
	if became {
		e.peer.Broadcast(e.state.Peers(), transport.Message{
			Type:     transport.LeaderAnnouncement,
			Term:     term,
			LeaderID: e.state.ID(),
		})
		// Replicate (and heartbeat) immediately, don't wait for the next tick.
		e.produceAppendEntriesForAllPeers()
	}
	return became
}

func (e *Engine) handleLeaderAnnouncement(msg transport.Message) {
	e.state.WithLock(func(t *node.Txn) {
		if msg.Term < t.CurrentTerm() {
			return
		}
		t.SetCurrentTerm(msg.Term)
		t.SetRole(node.Follower)
		t.SetVotedFor("")
		t.SetLeaderHint(msg.LeaderID)
		t.ResetHeartbeat()
	})
}

// handleHeartbeat handles the bare "heartbeat" keep-alive message type.
// Log replication itself travels over append_entries (an empty entries
// slice there already serves as a heartbeat, per spec.md §4.3.3); this
// handler exists for the distinct "heartbeat" wire type spec.md §4.1
// also names, and only refreshes liveness bookkeeping — it never touches
// the log.
func (e *Engine) handleHeartbeat(msg transport.Message) {
	e.state.WithLock(func(t *node.Txn) {
		if msg.Term < t.CurrentTerm() {
			return
		}
		t.SetCurrentTerm(msg.Term)
		t.SetRole(node.Follower)
		t.SetVotedFor("")
		t.SetLeaderHint(msg.LeaderID)
		t.ResetHeartbeat()
	})
}

func logFields(e *Engine, term uint64) map[string]interface{} {
	return map[string]interface{}{
		"node": e.state.ID(),
		"term": term,
	}
}
