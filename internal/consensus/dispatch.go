package consensus

import (
	"github.com/mathdee/raftkv/internal/node"
	"github.com/mathdee/raftkv/internal/transport"
)

// handleMessage is the single entry point for every inbound peer-channel
// datagram. It applies the universal "any state on seeing term >
// current_term" rule (spec.md §4.3.1) before dispatching on message type.
func (e *Engine) handleMessage(from string, msg transport.Message) {
	e.stepDownIfNewerTerm(msg.Term)

	switch msg.Type {
	case transport.RequestVote:
		e.handleRequestVote(from, msg)
	case transport.VoteResponse:
		e.handleVoteResponse(msg)
	case transport.LeaderAnnouncement:
		e.handleLeaderAnnouncement(msg)
	case transport.Heartbeat:
		e.handleHeartbeat(msg)
	case transport.AppendEntries:
		e.handleAppendEntries(from, msg)
	case transport.AppendEntriesResponse:
		e.handleAppendEntriesResponse(from, msg)
	case transport.RemoveNode:
		e.handleRemoveNodeMsg(msg)
	case transport.StopNode:
		e.handleStopNodeMsg()
	default:
		e.logf.WithField("type", msg.Type).Warn("dispatcher: unknown message type")
	}
}

// stepDownIfNewerTerm implements: "Any state on seeing term >
// current_term: set current_term to that term, set voted_for = none, set
// role to follower."
func (e *Engine) stepDownIfNewerTerm(term uint64) {
	if term == 0 {
		return
	}
	stepped := false
	e.state.WithLock(func(t *node.Txn) {
		if term > t.CurrentTerm() {
			t.SetCurrentTerm(term)
			t.SetVotedFor("")
			t.SetRole(node.Follower)
			t.RegenerateElectionTimeout()
			stepped = true
		}
	})
	if stepped {
		e.logf.WithField("term", term).Info("stepping down to follower: newer term observed")
	}
}
