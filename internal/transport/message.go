package transport

import "github.com/mathdee/raftkv/internal/kvlog"

// MessageType discriminates the peer-channel wire messages of spec.md §4.1.
type MessageType string

const (
	RequestVote           MessageType = "request_vote"
	VoteResponse          MessageType = "vote_response"
	LeaderAnnouncement    MessageType = "leader_announcement"
	Heartbeat             MessageType = "heartbeat"
	AppendEntries         MessageType = "append_entries"
	AppendEntriesResponse MessageType = "append_entries_response"
	RemoveNode            MessageType = "remove_node"
	StopNode              MessageType = "stop_node"
)

// MaxDatagramSize is the payload size budget of spec.md §4.1: implementers
// must fragment an over-size replication burst by shrinking the entry
// count per message, never by splitting a single entry.
const MaxDatagramSize = 1024

// Message is the single self-describing envelope sent over the peer
// channel. Every field is optional except Type and Term; which others
// are populated depends on Type, per the spec.md §4.1 table. A single
// struct (rather than one type per message) keeps the JSON codec trivial
// and mirrors the original system's one-dict-per-message wire shape.
type Message struct {
	Type MessageType `json:"type"`
	Term uint64      `json:"term"`

	// request_vote. LastLogIndex/LastLogTerm are required by the
	// up-to-date check of spec.md §4.3.2 even though the distilled
	// table in §4.1 only names term/candidate_id — without them a voter
	// cannot evaluate candidate log recency, so the wire format carries
	// them (see DESIGN.md Open Question resolutions).
	CandidateID  string `json:"candidate_id,omitempty"`
	LastLogIndex int    `json:"last_log_index"`
	LastLogTerm  uint64 `json:"last_log_term,omitempty"`

	// vote_response
	VoterID string `json:"voter_id,omitempty"`
	Granted bool   `json:"granted,omitempty"`

	// leader_announcement, heartbeat, append_entries
	LeaderID string `json:"leader_id,omitempty"`

	// append_entries
	PrevLogIndex int           `json:"prev_log_index,omitempty"`
	PrevLogTerm  uint64        `json:"prev_log_term,omitempty"`
	Entries      []kvlog.Entry `json:"entries,omitempty"`
	LeaderCommit int           `json:"leader_commit,omitempty"`

	// append_entries_response
	NodeID     string `json:"node_id,omitempty"`
	Success    bool   `json:"success,omitempty"`
	MatchIndex int    `json:"match_index,omitempty"`
	NextIndex  int    `json:"next_index,omitempty"`

	// remove_node
	RemovedNode string `json:"removed_node,omitempty"`
}
