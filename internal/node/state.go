// Package node holds the per-node Raft bookkeeping variables described
// in spec.md §3 ("Node State") — term, vote record, role, known leader,
// peer set, and per-peer replication cursors. It is a passive data
// holder: the consensus engine is the only caller that mutates it.
package node

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mathdee/raftkv/internal/clock"
)

// Role is one of follower, candidate, leader.
type Role string

const (
	Follower  Role = "follower"
	Candidate Role = "candidate"
	Leader    Role = "leader"
)

// State is the mutable per-node Raft state. All fields are guarded by mu
// ("the state lock", spec.md §5), except where a single-word atomic read
// is safe in Go, which here it is not — every accessor of a mutable field
// takes the lock. id and selfAddr are set once in New and read without it.
type State struct {
	mu sync.Mutex

	id       string
	selfAddr string // this node's own peer-channel address, host:port
	role     Role
	clock    clock.Clock

	currentTerm   uint64
	votedFor      string // "" means none
	votesReceived int
	leaderHint    string // "" means unknown

	peers map[string]struct{} // peer addresses, host:port

	nextIndex map[string]int // replication cursor per peer

	lastHeartbeat   time.Time
	electionTimeout time.Duration
}

// New constructs a node in the follower role at term 0 with the given
// peer set. selfAddr is this node's own peer-channel address (host:port),
// used to recognize self-targeted ADD-NODE/REMOVE-NODE and membership
// messages. If id is empty it defaults to selfAddr; if both are empty a
// uuid is minted as the node's opaque identity — the fallback path for
// callers (tests, mostly) that have no natural address to hand it.
func New(id, selfAddr string, peers []string, c clock.Clock) *State {
	if id == "" {
		id = selfAddr
	}
	if id == "" {
		id = uuid.NewString()
	}
	peerSet := make(map[string]struct{}, len(peers))
	for _, p := range peers {
		peerSet[p] = struct{}{}
	}
	s := &State{
		id:        id,
		selfAddr:  selfAddr,
		role:      Follower,
		clock:     c,
		peers:     peerSet,
		nextIndex: make(map[string]int),
	}
	s.lastHeartbeat = c.Now()
	s.electionTimeout = c.RandomElectionTimeout()
	return s
}

func (s *State) ID() string {
	return s.id
}

func (s *State) SelfAddr() string {
	return s.selfAddr
}

func (s *State) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

func (s *State) CurrentTerm() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTerm
}

func (s *State) VotedFor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.votedFor
}

func (s *State) LeaderHint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaderHint
}

// Peers returns a snapshot slice of peer addresses.
func (s *State) Peers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.peers))
	for p := range s.peers {
		out = append(out, p)
	}
	return out
}

func (s *State) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *State) HasPeer(addr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.peers[addr]
	return ok
}

// AddPeer registers a new peer and starts its replication cursor at 0,
// per spec.md §4.3.5, so it catches up via normal append-entries.
func (s *State) AddPeer(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[addr] = struct{}{}
	s.nextIndex[addr] = 0
}

// RemovePeer drops a peer and its replication cursor.
func (s *State) RemovePeer(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, addr)
	delete(s.nextIndex, addr)
}

func (s *State) NextIndex(peer string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nextIndex[peer]
	return n, ok
}

func (s *State) SetNextIndex(peer string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 0 {
		n = 0
	}
	s.nextIndex[peer] = n
}

// WithLock runs fn while holding the state lock, exposing a superset view
// for the consensus engine's compound transitions (e.g. "become candidate
// and increment term and vote for self" must happen atomically). fn
// receives a *Txn — a narrow read/write handle — rather than the raw
// struct, so callers can't accidentally bypass the lock.
type Txn struct{ s *State }

func (t *Txn) Role() Role                  { return t.s.role }
func (t *Txn) SetRole(r Role)              { t.s.role = r }
func (t *Txn) CurrentTerm() uint64         { return t.s.currentTerm }
func (t *Txn) SetCurrentTerm(term uint64)  { t.s.currentTerm = term }
func (t *Txn) VotedFor() string            { return t.s.votedFor }
func (t *Txn) SetVotedFor(id string)       { t.s.votedFor = id }
func (t *Txn) VotesReceived() int          { return t.s.votesReceived }
func (t *Txn) SetVotesReceived(n int)      { t.s.votesReceived = n }
func (t *Txn) LeaderHint() string          { return t.s.leaderHint }
func (t *Txn) SetLeaderHint(id string)     { t.s.leaderHint = id }
func (t *Txn) LastHeartbeat() time.Time    { return t.s.lastHeartbeat }
func (t *Txn) ResetHeartbeat()             { t.s.lastHeartbeat = t.s.clock.Now() }
func (t *Txn) ElectionTimeout() time.Duration {
	return t.s.electionTimeout
}
// RegenerateElectionTimeout draws a fresh randomized timeout, called on
// every transition into candidate to decorrelate retried elections.
func (t *Txn) RegenerateElectionTimeout() {
	t.s.electionTimeout = t.s.clock.RandomElectionTimeout()
}
func (t *Txn) Peers() []string {
	out := make([]string, 0, len(t.s.peers))
	for p := range t.s.peers {
		out = append(out, p)
	}
	return out
}
func (t *Txn) NextIndex(peer string) int { return t.s.nextIndex[peer] }
func (t *Txn) SetNextIndex(peer string, n int) {
	if n < 0 {
		n = 0
	}
	t.s.nextIndex[peer] = n
}
func (t *Txn) InitNextIndexForAllPeers(logLen int) {
	for p := range t.s.peers {
		t.s.nextIndex[p] = logLen
	}
}

func (s *State) WithLock(fn func(*Txn)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&Txn{s: s})
}

// ElapsedSinceHeartbeat reports how long it has been since the last recognized contact
// from a leader, or grant of a vote.
func (s *State) ElapsedSinceHeartbeat() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock.Now().Sub(s.lastHeartbeat)
}

func (s *State) ElectionTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.electionTimeout
}
