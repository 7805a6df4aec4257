// Package kvlog implements the append-only operation log and the
// in-memory key-value state machine it drives. Entries are immutable
// once committed; the state machine is a passive collaborator mutated
// only by CommitTo — it never calls back into the consensus engine.
package kvlog

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Operation names the mutation a Entry carries.
type Operation string

const (
	OpSet    Operation = "SET"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Entry is a single, immutable record in the operation log.
type Entry struct {
	Term      uint64    `json:"term"`
	Operation Operation `json:"operation"`
	Key       string    `json:"key"`
	Value     string    `json:"value,omitempty"` // absent (empty) for DELETE
}

// ApplyResult is the outcome of applying one Entry to the state machine.
// Applied is always true once CommitTo has consumed the entry — a
// duplicate SET or a missing-key UPDATE/DELETE still advances the log,
// it just reports Err alongside.
type ApplyResult struct {
	Index   int
	Entry   Entry
	Applied bool
	Err     error
}

var (
	// ErrKeyExists is returned (not fatal) when SET targets an existing key.
	ErrKeyExists = errors.New("key already exists")
	// ErrKeyNotFound is returned (not fatal) when UPDATE/DELETE targets a
	// missing key, or when GET misses.
	ErrKeyNotFound = errors.New("key not found")
	// ErrTruncateCommitted guards the invariant that committed history is
	// immutable.
	ErrTruncateCommitted = errors.New("cannot truncate committed log entries")
)

type pendingAppend struct {
	entry Entry
	done  chan int
}

// Log is the per-node append-only entry sequence plus the key-value
// store it applies into. A single mutex of its own (a log lock, separate
// from node.State's state lock) guards both, since append-entries (from the dispatcher) and
// client-initiated append (from the gateway) must never interleave an
// entry.
//
// Concurrent Append calls are batched before taking the lock, the same
// group-commit shape the teacher's WAL used to amortize fsyncs — here
// there is no disk to sync, so the batching instead amortizes lock
// contention under concurrent client sessions while keeping entries
// from the same request atomic.
type Log struct {
	mu          sync.Mutex
	entries     []Entry
	commitIndex int // -1 until the first entry commits
	store       map[string]string
	results     map[int]ApplyResult // index -> outcome of applying it, for callers that raced another CommitTo

	pendingMu sync.Mutex
	pending   []pendingAppend
	kick      chan struct{}
	closeCh   chan struct{}
	closeOnce sync.Once
}

// New returns an empty Log with an empty state machine.
func New() *Log {
	l := &Log{
		commitIndex: -1,
		store:       make(map[string]string),
		results:     make(map[int]ApplyResult),
		kick:        make(chan struct{}, 1),
		closeCh:     make(chan struct{}),
	}
	go l.flushLoop()
	return l
}

func (l *Log) flushLoop() {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-l.kick:
			l.flush()
		case <-ticker.C:
			l.flush()
		case <-l.closeCh:
			l.flush()
			return
		}
	}
}

func (l *Log) flush() {
	l.pendingMu.Lock()
	if len(l.pending) == 0 {
		l.pendingMu.Unlock()
		return
	}
	batch := l.pending
	l.pending = nil
	l.pendingMu.Unlock()

	indices := make([]int, len(batch))
	l.mu.Lock()
	for i := range batch {
		indices[i] = len(l.entries)
		l.entries = append(l.entries, batch[i].entry)
	}
	l.mu.Unlock()

	for i, pw := range batch {
		pw.done <- indices[i]
	}
}

// Append pushes entry at the tail and returns its index. Safe for
// concurrent use by multiple client sessions.
func (l *Log) Append(entry Entry) int {
	done := make(chan int, 1)
	pw := pendingAppend{entry: entry, done: done}

	l.pendingMu.Lock()
	l.pending = append(l.pending, pw)
	l.pendingMu.Unlock()

	select {
	case l.kick <- struct{}{}:
	default:
	}
	return <-done
}

// AppendBatch appends entries in order, in one step under the lock,
// without the group-commit delay. The follower append-entries path does
// not use it; that path goes through ReconcileAppend.
func (l *Log) AppendBatch(entries []Entry) {
	if len(entries) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entries...)
}

// Len returns the number of entries in the log.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// LastIndex returns the index of the final entry, or -1 if the log is empty.
func (l *Log) LastIndex() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries) - 1
}

// LastTerm returns the term of the final entry, or 0 if the log is empty.
func (l *Log) LastTerm() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].Term
}

// EntryAt returns the entry at index i, or false if out of range.
func (l *Log) EntryAt(i int) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i < 0 || i >= len(l.entries) {
		return Entry{}, false
	}
	return l.entries[i], true
}

// TermAt returns the term of the entry at index i, or 0 if i is -1
// (meaning "before the log begins").
func (l *Log) TermAt(i int) (uint64, bool) {
	if i < 0 {
		return 0, true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if i >= len(l.entries) {
		return 0, false
	}
	return l.entries[i].Term, true
}

// CommitIndex returns the highest committed index, or -1 if nothing has
// committed yet.
func (l *Log) CommitIndex() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.commitIndex
}

// EntriesFrom returns a snapshot copy of entries[start:], clamped to the
// current log bounds. Used by the replication producer to build
// append-entries bursts.
func (l *Log) EntriesFrom(start int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if start < 0 {
		start = 0
	}
	if start >= len(l.entries) {
		return nil
	}
	out := make([]Entry, len(l.entries)-start)
	copy(out, l.entries[start:])
	return out
}

// Entries returns a snapshot copy of the full log, for LOGS / CLUSTER-STATUS.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// CommitTo applies log[commitIndex+1 .. min(target, lastIndex)] to the
// state machine, in order, advancing commitIndex as it goes. Returns the
// ApplyResult for every entry it applied during this call (empty if
// target <= commitIndex already).
func (l *Log) CommitTo(target int) []ApplyResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	lastIdx := len(l.entries) - 1
	if target > lastIdx {
		target = lastIdx
	}
	var results []ApplyResult
	for i := l.commitIndex + 1; i <= target; i++ {
		entry := l.entries[i]
		res := l.applyLocked(i, entry)
		results = append(results, res)
		l.results[i] = res
		l.commitIndex = i
	}
	return results
}

// ResultAt returns the recorded apply outcome for index, if it has been
// committed — by this call or by a concurrently racing one.
func (l *Log) ResultAt(index int) (ApplyResult, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.results[index]
	return r, ok
}

// applyLocked mutates the store per entry.Operation. Must be called with
// l.mu held. SET inserts only when absent; UPDATE/DELETE require
// presence. Failure never alters the store, but the entry is still
// considered applied (consumed) per spec.md §4.2.
func (l *Log) applyLocked(index int, entry Entry) ApplyResult {
	res := ApplyResult{Index: index, Entry: entry, Applied: true}
	switch entry.Operation {
	case OpSet:
		if _, exists := l.store[entry.Key]; exists {
			res.Err = ErrKeyExists
			return res
		}
		l.store[entry.Key] = entry.Value
	case OpUpdate:
		if _, exists := l.store[entry.Key]; !exists {
			res.Err = ErrKeyNotFound
			return res
		}
		l.store[entry.Key] = entry.Value
	case OpDelete:
		if _, exists := l.store[entry.Key]; !exists {
			res.Err = ErrKeyNotFound
			return res
		}
		delete(l.store, entry.Key)
	}
	return res
}

// ReconcileAppend implements the follower side of append-entries
// (spec.md §4.3.4 steps 3-5): it rejects when prevLogIndex is beyond the
// log or the term at prevLogIndex disagrees, and otherwise merges
// entries at their target indices — truncating a conflicting suffix
// before appending, leaving already-matching entries untouched. It never
// truncates at or below commitIndex, preserving the "committed entries
// are immutable" invariant even if a caller violates Raft's election
// safety guarantee.
func (l *Log) ReconcileAppend(prevLogIndex int, prevLogTerm uint64, entries []Entry) (ok bool, matchIndex int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if prevLogIndex >= len(l.entries) {
		return false, len(l.entries)
	}
	if prevLogIndex >= 0 && l.entries[prevLogIndex].Term != prevLogTerm {
		return false, len(l.entries)
	}

	for i, e := range entries {
		k := prevLogIndex + 1 + i
		switch {
		case k <= l.commitIndex:
			// Already committed and therefore immutable; trust that it
			// matches rather than corrupt committed history.
		case k < len(l.entries):
			if l.entries[k].Term != e.Term {
				l.entries = l.entries[:k]
				l.entries = append(l.entries, e)
			}
		default:
			l.entries = append(l.entries, e)
		}
	}
	return true, len(l.entries)
}

// TruncateSuffix discards entries at indices >= from. Only legal when
// from > commitIndex — committed history is immutable.
func (l *Log) TruncateSuffix(from int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if from <= l.commitIndex {
		return errors.Wrapf(ErrTruncateCommitted, "from=%d commitIndex=%d", from, l.commitIndex)
	}
	if from < 0 {
		from = 0
	}
	if from < len(l.entries) {
		l.entries = l.entries[:from]
	}
	return nil
}

// Get reads a key from the state machine.
func (l *Log) Get(key string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	val, ok := l.store[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	return val, nil
}

// Keys returns a snapshot of all keys currently in the store, for STATUS.
func (l *Log) Keys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	keys := make([]string, 0, len(l.store))
	for k := range l.store {
		keys = append(keys, k)
	}
	return keys
}

// Close stops the background flush loop. Idempotent.
func (l *Log) Close() {
	l.closeOnce.Do(func() { close(l.closeCh) })
}
