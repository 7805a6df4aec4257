// Package consensus is the hard center of the system: the election
// driver, heartbeat driver, append-entries producer/consumer, message
// dispatcher, commit advancer, and membership mutator described in
// spec.md §4.3. It opens no sockets itself — the peer socket comes from
// internal/transport — so tests hand it a loopback-bound Peer and call
// its handlers directly.
package consensus

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mathdee/raftkv/internal/clock"
	"github.com/mathdee/raftkv/internal/kvlog"
	"github.com/mathdee/raftkv/internal/node"
	"github.com/mathdee/raftkv/internal/transport"
)

// LocalSpawner is implemented by the cluster supervisor: when ADD-NODE
// names an address the supervisor itself can host, it spawns a new node
// in-process rather than assuming an externally started peer (spec.md
// §4.3.5).
type LocalSpawner interface {
	SpawnLocal(addr string)
}

// Engine drives one node's participation in the cluster. It is safe for
// concurrent use; its own mutations to node.State are serialized through
// State's lock, and the operation log serializes its own writers.
type Engine struct {
	state *node.State
	log   *kvlog.Log
	peer  *transport.Peer
	clock clock.Clock
	logf  *logrus.Entry

	spawner LocalSpawner

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New constructs an Engine. The node starts in the follower role per
// spec.md §3 "Lifecycle" — Start begins the worker loops.
func New(state *node.State, log *kvlog.Log, peer *transport.Peer, c clock.Clock, logf *logrus.Entry) *Engine {
	return &Engine{
		state: state,
		log:   log,
		peer:  peer,
		clock: c,
		logf:  logf,
	}
}

// SetLocalSpawner wires the cluster supervisor so AddNode can spawn new
// nodes in-process when it hosts the target address.
func (e *Engine) SetLocalSpawner(s LocalSpawner) {
	e.spawner = s
}

// State exposes the underlying node state. The gateway and metrics
// endpoint read through the accessors in accessors.go instead.
func (e *Engine) State() *node.State { return e.state }

// Log exposes the underlying operation log / state machine.
func (e *Engine) Log() *kvlog.Log { return e.log }

// Start launches the dispatcher, heartbeat driver, and election watchdog
// — three of the cluster supervisor's four per-node workers (the fourth,
// the client acceptor, lives in internal/gateway).
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.mu.Unlock()

	e.wg.Add(3)
	go func() { defer e.wg.Done(); e.runDispatcher() }()
	go func() { defer e.wg.Done(); e.runHeartbeatDriver() }()
	go func() { defer e.wg.Done(); e.runElectionWatchdog() }()
}

// Stop is orderly and idempotent: it flips running off, closes the peer
// socket (which unblocks the dispatcher's read), and waits for every
// worker loop to observe closure and return.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()

	e.peer.Close()
	e.wg.Wait()
	e.log.Close()
}

func (e *Engine) isRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) runDispatcher() {
	e.peer.Serve(e.handleMessage)
}
