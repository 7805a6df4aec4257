// Package supervisor builds and owns an in-process cluster of nodes: it
// is the Go equivalent of original_source/main.py's create_network /
// start_network / stop_network / start_new_node, generalized so a single
// process can host many nodes at once (spec.md §3's deployment model —
// one node per process — collapses naturally to this when every node's
// host is "localhost" in the same binary).
//
// Per node, the supervisor starts the four workers spec.md §5 names:
// the dispatcher, the heartbeat/election driver pair (both owned by
// consensus.Engine.Start), and the client acceptor (gateway.Serve).
package supervisor

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mathdee/raftkv/internal/clock"
	"github.com/mathdee/raftkv/internal/consensus"
	"github.com/mathdee/raftkv/internal/gateway"
	"github.com/mathdee/raftkv/internal/kvlog"
	"github.com/mathdee/raftkv/internal/metrics"
	"github.com/mathdee/raftkv/internal/node"
	"github.com/mathdee/raftkv/internal/transport"
)

// clientPortOffset is the original's port+100 convention
// (original_source/node.py): the client-stream socket always sits 100
// ports above the peer-channel socket on the same host.
const clientPortOffset = 100

// httpPortOffset mirrors the teacher's cmd/server/main.go convention
// (tcpPort+1000) for the optional observability HTTP endpoint.
const httpPortOffset = 1000

// NodeHandle is everything the supervisor owns for one running node.
type NodeHandle struct {
	ID      string
	Addr    string // peer-channel address, host:port
	Engine  *consensus.Engine
	Metrics *metrics.Metrics
	peer    *transport.Peer
	client  *transport.Client
}

// Stop tears down one node's sockets and worker goroutines.
func (h *NodeHandle) Stop() {
	h.Engine.Stop()
	h.client.Close()
}

// Supervisor is the cluster lifecycle manager. It implements
// consensus.LocalSpawner so a leader's AddNode can ask it to bring up a
// new node in-process when the new address is local to this host.
type Supervisor struct {
	mu    sync.Mutex
	host  string
	nodes map[string]*NodeHandle // keyed by peer-channel addr
	clock clock.Clock
	logf  *logrus.Entry
}

func New(host string, logf *logrus.Entry) *Supervisor {
	return &Supervisor{
		host:  host,
		nodes: make(map[string]*NodeHandle),
		clock: clock.Real{},
		logf:  logf,
	}
}

// StartCluster brings up one node per port, each peered with every other
// (original_source/main.py's create_network), and starts every worker.
// Returns the handles in port order.
func (s *Supervisor) StartCluster(ports []int) ([]*NodeHandle, error) {
	addrs := make([]string, len(ports))
	for i, p := range ports {
		addrs[i] = fmt.Sprintf("%s:%d", s.host, p)
	}

	handles := make([]*NodeHandle, 0, len(ports))
	for i, port := range ports {
		peers := make([]string, 0, len(addrs)-1)
		for j, a := range addrs {
			if j != i {
				peers = append(peers, a)
			}
		}
		h, err := s.startNode(fmt.Sprintf("Node_%d", i+1), s.host, port, peers)
		if err != nil {
			s.StopAll()
			return nil, errors.Wrapf(err, "start node on port %d", port)
		}
		handles = append(handles, h)
	}
	return handles, nil
}

func (s *Supervisor) startNode(id, host string, port int, peers []string) (*NodeHandle, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	log := s.logf.WithField("node", id)

	peerConn, err := transport.ListenPeer(host, port, log)
	if err != nil {
		return nil, errors.Wrap(err, "listen peer channel")
	}
	clientConn, err := transport.ListenClient(host, port+clientPortOffset, log)
	if err != nil {
		peerConn.Close()
		return nil, errors.Wrap(err, "listen client channel")
	}

	st := node.New(id, addr, peers, s.clock)
	lg := kvlog.New()
	engine := consensus.New(st, lg, peerConn, s.clock, log)
	engine.SetLocalSpawner(s)
	m := metrics.New()

	h := &NodeHandle{ID: id, Addr: addr, Engine: engine, Metrics: m, peer: peerConn, client: clientConn}

	s.mu.Lock()
	s.nodes[addr] = h
	s.mu.Unlock()

	engine.Start()
	gw := gateway.New(engine, clientConn, m, log)
	go gw.Serve()

	httpSrv := metrics.NewHTTPServer(engine, m, log)
	go func() {
		if err := httpSrv.Start(fmt.Sprintf("%s:%d", host, port+httpPortOffset)); err != nil {
			log.WithError(err).Debug("metrics http server stopped")
		}
	}()

	log.WithField("addr", addr).Info("node started")
	return h, nil
}

// SpawnLocal implements consensus.LocalSpawner. It only brings up a node
// when addr's host matches the host this supervisor serves and no node
// is already registered there — mirroring original_source/main.py's
// start_new_node, generalized to run inside the same process as the
// rest of the cluster instead of a dedicated goroutine invoked from the
// CLI. The new node starts with an empty peer set; it follows whichever
// leader sends it append-entries, and nothing adds peers to its own set
// afterwards.
func (s *Supervisor) SpawnLocal(addr string) {
	s.mu.Lock()
	_, exists := s.nodes[addr]
	s.mu.Unlock()
	if exists {
		return
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil || host != s.host {
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return
	}

	s.logf.WithField("addr", addr).Info("spawning new node in-process for add-node")
	if _, err := s.startNode(addr, host, port, nil); err != nil {
		s.logf.WithError(err).WithField("addr", addr).Warn("failed to spawn local node")
	}
}

// StopAll stops every node the supervisor has started; the order in which
// nodes are stopped is not defined. Safe to call more than once.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	handles := make([]*NodeHandle, 0, len(s.nodes))
	for _, h := range s.nodes {
		handles = append(handles, h)
	}
	s.nodes = make(map[string]*NodeHandle)
	s.mu.Unlock()

	for _, h := range handles {
		h.Stop()
	}
}
