// Package gateway implements the client-facing line protocol of
// spec.md §4.4 and §6.1: PUT/GET/UPDATE/DELETE/STATUS/LOGS/ADD-NODE/
// REMOVE-NODE/CLUSTER-STATUS over a per-connection TCP session. Reads
// are answered locally; mutations are admitted only when this node's
// role is leader, and accepted mutations flow leader -> log -> apply
// (spec.md §9: the state machine never calls back into the engine).
package gateway

import (
	"bufio"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mathdee/raftkv/internal/consensus"
	"github.com/mathdee/raftkv/internal/kvlog"
	"github.com/mathdee/raftkv/internal/metrics"
	"github.com/mathdee/raftkv/internal/transport"
)

const (
	welcomeBanner = "Welcome to the Node database. Commands: PUT key value, GET key, UPDATE key value, DELETE key, STATUS\n"
	controlBanner = "Control cluster commands: ADD-NODE [new node ip], REMOVE-NODE [node ip], CLUSTER-STATUS\n"
)

// Gateway owns the client-channel listener and dispatches each accepted
// session's line protocol against a consensus Engine.
type Gateway struct {
	engine  *consensus.Engine
	client  *transport.Client
	metrics *metrics.Metrics
	logf    *logrus.Entry
}

// New constructs a Gateway. m may be nil — metrics recording is then
// skipped, which is how tests drive the gateway without observability
// wiring.
func New(engine *consensus.Engine, client *transport.Client, m *metrics.Metrics, logf *logrus.Entry) *Gateway {
	return &Gateway{engine: engine, client: client, metrics: m, logf: logf}
}

// Serve is the cluster supervisor's fourth worker: the client acceptor.
func (g *Gateway) Serve() {
	g.client.Serve(g.handleSession)
}

func (g *Gateway) handleSession(conn net.Conn) {
	defer conn.Close()
	sessionID := uuid.NewString()
	log := g.logf.WithField("session", sessionID)
	log.WithField("remote", conn.RemoteAddr()).Info("client connected")

	// Banner ordering (original_source/client.py): the leader-only
	// control-commands banner is sent first, and only if this node is
	// leader at accept time; it is not retracted if the node later
	// steps down mid-session.
	if g.engine.IsLeader() {
		conn.Write([]byte(controlBanner))
	}
	conn.Write([]byte(welcomeBanner))

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		start := time.Now()
		response := g.dispatch(log, strings.Fields(line))
		if g.metrics != nil {
			if strings.HasPrefix(response, "ERROR:") {
				g.metrics.RecordFailure()
			} else {
				g.metrics.RecordSuccess(time.Since(start))
			}
		}
		if _, err := conn.Write([]byte(response + "\n")); err != nil {
			log.WithError(err).Debug("client write failed, closing session")
			return
		}
	}
}

// dispatch implements spec.md §6.1: command arity is validated before
// the leader-only gate is even consulted, so a malformed leader-only
// command on a follower still reports "Invalid command format", not
// "Not the leader".
func (g *Gateway) dispatch(log *logrus.Entry, parts []string) string {
	if len(parts) == 0 {
		return "ERROR: Invalid command format."
	}
	cmd := strings.ToUpper(parts[0])

	switch cmd {
	case "PUT":
		if len(parts) != 3 {
			return "ERROR: Invalid command format."
		}
		return g.mutate(kvlog.OpSet, parts[1], parts[2])

	case "GET":
		if len(parts) != 2 {
			return "ERROR: Invalid command format."
		}
		return g.get(parts[1])

	case "UPDATE":
		if len(parts) != 3 {
			return "ERROR: Invalid command format."
		}
		return g.mutate(kvlog.OpUpdate, parts[1], parts[2])

	case "DELETE":
		if len(parts) != 2 {
			return "ERROR: Invalid command format."
		}
		return g.mutate(kvlog.OpDelete, parts[1], "")

	case "STATUS":
		if len(parts) != 1 {
			return "ERROR: Invalid command format."
		}
		return g.status()

	case "LOGS":
		if len(parts) != 1 {
			return "ERROR: Invalid command format."
		}
		return g.logs()

	case "ADD-NODE":
		if len(parts) != 2 {
			return "ERROR: Invalid command format."
		}
		return g.addNode(parts[1])

	case "REMOVE-NODE":
		if len(parts) != 2 {
			return "ERROR: Invalid command format."
		}
		return g.removeNode(parts[1])

	case "CLUSTER-STATUS":
		if len(parts) != 1 {
			return "ERROR: Invalid command format."
		}
		return g.clusterStatus()

	default:
		return "ERROR: Invalid command format."
	}
}

func (g *Gateway) notLeaderError() string {
	hint := g.engine.LeaderHint()
	if hint == "" {
		hint = "None"
	}
	return "ERROR: Not the leader. Current leader is " + hint
}

func (g *Gateway) mutate(op kvlog.Operation, key, value string) string {
	result, err := g.engine.AppendMutation(op, key, value)
	if err != nil {
		if errors.Is(err, consensus.ErrNotLeader) {
			return g.notLeaderError()
		}
		return "ERROR: " + err.Error()
	}

	switch {
	case errors.Is(result.Err, kvlog.ErrKeyExists):
		return "ERROR: Key already exists."
	case errors.Is(result.Err, kvlog.ErrKeyNotFound):
		return "ERROR: Key not found."
	}

	switch op {
	case kvlog.OpSet:
		return fmt.Sprintf("SUCCESS: %s -> %s added.", key, value)
	case kvlog.OpUpdate:
		return fmt.Sprintf("SUCCESS: %s updated to %s.", key, value)
	case kvlog.OpDelete:
		return fmt.Sprintf("SUCCESS: %s removed.", key)
	}
	return "ERROR: Invalid command format."
}

func (g *Gateway) get(key string) string {
	val, err := g.engine.Log().Get(key)
	if err != nil {
		return "ERROR: Key not found."
	}
	return fmt.Sprintf("%s -> %s", key, val)
}

func (g *Gateway) status() string {
	keys := g.engine.Log().Keys()
	if len(keys) == 0 {
		return "Database is empty."
	}
	sort.Strings(keys)
	return "Database keys: " + strings.Join(keys, ", ")
}

func (g *Gateway) logs() string {
	entries := g.engine.Log().Entries()
	if len(entries) == 0 {
		return "Logs are empty."
	}
	lines := make([]string, 0, len(entries)+1)
	lines = append(lines, "Database logs:")
	for i, e := range entries {
		lines = append(lines, fmt.Sprintf("Index: %d, Term: %d, Operation: %s, Key: %s, Value: %s",
			i, e.Term, e.Operation, e.Key, e.Value))
	}
	return strings.Join(lines, "\n")
}

func (g *Gateway) addNode(addr string) string {
	if err := g.engine.AddNode(addr); err != nil {
		return addressErrorResponse(g, err)
	}
	return fmt.Sprintf("SUCCESS: Node %s added to cluster.", addr)
}

func (g *Gateway) removeNode(addr string) string {
	if err := g.engine.RemoveNode(addr); err != nil {
		return addressErrorResponse(g, err)
	}
	return fmt.Sprintf("SUCCESS: Node %s removed from cluster.", addr)
}

func addressErrorResponse(g *Gateway, err error) string {
	switch {
	case errors.Is(err, consensus.ErrNotLeader):
		return g.notLeaderError()
	case errors.Is(err, consensus.ErrInvalidAddress):
		return "ERROR: Invalid address format. Use host:port."
	default:
		return "ERROR: " + err.Error()
	}
}

func (g *Gateway) clusterStatus() string {
	if !g.engine.IsLeader() {
		return g.notLeaderError()
	}
	lines := []string{
		fmt.Sprintf("Node: %s", g.engine.ID()),
		fmt.Sprintf("Role: %s", g.engine.Role()),
		fmt.Sprintf("Term: %d", g.engine.Term()),
		fmt.Sprintf("Commit index: %d", g.engine.CommitIndex()),
		fmt.Sprintf("Log length: %d", g.engine.LogLength()),
	}
	peers := g.engine.Peers()
	sort.Strings(peers)
	if len(peers) == 0 {
		lines = append(lines, "Peers: none")
	} else {
		lines = append(lines, "Peers:")
		for _, p := range peers {
			ni, _ := g.engine.PeerCursor(p)
			lines = append(lines, fmt.Sprintf("  %s next_index=%d", p, ni))
		}
	}
	return strings.Join(lines, "\n")
}
