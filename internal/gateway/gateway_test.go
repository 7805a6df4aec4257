package gateway

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/mathdee/raftkv/internal/clock"
	"github.com/mathdee/raftkv/internal/consensus"
	"github.com/mathdee/raftkv/internal/kvlog"
	"github.com/mathdee/raftkv/internal/node"
	"github.com/mathdee/raftkv/internal/transport"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(l)
}

// newTestGateway builds an engine with no peers (so mutations apply and
// commit with no replication to wait on), in the leader role when leader
// is true and as a follower otherwise, bound to an ephemeral loopback
// peer port. The gateway gets no client listener; tests call dispatch.
func newTestGateway(t *testing.T, leader bool) (*Gateway, *consensus.Engine) {
	t.Helper()
	peerConn, err := transport.ListenPeer("127.0.0.1", 0, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { peerConn.Close() })

	st := node.New("n1", peerConn.LocalAddr(), nil, clock.Real{})
	lg := kvlog.New()
	t.Cleanup(lg.Close)
	engine := consensus.New(st, lg, peerConn, clock.Real{}, testLogger())
	if leader {
		st.WithLock(func(tx *node.Txn) { tx.SetRole(node.Leader) })
	}

	gw := New(engine, nil, nil, testLogger())
	return gw, engine
}

func TestDispatchPutGetUpdateDelete(t *testing.T) {
	gw, _ := newTestGateway(t, true)

	require.Equal(t, "SUCCESS: color -> blue added.", gw.dispatch(testLogger(), []string{"PUT", "color", "blue"}))
	require.Equal(t, "color -> blue", gw.dispatch(testLogger(), []string{"GET", "color"}))
	require.Equal(t, "SUCCESS: color updated to red.", gw.dispatch(testLogger(), []string{"UPDATE", "color", "red"}))
	require.Equal(t, "color -> red", gw.dispatch(testLogger(), []string{"GET", "color"}))
	require.Equal(t, "SUCCESS: color removed.", gw.dispatch(testLogger(), []string{"DELETE", "color"}))
	require.Equal(t, "ERROR: Key not found.", gw.dispatch(testLogger(), []string{"GET", "color"}))
}

func TestDispatchPutDuplicateKey(t *testing.T) {
	gw, _ := newTestGateway(t, true)
	gw.dispatch(testLogger(), []string{"PUT", "k", "v"})

	require.Equal(t, "ERROR: Key already exists.", gw.dispatch(testLogger(), []string{"PUT", "k", "v2"}))
}

func TestDispatchInvalidCommandFormat(t *testing.T) {
	gw, _ := newTestGateway(t, true)

	require.Equal(t, "ERROR: Invalid command format.", gw.dispatch(testLogger(), []string{"PUT", "onlykey"}))
	require.Equal(t, "ERROR: Invalid command format.", gw.dispatch(testLogger(), []string{"BOGUS"}))
}

func TestDispatchMutationOnFollowerReportsNotLeader(t *testing.T) {
	gw, _ := newTestGateway(t, false)

	resp := gw.dispatch(testLogger(), []string{"PUT", "k", "v"})
	require.Equal(t, "ERROR: Not the leader. Current leader is None", resp)
}

func TestDispatchStatusAndLogsWhenEmpty(t *testing.T) {
	gw, _ := newTestGateway(t, true)

	require.Equal(t, "Database is empty.", gw.dispatch(testLogger(), []string{"STATUS"}))
	require.Equal(t, "Logs are empty.", gw.dispatch(testLogger(), []string{"LOGS"}))
}

func TestDispatchStatusListsSortedKeys(t *testing.T) {
	gw, _ := newTestGateway(t, true)
	gw.dispatch(testLogger(), []string{"PUT", "zebra", "1"})
	gw.dispatch(testLogger(), []string{"PUT", "alpha", "2"})

	require.Equal(t, "Database keys: alpha, zebra", gw.dispatch(testLogger(), []string{"STATUS"}))
}

func TestDispatchAddNodeRejectsBadAddress(t *testing.T) {
	gw, _ := newTestGateway(t, true)
	require.Equal(t, "ERROR: Invalid address format. Use host:port.", gw.dispatch(testLogger(), []string{"ADD-NODE", "not-an-addr"}))
}

func TestDispatchClusterStatusRequiresLeader(t *testing.T) {
	gw, _ := newTestGateway(t, false)
	require.Equal(t, "ERROR: Not the leader. Current leader is None", gw.dispatch(testLogger(), []string{"CLUSTER-STATUS"}))
}

// TestSessionBannerOrdering exercises the full TCP session path: the
// control-commands banner precedes the generic welcome banner when the
// node is leader at accept time.
func TestSessionBannerOrdering(t *testing.T) {
	client, err := transport.ListenClient("127.0.0.1", 0, testLogger())
	require.NoError(t, err)
	defer client.Close()

	peerConn, err := transport.ListenPeer("127.0.0.1", 0, testLogger())
	require.NoError(t, err)
	defer peerConn.Close()
	st := node.New("n1", peerConn.LocalAddr(), nil, clock.Real{})
	st.WithLock(func(tx *node.Txn) { tx.SetRole(node.Leader) })
	lg := kvlog.New()
	defer lg.Close()
	engine := consensus.New(st, lg, peerConn, clock.Real{}, testLogger())
	gw := New(engine, client, nil, testLogger())
	go gw.Serve()

	conn, err := net.DialTimeout("tcp", client.Addr().String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line1, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line1, "Control cluster commands")

	line2, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line2, "Welcome to the Node database")
}
