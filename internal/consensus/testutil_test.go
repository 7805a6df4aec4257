package consensus

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/mathdee/raftkv/internal/kvlog"
	"github.com/mathdee/raftkv/internal/node"
	"github.com/mathdee/raftkv/internal/transport"
)

// fakeClock gives every test a controllable, instantaneous time source.
// Most tests never start the engine's worker loops; the membership tests
// that call Start rely on the frozen Now() keeping the election watchdog
// from ever seeing its timeout elapse.
type fakeClock struct {
	t time.Time
}

func (f *fakeClock) Now() time.Time                      { return f.t }
func (f *fakeClock) RandomElectionTimeout() time.Duration { return 3 * time.Second }

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(l)
}

// newTestEngine builds a real Engine bound to a loopback UDP socket
// (so Send/Broadcast actually transmit) with peers as given, but never
// calls Start — tests drive the engine's handlers directly for
// determinism.
func newTestEngine(t *testing.T, id string, peers []string) (*Engine, *fakeClock) {
	t.Helper()
	peerConn, err := transport.ListenPeer("127.0.0.1", 0, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { peerConn.Close() })

	c := &fakeClock{t: time.Unix(1000, 0)}
	st := node.New(id, peerConn.LocalAddr(), peers, c)
	lg := kvlog.New()
	t.Cleanup(lg.Close)

	return New(st, lg, peerConn, c, testLogger()), c
}

// capture binds a bare loopback UDP socket and returns its address plus a
// function that blocks for a single decoded Message sent to it — used to
// assert on a handler's reply without starting the engine's dispatcher.
func capture(t *testing.T) (addr string, recv func() transport.Message) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	recv = func() transport.Message {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, 2048)
		n, _, err := conn.ReadFromUDP(buf)
		require.NoError(t, err)
		var msg transport.Message
		require.NoError(t, json.Unmarshal(buf[:n], &msg))
		return msg
	}
	return conn.LocalAddr().String(), recv
}
