package transport

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/mathdee/raftkv/internal/kvlog"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(l)
}

func TestMessageRoundTripsThroughJSON(t *testing.T) {
	msg := Message{
		Type:         AppendEntries,
		Term:         7,
		LeaderID:     "leader-1",
		PrevLogIndex: 3,
		PrevLogTerm:  6,
		Entries: []kvlog.Entry{
			{Term: 7, Operation: kvlog.OpSet, Key: "k", Value: "v"},
		},
		LeaderCommit: 2,
	}

	encoded, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	require.Equal(t, msg.Type, decoded.Type)
	require.Equal(t, msg.Term, decoded.Term)
	require.Equal(t, msg.Entries, decoded.Entries)
}

// listenPeerRoundTrip sends msg over a loopback Peer pair and returns
// (sent, received).
func listenPeerRoundTrip(t *testing.T, msg Message) (Message, Message) {
	t.Helper()
	p1, err := ListenPeer("127.0.0.1", 0, testLogger())
	require.NoError(t, err)
	defer p1.Close()
	p2, err := ListenPeer("127.0.0.1", 0, testLogger())
	require.NoError(t, err)
	defer p2.Close()

	received := make(chan Message, 1)
	go func() {
		p2.Serve(func(from string, m Message) {
			received <- m
		})
	}()

	p1.Send(p2.LocalAddr(), msg)

	select {
	case got := <-received:
		return msg, got
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for peer message")
		return Message{}, Message{}
	}
}

func TestPeerSendAndServeRoundTrip(t *testing.T) {
	sent, got := listenPeerRoundTrip(t, Message{
		Type:     RequestVote,
		Term:     1,
		CandidateID: "c1",
		LastLogIndex: -1,
	})
	require.Equal(t, sent.Type, got.Type)
	require.Equal(t, sent.CandidateID, got.CandidateID)
}

func TestPeerServeExitsOnClose(t *testing.T) {
	p, err := ListenPeer("127.0.0.1", 0, testLogger())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		p.Serve(func(string, Message) {})
		close(done)
	}()

	require.NoError(t, p.Close())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
}

func TestClientServeDispatchesEachConnectionOnItsOwnGoroutine(t *testing.T) {
	c, err := ListenClient("127.0.0.1", 0, testLogger())
	require.NoError(t, err)
	defer c.Close()

	handled := make(chan string, 2)
	go c.Serve(func(conn net.Conn) {
		defer conn.Close()
		buf := make([]byte, 16)
		n, _ := conn.Read(buf)
		handled <- string(buf[:n])
	})

	// The first session stays silent, so its handler blocks in Read; the
	// second is only handled if it runs on a goroutine of its own.
	first, err := net.DialTimeout("tcp", c.Addr().String(), time.Second)
	require.NoError(t, err)
	defer first.Close()

	conn, err := net.DialTimeout("tcp", c.Addr().String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()
	conn.Write([]byte("hello"))

	select {
	case got := <-handled:
		require.Equal(t, "hello", got)
	case <-time.After(2 * time.Second):
		t.Fatal("client session was never handled")
	}
}
