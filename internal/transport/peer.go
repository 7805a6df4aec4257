// Package transport implements the two node endpoints described in
// spec.md §4.1: a connectionless, best-effort, message-oriented peer
// channel (UDP) and a reliable bidirectional client stream channel
// (TCP). Peer messages carry no authentication — remove_node / stop_node
// can be spoofed or replayed by anyone who can reach the socket; this is
// an explicit, called-out gap (spec.md §9), not an oversight.
package transport

import (
	"encoding/json"
	"net"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Handler processes one inbound peer message. It must not block — the
// receive loop is single-threaded per node.
type Handler func(from string, msg Message)

// Peer is the UDP peer-channel endpoint.
type Peer struct {
	conn *net.UDPConn
	log  *logrus.Entry
}

// ListenPeer binds the peer channel at host:port (spec.md §4.1 port P).
func ListenPeer(host string, port int, log *logrus.Entry) (*Peer, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, errors.Wrap(err, "resolve peer listen address")
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "bind peer socket")
	}
	return &Peer{conn: conn, log: log}, nil
}

// Send is fire-and-forget and non-blocking from the caller's standpoint:
// transmission happens on its own goroutine, and failures are logged,
// never propagated — a lost or undeliverable datagram does not mutate
// any node state (spec.md §4.1, §7).
func (p *Peer) Send(to string, msg Message) {
	go func() {
		addr, err := net.ResolveUDPAddr("udp", to)
		if err != nil {
			p.log.WithError(err).WithField("to", to).Warn("peer send: bad address")
			return
		}
		payload, err := json.Marshal(msg)
		if err != nil {
			p.log.WithError(err).Warn("peer send: encode failed")
			return
		}
		if len(payload) > MaxDatagramSize {
			p.log.WithField("size", len(payload)).Warn("peer send: payload exceeds datagram budget")
		}
		if _, err := p.conn.WriteToUDP(payload, addr); err != nil {
			p.log.WithError(err).WithField("to", to).Debug("peer send: write failed")
		}
	}()
}

// Broadcast sends msg to every address in to.
func (p *Peer) Broadcast(to []string, msg Message) {
	for _, addr := range to {
		p.Send(addr, msg)
	}
}

// Serve reads datagrams until the socket is closed, dispatching each
// decoded message to handle. Malformed datagrams and unknown types are
// logged and discarded — a protocol violation never aborts the loop
// (spec.md §7).
func (p *Peer) Serve(handle Handler) {
	buf := make([]byte, MaxDatagramSize*2)
	for {
		n, addr, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			// Closed socket (Stop) or transient error; either way the
			// loop exits on closure, per spec.md §4.5 "workers observe
			// closure and exit".
			return
		}
		var msg Message
		if err := json.Unmarshal(buf[:n], &msg); err != nil {
			p.log.WithError(err).WithField("from", addr.String()).Warn("peer recv: malformed datagram")
			continue
		}
		handle(addr.String(), msg)
	}
}

// Close is idempotent.
func (p *Peer) Close() error {
	return p.conn.Close()
}

// LocalAddr returns the bound local address, useful for tests and logs.
func (p *Peer) LocalAddr() string {
	return p.conn.LocalAddr().String()
}
