// Copyright 2025 The AdaServe Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package dist

import (
	"context"
	"encoding/gob"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/LiuTaowen-Tony/adaserve/internal/rlog"
)

// Config describes one rank's membership in a distributed run. The
// rendezvous address and the run ID must be agreed on by all ranks before
// launch; the harness never elects them.
type Config struct {
	Rank  int
	World int

	// Rendezvous is the host:port rank 0 listens on during the join.
	Rendezvous string

	// RunID uniquely identifies this run. Ranks of a stale or concurrent
	// run are rejected at rendezvous instead of corrupting collectives.
	RunID string

	// JoinTimeout bounds the rendezvous only. Ordinary collectives block
	// without timeout: a missing rank is a fatal launch-level problem.
	JoinTimeout time.Duration
}

// DefaultJoinTimeout applies when Config.JoinTimeout is zero.
const DefaultJoinTimeout = 30 * time.Second

type wireMessage struct {
	Tag     uint64
	Payload []byte
}

type joinHello struct {
	RunID    string
	Rank     int
	World    int
	DataAddr string
}

type joinWelcome struct {
	Addrs []string
	Err   string
}

type peerHello struct {
	Rank int
}

type peerConn struct {
	conn net.Conn
	enc  *gob.Encoder
	mu   sync.Mutex
}

func (p *peerConn) send(msg *wireMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enc.Encode(msg)
}

// TCPTransport connects every pair of ranks with one TCP connection,
// bootstrapped through a single rendezvous listener on rank 0. Higher ranks
// dial lower ranks, so the connection graph settles without cycles.
type TCPTransport struct {
	rank  int
	world int

	conns   []*peerConn // indexed by peer rank, nil at own index
	ln      net.Listener
	inboxes []chan wireMessage

	closeOnce sync.Once
	closed    chan struct{}
}

// DialTCP joins the process group at cfg.Rendezvous and returns a connected
// transport. It fails if the rendezvous does not complete within
// cfg.JoinTimeout; there is no partial-success mode.
func DialTCP(ctx context.Context, cfg Config) (*TCPTransport, error) {
	if cfg.World <= 0 || cfg.Rank < 0 || cfg.Rank >= cfg.World {
		return nil, errors.Errorf("invalid rank %d for world size %d", cfg.Rank, cfg.World)
	}
	timeout := cfg.JoinTimeout
	if timeout == 0 {
		timeout = DefaultJoinTimeout
	}
	deadline := time.Now().Add(timeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	dataLn, err := net.Listen("tcp", ":0")
	if err != nil {
		return nil, errors.Wrap(err, "opening data listener")
	}
	dataPort := dataLn.Addr().(*net.TCPAddr).Port

	var addrs []string
	if cfg.Rank == 0 {
		addrs, err = runRendezvous(ctx, cfg, dataPort, deadline)
	} else {
		addrs, err = joinRendezvous(ctx, cfg, dataPort, deadline)
	}
	if err != nil {
		dataLn.Close()
		return nil, errors.Wrapf(err, "rendezvous at %s", cfg.Rendezvous)
	}
	rlog.Debugf(cfg.Rank, "rendezvous complete: %v", addrs)

	t := &TCPTransport{
		rank:    cfg.Rank,
		world:   cfg.World,
		conns:   make([]*peerConn, cfg.World),
		ln:      dataLn,
		inboxes: make([]chan wireMessage, cfg.World),
		closed:  make(chan struct{}),
	}
	for i := range t.inboxes {
		t.inboxes[i] = make(chan wireMessage, 64)
	}
	if err := t.connectPeers(addrs, deadline); err != nil {
		t.Close()
		return nil, errors.Wrap(err, "connecting peer mesh")
	}
	for peer, pc := range t.conns {
		if pc != nil {
			go t.readLoop(peer, pc.conn)
		}
	}
	return t, nil
}

// runRendezvous is the rank-0 side: accept a hello from every other rank,
// then hand all of them the complete address book.
func runRendezvous(ctx context.Context, cfg Config, dataPort int, deadline time.Time) ([]string, error) {
	ln, err := net.Listen("tcp", cfg.Rendezvous)
	if err != nil {
		return nil, errors.Wrap(err, "binding rendezvous listener")
	}
	defer ln.Close()

	host, _, err := net.SplitHostPort(cfg.Rendezvous)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing rendezvous address %q", cfg.Rendezvous)
	}
	addrs := make([]string, cfg.World)
	addrs[0] = net.JoinHostPort(host, fmt.Sprint(dataPort))

	conns := make([]net.Conn, 0, cfg.World-1)
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	seen := map[int]bool{0: true}
	for len(seen) < cfg.World {
		if tl, ok := ln.(*net.TCPListener); ok {
			tl.SetDeadline(deadline)
		}
		conn, err := ln.Accept()
		if err != nil {
			return nil, errors.Wrapf(err, "waiting for %d more ranks", cfg.World-len(seen))
		}
		conn.SetDeadline(deadline)
		var hello joinHello
		if err := gob.NewDecoder(conn).Decode(&hello); err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "reading join hello")
		}
		reject := func(msg string) error {
			gob.NewEncoder(conn).Encode(&joinWelcome{Err: msg})
			conn.Close()
			return errors.New(msg)
		}
		if hello.RunID != cfg.RunID {
			return nil, reject(fmt.Sprintf("run ID mismatch: %q joined run %q", hello.RunID, cfg.RunID))
		}
		if hello.World != cfg.World {
			return nil, reject(fmt.Sprintf("world size mismatch: rank %d expects %d, run has %d", hello.Rank, hello.World, cfg.World))
		}
		if hello.Rank <= 0 || hello.Rank >= cfg.World || seen[hello.Rank] {
			return nil, reject(fmt.Sprintf("invalid or duplicate rank %d", hello.Rank))
		}
		seen[hello.Rank] = true
		addrs[hello.Rank] = hello.DataAddr
		conns = append(conns, conn)
	}

	welcome := &joinWelcome{Addrs: addrs}
	for _, conn := range conns {
		if err := gob.NewEncoder(conn).Encode(welcome); err != nil {
			return nil, errors.Wrap(err, "sending address book")
		}
	}
	return addrs, nil
}

// joinRendezvous is the non-zero-rank side: dial rank 0 with retries until
// the deadline, announce ourselves, and wait for the address book.
func joinRendezvous(ctx context.Context, cfg Config, dataPort int, deadline time.Time) ([]string, error) {
	var conn net.Conn
	var err error
	for {
		d := net.Dialer{Deadline: deadline}
		conn, err = d.DialContext(ctx, "tcp", cfg.Rendezvous)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(err, "dialing rendezvous")
		case <-time.After(100 * time.Millisecond):
		}
	}
	defer conn.Close()
	conn.SetDeadline(deadline)

	host, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		return nil, errors.Wrap(err, "resolving local address")
	}
	hello := &joinHello{
		RunID:    cfg.RunID,
		Rank:     cfg.Rank,
		World:    cfg.World,
		DataAddr: net.JoinHostPort(host, fmt.Sprint(dataPort)),
	}
	if err := gob.NewEncoder(conn).Encode(hello); err != nil {
		return nil, errors.Wrap(err, "sending join hello")
	}
	var welcome joinWelcome
	if err := gob.NewDecoder(conn).Decode(&welcome); err != nil {
		return nil, errors.Wrap(err, "waiting for address book")
	}
	if welcome.Err != "" {
		return nil, errors.New(welcome.Err)
	}
	return welcome.Addrs, nil
}

// connectPeers builds the full mesh: this rank dials every lower rank and
// accepts one connection from every higher rank.
func (t *TCPTransport) connectPeers(addrs []string, deadline time.Time) error {
	expect := t.world - 1 - t.rank
	accepted := make(chan error, 1)
	go func() {
		for i := 0; i < expect; i++ {
			if tl, ok := t.ln.(*net.TCPListener); ok {
				tl.SetDeadline(deadline)
			}
			conn, err := t.ln.Accept()
			if err != nil {
				accepted <- errors.Wrapf(err, "accepting peer %d of %d", i+1, expect)
				return
			}
			conn.SetDeadline(deadline)
			var hello peerHello
			if err := gob.NewDecoder(conn).Decode(&hello); err != nil {
				accepted <- errors.Wrap(err, "reading peer hello")
				return
			}
			if hello.Rank <= t.rank || hello.Rank >= t.world || t.conns[hello.Rank] != nil {
				accepted <- errors.Errorf("unexpected peer rank %d", hello.Rank)
				return
			}
			conn.SetDeadline(time.Time{})
			t.conns[hello.Rank] = &peerConn{conn: conn, enc: gob.NewEncoder(conn)}
		}
		accepted <- nil
	}()

	for peer := 0; peer < t.rank; peer++ {
		d := net.Dialer{Deadline: deadline}
		conn, err := d.Dial("tcp", addrs[peer])
		if err != nil {
			return errors.Wrapf(err, "dialing rank %d at %s", peer, addrs[peer])
		}
		conn.SetDeadline(deadline)
		enc := gob.NewEncoder(conn)
		if err := enc.Encode(&peerHello{Rank: t.rank}); err != nil {
			conn.Close()
			return errors.Wrapf(err, "greeting rank %d", peer)
		}
		conn.SetDeadline(time.Time{})
		t.conns[peer] = &peerConn{conn: conn, enc: enc}
	}
	return <-accepted
}

func (t *TCPTransport) readLoop(peer int, conn net.Conn) {
	dec := gob.NewDecoder(conn)
	for {
		var msg wireMessage
		if err := dec.Decode(&msg); err != nil {
			select {
			case <-t.closed:
			default:
				rlog.Errorf(t.rank, "connection to rank %d broken: %v", peer, err)
				t.Close()
			}
			return
		}
		select {
		case t.inboxes[peer] <- msg:
		case <-t.closed:
			return
		}
	}
}

// Rank returns this transport's rank.
func (t *TCPTransport) Rank() int { return t.rank }

// World returns the world size.
func (t *TCPTransport) World() int { return t.world }

// Send delivers payload to rank `to`, looping back for the local rank.
func (t *TCPTransport) Send(ctx context.Context, to int, tag uint64, payload []byte) error {
	if to < 0 || to >= t.world {
		return errors.Errorf("send to rank %d outside world of size %d", to, t.world)
	}
	select {
	case <-t.closed:
		return errors.New("transport closed")
	default:
	}
	if to == t.rank {
		cp := make([]byte, len(payload))
		copy(cp, payload)
		select {
		case t.inboxes[t.rank] <- wireMessage{Tag: tag, Payload: cp}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-t.closed:
			return errors.New("transport closed")
		}
	}
	return t.conns[to].send(&wireMessage{Tag: tag, Payload: payload})
}

// Recv blocks for the next message from rank `from` and checks its tag.
func (t *TCPTransport) Recv(ctx context.Context, from int, tag uint64) ([]byte, error) {
	if from < 0 || from >= t.world {
		return nil, errors.Errorf("recv from rank %d outside world of size %d", from, t.world)
	}
	select {
	case msg := <-t.inboxes[from]:
		if msg.Tag != tag {
			return nil, errors.Errorf("collective desync: expected tag %d from rank %d, got %d", tag, from, msg.Tag)
		}
		return msg.Payload, nil
	case <-t.closed:
		return nil, errors.New("transport closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears down every peer connection. Safe to call more than once.
func (t *TCPTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.ln.Close()
		for _, pc := range t.conns {
			if pc != nil {
				pc.conn.Close()
			}
		}
	})
	return nil
}
