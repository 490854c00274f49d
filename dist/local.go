// Copyright 2025 The AdaServe Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package dist

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

type localMessage struct {
	tag     uint64
	payload []byte
}

// LocalTransport is an in-process Transport backed by channels. NewLocalWorld
// creates one per rank; each rank then runs in its own goroutine. It exists
// for the --local simulation mode and for tests, where spawning one OS
// process per rank would be pure overhead.
type LocalTransport struct {
	rank  int
	world int
	peers []*LocalTransport // shared across the world, indexed by rank

	// boxes[from] holds messages sent from rank `from` to this rank.
	boxes []chan localMessage

	closeOnce sync.Once
	closed    chan struct{}
}

// NewLocalWorld wires up `world` in-process transports with pairwise ordered
// channels and returns them indexed by rank.
func NewLocalWorld(world int) []*LocalTransport {
	peers := make([]*LocalTransport, world)
	for r := 0; r < world; r++ {
		boxes := make([]chan localMessage, world)
		for from := 0; from < world; from++ {
			boxes[from] = make(chan localMessage, 64)
		}
		peers[r] = &LocalTransport{
			rank:   r,
			world:  world,
			peers:  peers,
			boxes:  boxes,
			closed: make(chan struct{}),
		}
	}
	return peers
}

// Rank returns this transport's rank.
func (t *LocalTransport) Rank() int { return t.rank }

// World returns the world size.
func (t *LocalTransport) World() int { return t.world }

// Send delivers payload into the destination rank's inbox for this rank.
func (t *LocalTransport) Send(ctx context.Context, to int, tag uint64, payload []byte) error {
	if to < 0 || to >= t.world {
		return errors.Errorf("send to rank %d outside world of size %d", to, t.world)
	}
	dst := t.peers[to]
	cp := make([]byte, len(payload))
	copy(cp, payload)
	select {
	case dst.boxes[t.rank] <- localMessage{tag: tag, payload: cp}:
		return nil
	case <-dst.closed:
		return errors.Errorf("rank %d transport closed", to)
	case <-t.closed:
		return errors.New("transport closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv blocks for the next message from rank `from` and checks its tag.
func (t *LocalTransport) Recv(ctx context.Context, from int, tag uint64) ([]byte, error) {
	if from < 0 || from >= t.world {
		return nil, errors.Errorf("recv from rank %d outside world of size %d", from, t.world)
	}
	select {
	case msg := <-t.boxes[from]:
		if msg.tag != tag {
			return nil, errors.Errorf("collective desync: expected tag %d from rank %d, got %d", tag, from, msg.tag)
		}
		return msg.payload, nil
	case <-t.closed:
		return nil, errors.New("transport closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts the transport down. Safe to call more than once.
func (t *LocalTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}
