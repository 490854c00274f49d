// Copyright 2025 The AdaServe Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package dist

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/LiuTaowen-Tony/adaserve/internal/rlog"
)

// ProcessGroup is this process's membership in a distributed run. It is
// created exactly once at orchestrator start and destroyed exactly once at
// orchestrator end; no collective may run before Join or after Leave.
type ProcessGroup struct {
	transport Transport
	seq       atomic.Uint64

	leaveOnce sync.Once
	leaveErr  error
}

// Join completes the rendezvous described by cfg and returns the connected
// process group. A rendezvous that cannot complete within cfg.JoinTimeout
// fails fatally; there is no partial-success mode.
func Join(ctx context.Context, cfg Config) (*ProcessGroup, error) {
	t, err := DialTCP(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rlog.Infof(cfg.Rank, "joined process group %q (world size %d)", cfg.RunID, cfg.World)
	return NewGroup(t), nil
}

// NewGroup wraps an already-connected transport in a process group. Tests
// and the --local mode hand in LocalTransports directly.
func NewGroup(t Transport) *ProcessGroup {
	return &ProcessGroup{transport: t}
}

// Rank returns this process's rank in [0, world).
func (g *ProcessGroup) Rank() int { return g.transport.Rank() }

// World returns the number of participating ranks.
func (g *ProcessGroup) World() int { return g.transport.World() }

// Ranks returns all ranks of the group in order.
func (g *ProcessGroup) Ranks() []int {
	all := make([]int, g.World())
	for i := range all {
		all[i] = i
	}
	return all
}

// Leave releases the group membership. It runs at most once; later calls
// return the first result. Every orchestrator exit path must reach it.
func (g *ProcessGroup) Leave() error {
	g.leaveOnce.Do(func() {
		rlog.Infof(g.Rank(), "leaving process group")
		g.leaveErr = g.transport.Close()
	})
	return g.leaveErr
}

// nextTag sequences collective calls. SPMD guarantees every rank issues the
// same collectives in the same order, so matching counters line up across
// ranks and a mismatch surfaces as a protocol error.
func (g *ProcessGroup) nextTag() uint64 {
	return g.seq.Add(1)
}

// Device identifies the accelerator a rank is bound to.
type Device struct {
	Kind  string
	Index int
}

// BindDevice binds the calling process to its designated device. The
// reference harness computes on the CPU; the index still tracks the rank so
// logs and placements stay attributable to one logical device.
func BindDevice(rank int) Device {
	return Device{Kind: "cpu", Index: rank}
}

// String formats the device like "cpu:3".
func (d Device) String() string {
	return fmt.Sprintf("%s:%d", d.Kind, d.Index)
}
