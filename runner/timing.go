// Copyright 2025 The AdaServe Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package runner

import (
	"context"
	"time"

	"github.com/LiuTaowen-Tony/adaserve/dist"
)

// aggregateLatency reduces each rank's mean step latency across the world:
// the mean of the per-rank means and the max. The max is the headline
// number, since the slowest rank bounds every synchronized step.
func aggregateLatency(ctx context.Context, g *dist.ProcessGroup, local time.Duration) (mean, max time.Duration, err error) {
	micros := []float32{float32(local.Nanoseconds()) / 1e3}
	sum, err := g.AllReduce(ctx, g.Ranks(), micros, dist.ReduceSum)
	if err != nil {
		return 0, 0, err
	}
	peak, err := g.AllReduce(ctx, g.Ranks(), micros, dist.ReduceMax)
	if err != nil {
		return 0, 0, err
	}
	mean = time.Duration(float64(sum[0]) / float64(g.World()) * 1e3)
	max = time.Duration(float64(peak[0]) * 1e3)
	return mean, max, nil
}
