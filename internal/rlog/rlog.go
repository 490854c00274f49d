// Copyright 2025 The AdaServe Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package rlog prefixes every log line with the caller's rank, so that the
// interleaved output of an SPMD run stays attributable. It is diagnostic
// only: nothing in the harness reads log output back.
package rlog

import "k8s.io/klog/v2"

// Infof logs an info-level line tagged with the rank.
func Infof(rank int, format string, args ...any) {
	klog.InfofDepth(1, "[rank %d] "+format, prepend(rank, args)...)
}

// Debugf logs a verbose (-v=2) line tagged with the rank. Per-node shapes
// and placements are logged at this level.
func Debugf(rank int, format string, args ...any) {
	if klog.V(2).Enabled() {
		klog.InfofDepth(1, "[rank %d] "+format, prepend(rank, args)...)
	}
}

// Errorf logs an error-level line tagged with the rank.
func Errorf(rank int, format string, args ...any) {
	klog.ErrorfDepth(1, "[rank %d] "+format, prepend(rank, args)...)
}

func prepend(rank int, args []any) []any {
	out := make([]any, 0, len(args)+1)
	out = append(out, rank)
	return append(out, args...)
}
