// Copyright 2025 The AdaServe Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package parallel fans independent loop iterations over the CPUs. The
// tensor math uses it for row loops; callers must ensure iterations write
// disjoint data.
package parallel

import (
	"runtime"
	"sync"
)

// Ranges shorter than this run sequentially; goroutine handoff costs more
// than the work it would spread.
const minChunk = 64

// For runs f(i) for every i in [0, n), splitting the range across the
// CPUs when it is large enough to be worth it.
func For(n int, f func(i int)) {
	workers := runtime.GOMAXPROCS(0)
	if n < minChunk || workers < 2 {
		for i := 0; i < n; i++ {
			f(i)
		}
		return
	}

	chunk := (n + workers - 1) / workers
	if chunk < minChunk {
		chunk = minChunk
	}
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := start + chunk
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			for i := s; i < e; i++ {
				f(i)
			}
		}(start, end)
	}
	wg.Wait()
}
