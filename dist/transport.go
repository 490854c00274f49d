// Copyright 2025 The AdaServe Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package dist provides the distributed plumbing for SPMD execution: the
// process group and its collectives, the logical device mesh, tensor
// placements, and the distributed tensor (DTensor) built on top of them.
//
// One OS process owns one device and one rank. All cross-rank coordination
// goes through explicit collective calls on a ProcessGroup; no tensor
// storage is ever shared between ranks.
package dist

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// Transport moves opaque byte payloads between ranks. Implementations must
// deliver messages between a pair of ranks in the order they were sent.
//
// Tags sequence collective operations: because every rank executes the same
// program, the n-th collective call on every rank carries the same tag, and
// a tag mismatch on receive reveals a desynchronized peer instead of
// silently mixing payloads.
type Transport interface {
	Rank() int
	World() int

	// Send delivers payload to rank `to`. Sending to the local rank is
	// allowed and loops back without copying through the network.
	Send(ctx context.Context, to int, tag uint64, payload []byte) error

	// Recv blocks until the next payload from rank `from` arrives. It
	// fails if that payload carries a different tag.
	Recv(ctx context.Context, from int, tag uint64) ([]byte, error)

	// Close releases the transport. Further Send/Recv calls fail.
	Close() error
}

// floatsToBytes encodes a float32 slice little-endian.
func floatsToBytes(vals []float32) []byte {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// bytesToFloats decodes a little-endian float32 payload.
func bytesToFloats(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, errors.Errorf("float payload length %d is not a multiple of 4", len(buf))
	}
	vals := make([]float32, len(buf)/4)
	for i := range vals {
		vals[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vals, nil
}

// encodeShards packs variable-length float32 shards into one payload so a
// gathered set can be broadcast in a single message.
func encodeShards(shards [][]float32) []byte {
	size := 4
	for _, s := range shards {
		size += 4 + 4*len(s)
	}
	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(shards)))
	for _, s := range shards {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
		for _, v := range s {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
	}
	return buf
}

func decodeShards(buf []byte) ([][]float32, error) {
	if len(buf) < 4 {
		return nil, errors.New("shard payload truncated")
	}
	n := binary.LittleEndian.Uint32(buf)
	buf = buf[4:]
	shards := make([][]float32, n)
	for i := range shards {
		if len(buf) < 4 {
			return nil, errors.New("shard payload truncated")
		}
		m := binary.LittleEndian.Uint32(buf)
		buf = buf[4:]
		if uint32(len(buf)) < 4*m {
			return nil, errors.New("shard payload truncated")
		}
		s := make([]float32, m)
		for j := range s {
			s[j] = math.Float32frombits(binary.LittleEndian.Uint32(buf[j*4:]))
		}
		shards[i] = s
		buf = buf[4*m:]
	}
	return shards, nil
}
