// Copyright 2025 The AdaServe Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package dist

import (
	"fmt"

	"github.com/pkg/errors"
)

// DeviceMesh is a logical N-dimensional arrangement of ranks. Rank r sits
// at the row-major coordinate of r in the mesh shape; every placement is
// interpreted against one mesh dimension.
type DeviceMesh struct {
	shape []int
	size  int
}

// NewMesh builds a mesh of the given shape. The product of the dimensions
// must equal the world size.
func NewMesh(shape []int, world int) (*DeviceMesh, error) {
	if len(shape) == 0 {
		return nil, errors.New("mesh shape must have at least one dimension")
	}
	size := 1
	for i, d := range shape {
		if d <= 0 {
			return nil, errors.Errorf("mesh dimension %d must be positive, got %d", i, d)
		}
		size *= d
	}
	if size != world {
		return nil, errors.Errorf("mesh shape %v arranges %d devices, world size is %d", shape, size, world)
	}
	return &DeviceMesh{shape: append([]int(nil), shape...), size: size}, nil
}

// Shape returns the mesh dimensions.
func (m *DeviceMesh) Shape() []int {
	return append([]int(nil), m.shape...)
}

// NDim returns the number of mesh dimensions.
func (m *DeviceMesh) NDim() int { return len(m.shape) }

// Size returns the total number of devices in the mesh.
func (m *DeviceMesh) Size() int { return m.size }

// Coord returns rank's row-major coordinate in the mesh.
func (m *DeviceMesh) Coord(rank int) ([]int, error) {
	if rank < 0 || rank >= m.size {
		return nil, errors.Errorf("rank %d outside mesh of size %d", rank, m.size)
	}
	coord := make([]int, len(m.shape))
	for i := len(m.shape) - 1; i >= 0; i-- {
		coord[i] = rank % m.shape[i]
		rank /= m.shape[i]
	}
	return coord, nil
}

// RankAt returns the rank at the given mesh coordinate.
func (m *DeviceMesh) RankAt(coord []int) (int, error) {
	if len(coord) != len(m.shape) {
		return 0, errors.Errorf("coordinate %v does not match mesh shape %v", coord, m.shape)
	}
	rank := 0
	for i, c := range coord {
		if c < 0 || c >= m.shape[i] {
			return 0, errors.Errorf("coordinate %v outside mesh shape %v", coord, m.shape)
		}
		rank = rank*m.shape[i] + c
	}
	return rank, nil
}

// GroupAlong returns the ranks that share rank's coordinates on every mesh
// dimension except dim, ordered by their coordinate along dim. These are
// the participants of a collective for a placement on dim.
func (m *DeviceMesh) GroupAlong(dim, rank int) ([]int, error) {
	if dim < 0 || dim >= len(m.shape) {
		return nil, errors.Errorf("mesh dimension %d out of range for shape %v", dim, m.shape)
	}
	coord, err := m.Coord(rank)
	if err != nil {
		return nil, err
	}
	group := make([]int, m.shape[dim])
	for c := 0; c < m.shape[dim]; c++ {
		coord[dim] = c
		r, err := m.RankAt(coord)
		if err != nil {
			return nil, err
		}
		group[c] = r
	}
	return group, nil
}

// String formats the mesh like "Mesh[2 2]".
func (m *DeviceMesh) String() string {
	return fmt.Sprintf("Mesh%v", m.shape)
}
