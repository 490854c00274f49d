package dist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LiuTaowen-Tony/adaserve/tensor"
)

func TestShardRangeEvenSplit(t *testing.T) {
	// 8 elements over 4 parts: 2 each.
	for idx := 0; idx < 4; idx++ {
		start, count := ShardRange(8, 4, idx)
		assert.Equal(t, 2*idx, start)
		assert.Equal(t, 2, count)
	}
}

func TestShardRangeRemainderToLowRanks(t *testing.T) {
	// 10 over 4: low two parts get 3, high two get 2.
	wantCounts := []int{3, 3, 2, 2}
	wantStarts := []int{0, 3, 6, 8}
	for idx := range wantCounts {
		start, count := ShardRange(10, 4, idx)
		assert.Equal(t, wantStarts[idx], start, "start of part %d", idx)
		assert.Equal(t, wantCounts[idx], count, "count of part %d", idx)
	}
}

func TestShardRangeSmallerThanParts(t *testing.T) {
	// Batch 2 over 4 ranks: ranks 0 and 1 own one row, ranks 2 and 3 own none.
	wantCounts := []int{1, 1, 0, 0}
	total := 0
	for idx, want := range wantCounts {
		_, count := ShardRange(2, 4, idx)
		assert.Equal(t, want, count, "count of part %d", idx)
		total += count
	}
	assert.Equal(t, 2, total)
}

func TestShardRangeCoversExactly(t *testing.T) {
	for _, n := range []int{0, 1, 5, 7, 12, 100} {
		for _, parts := range []int{1, 2, 3, 4, 8} {
			next := 0
			for idx := 0; idx < parts; idx++ {
				start, count := ShardRange(n, parts, idx)
				require.Equal(t, next, start, "n=%d parts=%d idx=%d", n, parts, idx)
				next = start + count
			}
			require.Equal(t, n, next, "n=%d parts=%d", n, parts)
		}
	}
}

func TestLocalShapeIsRankIndependentComputation(t *testing.T) {
	mesh, err := NewMesh([]int{4}, 4)
	require.NoError(t, err)
	global := tensor.Shape{2, 128, 512}
	placements := []Placement{Shard(0)}

	want := []tensor.Shape{
		{1, 128, 512},
		{1, 128, 512},
		{0, 128, 512},
		{0, 128, 512},
	}
	for rank := 0; rank < 4; rank++ {
		got, err := LocalShape(global, mesh, placements, rank)
		require.NoError(t, err)
		assert.True(t, want[rank].Equal(got), "rank %d: got %v want %v", rank, got, want[rank])
	}
}

func TestLocalShape2DMesh(t *testing.T) {
	mesh, err := NewMesh([]int{2, 2}, 4)
	require.NoError(t, err)

	// Shard batch over mesh dim 0, hidden over mesh dim 1.
	got, err := LocalShape(tensor.Shape{4, 8, 6}, mesh, []Placement{Shard(0), Shard(2)}, 3)
	require.NoError(t, err)
	assert.True(t, tensor.Shape{2, 8, 3}.Equal(got), "got %v", got)

	// Replicated everywhere keeps the global shape.
	got, err = LocalShape(tensor.Shape{4, 8, 6}, mesh, []Placement{Replicate(), Replicate()}, 2)
	require.NoError(t, err)
	assert.True(t, tensor.Shape{4, 8, 6}.Equal(got))
}

func TestLocalShapeErrors(t *testing.T) {
	mesh, err := NewMesh([]int{2}, 2)
	require.NoError(t, err)

	_, err = LocalShape(tensor.Shape{4}, mesh, []Placement{Shard(0), Shard(1)}, 0)
	assert.Error(t, err, "placement count must match mesh rank")

	_, err = LocalShape(tensor.Shape{4}, mesh, []Placement{Shard(3)}, 0)
	assert.Error(t, err, "shard dimension outside tensor rank")
}

func TestPlacementString(t *testing.T) {
	assert.Equal(t, "S(0)", Shard(0).String())
	assert.Equal(t, "R", Replicate().String())
	assert.Equal(t, "[S(1) R]", PlacementsString([]Placement{Shard(1), Replicate()}))
}

func TestMeshCoordRoundTrip(t *testing.T) {
	mesh, err := NewMesh([]int{2, 3}, 6)
	require.NoError(t, err)
	for rank := 0; rank < 6; rank++ {
		coord, err := mesh.Coord(rank)
		require.NoError(t, err)
		back, err := mesh.RankAt(coord)
		require.NoError(t, err)
		assert.Equal(t, rank, back)
	}
}

func TestMeshGroupAlong(t *testing.T) {
	mesh, err := NewMesh([]int{2, 2}, 4)
	require.NoError(t, err)

	// Rank layout: (0,0)=0 (0,1)=1 (1,0)=2 (1,1)=3.
	g0, err := mesh.GroupAlong(0, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, g0)

	g1, err := mesh.GroupAlong(1, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, g1)
}

func TestMeshShapeMismatch(t *testing.T) {
	_, err := NewMesh([]int{2, 3}, 4)
	assert.Error(t, err)
	_, err = NewMesh(nil, 1)
	assert.Error(t, err)
}
