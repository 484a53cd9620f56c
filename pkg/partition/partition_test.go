package partition

import (
	"context"
	"deltasync/pkg/common"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sliceTiler struct {
	values []any
	calls  int
}

func (s *sliceTiler) Tiles(_ context.Context, q Query) ([]common.RangeBound, error) {
	s.calls++
	var sel []any
	for _, v := range s.values {
		if q.After != nil && common.Compare(v, q.After) <= 0 {
			continue
		}
		if len(sel) == q.Limit {
			break
		}
		sel = append(sel, v)
	}
	return Split(sel, q.Partitions), nil
}

func ints(from, to int64) []any {
	var out []any
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

func TestSplitNTileSemantics(t *testing.T) {
	got := Split(ints(1, 10), 4)
	want := []common.RangeBound{
		{Start: int64(1), End: int64(3)},
		{Start: int64(4), End: int64(6)},
		{Start: int64(7), End: int64(8)},
		{Start: int64(9), End: int64(10)},
	}
	assert.Equal(t, want, got)

	assert.Len(t, Split(ints(1, 3), 8), 3, "fewer values than tiles yields one tile per value")
	assert.Nil(t, Split(nil, 4))
	assert.Equal(t, []common.RangeBound{{Start: int64(1), End: int64(5)}}, Split(ints(1, 5), 0))
}

func TestSplitCoversEveryValueOnce(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for iter := 0; iter < 200; iter++ {
		m := rng.Intn(60)
		n := rng.Intn(10) - 1
		values := ints(1, int64(m))
		ranges := Split(values, n)

		seen := 0
		for _, v := range values {
			hits := 0
			for _, r := range ranges {
				if common.Compare(v, r.Start) >= 0 && common.Compare(v, r.End) <= 0 {
					hits++
				}
			}
			require.Equalf(t, 1, hits, "value %v covered %d times (m=%d n=%d)", v, hits, m, n)
			seen++
		}
		require.Equal(t, m, seen)
		for i := 1; i < len(ranges); i++ {
			require.Negative(t, common.Compare(ranges[i-1].End, ranges[i].Start))
		}
		if m > 0 {
			require.Equal(t, values[m-1], ranges[len(ranges)-1].End)
		}
	}
}

func TestRangesPagesToExhaustion(t *testing.T) {
	tiler := &sliceTiler{values: ints(1, 25)}
	p := New(tiler)
	ctx := context.Background()

	var after any
	var covered []any
	for {
		ranges, err := p.Ranges(ctx, Query{Table: "t", Column: "id", After: after, Limit: 10, Partitions: 3})
		require.NoError(t, err)
		if len(ranges) == 0 {
			break
		}
		for _, r := range ranges {
			for v := r.Start.(int64); v <= r.End.(int64); v++ {
				covered = append(covered, v)
			}
		}
		after = ranges[len(ranges)-1].End
	}
	assert.Equal(t, ints(1, 25), covered)
	assert.Equal(t, 4, tiler.calls)
}

func TestRangesValidatesAndNormalizes(t *testing.T) {
	p := New(&sliceTiler{values: []any{int32(3), int32(4)}})
	_, err := p.Ranges(context.Background(), Query{Limit: 0})
	assert.True(t, errors.Is(err, ErrInvalidLimit))

	ranges, err := p.Ranges(context.Background(), Query{Limit: 10, Partitions: -2})
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	assert.Equal(t, int64(3), ranges[0].Start)
	assert.Equal(t, int64(4), ranges[0].End)
}

func TestWindowsAreBucketAligned(t *testing.T) {
	w, err := Windows(1, 2500, 1000)
	require.NoError(t, err)
	assert.Equal(t, []common.RangeBound{
		{Start: int64(0), End: int64(999)},
		{Start: int64(1000), End: int64(1999)},
		{Start: int64(2000), End: int64(2999)},
	}, w)

	w, err = Windows(-5, 5, 10)
	require.NoError(t, err)
	assert.Len(t, w, 2)

	w, err = Windows(10, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, w)

	_, err = Windows(0, 1, 0)
	assert.Error(t, err)
}
