package changes

import (
	"context"
	"deltasync/pkg/common"
	"deltasync/pkg/source"
	"deltasync/pkg/watermark"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var histColumns = []string{"Hist_ID", "Hist_Islem", "UrunID", "Ad"}

func historySource(t *testing.T, n int) *source.Memory {
	t.Helper()
	mem := source.NewMemory()
	for i := 1; i <= n; i++ {
		require.NoError(t, mem.Insert("tb_Urun_Hist", histColumns, common.Row{int64(i), int64(1), int64(i % 7), "x"}))
	}
	return mem
}

func newReader(t *testing.T, src source.Source) *Reader {
	t.Helper()
	r, err := NewReader(src, Config{
		Table:      "tb_Urun_Hist",
		Sequence:   "Hist_ID",
		Codec:      watermark.Int{},
		Limit:      10,
		Partitions: 3,
	})
	require.NoError(t, err)
	return r
}

func drain(t *testing.T, it *Iterator) []*Batch {
	t.Helper()
	var out []*Batch
	for it.Next(context.Background()) {
		out = append(out, it.Batch())
	}
	require.NoError(t, it.Err())
	return out
}

func TestScanYieldsAscendingBoundedBatches(t *testing.T) {
	r := newReader(t, historySource(t, 25))
	batches := drain(t, r.Scan("0"))
	require.Len(t, batches, 3)

	var seen []int64
	prevMax := watermark.Token("0")
	for _, b := range batches {
		assert.Equal(t, histColumns, b.Columns)
		for _, row := range b.Rows {
			seq := row[0].(int64)
			assert.Greater(t, seq, watermark.Int{}.Arg(prevMax).(int64))
			seen = append(seen, seq)
		}
		assert.Equal(t, 1, watermark.Int{}.Compare(b.Max, prevMax))
		prevMax = b.Max
	}
	for i, s := range seen {
		require.Equal(t, int64(i+1), s, "global ascending order without gaps")
	}
	assert.Equal(t, watermark.Token("25"), prevMax)
	assert.Equal(t, 3, batches[0].Ranges)
}

func TestScanIsRestartable(t *testing.T) {
	r := newReader(t, historySource(t, 25))
	it := r.Scan("0")
	require.True(t, it.Next(context.Background()))
	first := it.Batch()
	assert.Equal(t, watermark.Token("10"), it.Cursor())

	again := r.Scan("0")
	require.True(t, again.Next(context.Background()))
	assert.Equal(t, first.Rows, again.Batch().Rows)

	rest := drain(t, r.Scan(first.Max))
	require.Len(t, rest, 2)
	assert.Equal(t, int64(11), rest[0].Rows[0][0])
}

func TestScanEmptyStreamEndsImmediately(t *testing.T) {
	r := newReader(t, historySource(t, 5))
	it := r.Scan("5")
	assert.False(t, it.Next(context.Background()))
	assert.NoError(t, it.Err())
	assert.Nil(t, it.Batch())
	assert.False(t, it.Next(context.Background()), "iterator stays finished")
}

type flakySource struct {
	source.Source
	failSelect bool
	// dropRange empties the select whose range starts here.
	dropRange any
}

func (f *flakySource) Select(ctx context.Context, q source.SelectQuery) (*common.Batch, error) {
	if f.failSelect {
		return nil, errors.New("connection reset")
	}
	b, err := f.Source.Select(ctx, q)
	if err == nil && f.dropRange != nil && common.Compare(q.Range.Start, f.dropRange) == 0 {
		return &common.Batch{Columns: b.Columns}, nil
	}
	return b, err
}

func TestScanSurfacesQueryErrors(t *testing.T) {
	src := &flakySource{Source: historySource(t, 25), failSelect: true}
	it := newReader(t, src).Scan("0")
	assert.False(t, it.Next(context.Background()))
	var qe *source.QueryError
	require.True(t, errors.As(it.Err(), &qe))
	assert.Equal(t, "tb_Urun_Hist", qe.Table)

	missing := newReader(t, source.NewMemory()).Scan("0")
	assert.False(t, missing.Next(context.Background()))
	assert.True(t, errors.As(missing.Err(), &qe))
}

func TestEmptyRangeAbortsBatch(t *testing.T) {
	// Ranges of 10 values over 3 partitions start at 1, 5 and 8.
	src := &flakySource{Source: historySource(t, 25), dropRange: int64(5)}
	it := newReader(t, src).Scan("0")
	assert.False(t, it.Next(context.Background()))
	assert.True(t, errors.Is(it.Err(), ErrEmptyRange))
	assert.Nil(t, it.Batch())
	assert.Equal(t, watermark.Token("0"), it.Cursor(), "cursor does not pass unread rows")
}

func TestNewReaderValidates(t *testing.T) {
	_, err := NewReader(source.NewMemory(), Config{Table: "t", Sequence: "s", Codec: watermark.Int{}})
	assert.Error(t, err, "zero limit")
	_, err = NewReader(source.NewMemory(), Config{Table: "t", Codec: watermark.Int{}, Limit: 1})
	assert.Error(t, err, "missing sequence")
}
