package merge

import (
	"bytes"
	"context"
	"deltasync/pkg/common"
	"deltasync/pkg/storage"
	"deltasync/pkg/storage/colfile"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var histSpec = Spec{PrimaryKey: "UrunID", OrderColumn: "Hist_ID", OperationColumn: "Hist_Islem"}

func newStore(t *testing.T) *storage.DiskStore {
	t.Helper()
	s, err := storage.NewDiskStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func readBucket(t *testing.T, s storage.Store, name string) *common.Batch {
	t.Helper()
	rc, err := s.Open(context.Background(), name)
	require.NoError(t, err)
	defer rc.Close()
	f, err := colfile.Read(rc)
	require.NoError(t, err)
	return f.Batch
}

func rawBytes(t *testing.T, s storage.Store, name string) []byte {
	t.Helper()
	rc, err := s.Open(context.Background(), name)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return b
}

func hist(rows ...common.Row) *common.Batch {
	return &common.Batch{Columns: []string{"UrunID", "Ad", "Hist_ID", "Hist_Islem"}, Rows: rows}
}

func TestMergeIntoAbsentFileDedups(t *testing.T) {
	s := newStore(t)
	w := NewWriter(s)
	res, err := w.Merge(context.Background(), "tb/part_0.col", hist(
		common.Row{int64(2), "b1", int64(10), int64(1)},
		common.Row{int64(1), "a", int64(11), int64(1)},
		common.Row{int64(2), "b2", int64(12), int64(1)},
		common.Row{int64(2), "stale", int64(9), int64(1)},
	), histSpec)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, 2, res.Rows)
	assert.Equal(t, 2, res.Inserted)

	got := readBucket(t, s, "tb/part_0.col")
	assert.Equal(t, []common.Row{
		{int64(1), "a", int64(11), int64(1)},
		{int64(2), "b2", int64(12), int64(1)},
	}, got.Rows)
}

func TestMergeUpdateAndDelete(t *testing.T) {
	s := newStore(t)
	w := NewWriter(s)
	ctx := context.Background()
	_, err := w.Replace(ctx, "tb/part_0.col", hist(
		common.Row{int64(1), "a", int64(100), int64(1)},
		common.Row{int64(2), "b", int64(100), int64(1)},
		common.Row{int64(3), "c", int64(100), int64(1)},
	), histSpec)
	require.NoError(t, err)

	res, err := w.Merge(ctx, "tb/part_0.col", hist(
		common.Row{int64(2), "b-new", int64(101), int64(1)},
		common.Row{int64(3), "c", int64(102), int64(0)},
		common.Row{int64(4), "d", int64(103), int64(1)},
	), histSpec)
	require.NoError(t, err)
	assert.Equal(t, Result{Rows: 3, Inserted: 1, Updated: 1, Deleted: 1}, res)

	got := readBucket(t, s, "tb/part_0.col")
	assert.Equal(t, []common.Row{
		{int64(1), "a", int64(100), int64(1)},
		{int64(2), "b-new", int64(101), int64(1)},
		{int64(4), "d", int64(103), int64(1)},
	}, got.Rows)
}

func TestMergeTieGoesToLaterArrival(t *testing.T) {
	s := newStore(t)
	w := NewWriter(s)
	ctx := context.Background()
	_, err := w.Replace(ctx, "f", hist(common.Row{int64(1), "old", int64(5), int64(1)}), histSpec)
	require.NoError(t, err)
	_, err = w.Merge(ctx, "f", hist(common.Row{int64(1), "new", int64(5), int64(1)}), histSpec)
	require.NoError(t, err)
	assert.Equal(t, "new", readBucket(t, s, "f").Rows[0][1])
}

func TestMergeIsIdempotent(t *testing.T) {
	s := newStore(t)
	w := NewWriter(s)
	ctx := context.Background()
	_, err := w.Replace(ctx, "f", hist(
		common.Row{int64(1), "a", int64(1), int64(1)},
		common.Row{int64(5), "e", int64(1), int64(1)},
	), histSpec)
	require.NoError(t, err)

	changes := hist(
		common.Row{int64(5), "e2", int64(7), int64(1)},
		common.Row{int64(1), "a", int64(8), int64(0)},
		common.Row{int64(3), "c", int64(9), int64(1)},
	)
	_, err = w.Merge(ctx, "f", changes, histSpec)
	require.NoError(t, err)
	first := rawBytes(t, s, "f")

	_, err = w.Merge(ctx, "f", changes, histSpec)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(first, rawBytes(t, s, "f")), "replaying the same changes must not change the file")
}

func TestMergeAlignsColumnsByName(t *testing.T) {
	s := newStore(t)
	w := NewWriter(s)
	ctx := context.Background()
	_, err := w.Replace(ctx, "f", hist(common.Row{int64(1), "a", int64(1), int64(1)}), histSpec)
	require.NoError(t, err)

	reordered := &common.Batch{
		Columns: []string{"Hist_Islem", "hist_id", "Ad", "UrunID"},
		Rows:    []common.Row{{int64(1), int64(2), "a2", int64(1)}},
	}
	_, err = w.Merge(ctx, "f", reordered, histSpec)
	require.NoError(t, err)
	got := readBucket(t, s, "f")
	assert.Equal(t, []string{"UrunID", "Ad", "Hist_ID", "Hist_Islem"}, got.Columns)
	assert.Equal(t, common.Row{int64(1), "a2", int64(2), int64(1)}, got.Rows[0])

	missing := &common.Batch{Columns: []string{"UrunID", "Ad", "Hist_ID", "Extra"}, Rows: []common.Row{{int64(1), "x", int64(3), 1}}}
	_, err = w.Merge(ctx, "f", missing, histSpec)
	assert.True(t, errors.Is(err, ErrSchemaMismatch))

	extra := &common.Batch{Columns: []string{"UrunID", "Ad", "Hist_ID", "Hist_Islem", "Extra"}, Rows: []common.Row{{int64(1), "x", int64(3), 1, 1}}}
	_, err = w.Merge(ctx, "f", extra, histSpec)
	assert.True(t, errors.Is(err, ErrSchemaMismatch))
	assert.Equal(t, "a2", readBucket(t, s, "f").Rows[0][1], "failed merge leaves file intact")
}

func TestMergeWithoutOperationColumnKeepsEverything(t *testing.T) {
	s := newStore(t)
	w := NewWriter(s)
	snap := Spec{PrimaryKey: "id", OrderColumn: "rv"}
	b := &common.Batch{Columns: []string{"id", "rv"}, Rows: []common.Row{
		{int64(1), []byte{0, 2}},
		{int64(1), []byte{0, 1}},
		{int64(2), []byte{0, 0}},
	}}
	res, err := w.Merge(context.Background(), "f", b, snap)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Rows)
	assert.Equal(t, []byte{0, 2}, readBucket(t, s, "f").Rows[0][1])
}

func TestMergeDeletingEverythingKeepsEmptyFile(t *testing.T) {
	s := newStore(t)
	w := NewWriter(s)
	ctx := context.Background()
	_, err := w.Replace(ctx, "f", hist(common.Row{int64(1), "a", int64(1), int64(1)}), histSpec)
	require.NoError(t, err)
	res, err := w.Merge(ctx, "f", hist(common.Row{int64(1), "a", int64(2), int64(0)}), histSpec)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Rows)
	got := readBucket(t, s, "f")
	assert.Equal(t, 0, got.Len())
	assert.Len(t, got.Columns, 4)
}

type brokenStore struct {
	storage.Store
}

type brokenPending struct{}

func (brokenPending) Write(p []byte) (int, error) { return len(p), nil }
func (brokenPending) Commit() error               { return storage.ErrWrite }
func (brokenPending) Abort() error                { return nil }

func (brokenStore) Create(context.Context, string) (storage.Pending, error) {
	return brokenPending{}, nil
}

func TestMergePublishFailureIsWriteError(t *testing.T) {
	w := NewWriter(brokenStore{newStore(t)})
	_, err := w.Merge(context.Background(), "f", hist(common.Row{int64(1), "a", int64(1), int64(1)}), histSpec)
	assert.True(t, errors.Is(err, storage.ErrWrite))
}
