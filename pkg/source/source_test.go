package source

import (
	"context"
	"deltasync/pkg/common"
	"deltasync/pkg/partition"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSQLite(t *testing.T) *SQL {
	t.Helper()
	src, err := Open("sqlite", filepath.Join(t.TempDir(), "src.db"))
	require.NoError(t, err)
	t.Cleanup(func() { src.Close() })

	_, err = src.DB().Exec(`CREATE TABLE tb_Urun (UrunID INTEGER PRIMARY KEY, Ad TEXT, Fiyat REAL)`)
	require.NoError(t, err)
	_, err = src.DB().Exec(`CREATE TABLE tb_Urun_Hist (Hist_ID INTEGER PRIMARY KEY, Hist_Islem INTEGER, UrunID INTEGER, Ad TEXT, Fiyat REAL)`)
	require.NoError(t, err)
	for i := 1; i <= 20; i++ {
		_, err = src.DB().Exec(`INSERT INTO tb_Urun VALUES (?, ?, ?)`, i, "urun", float64(i)*1.5)
		require.NoError(t, err)
	}
	return src
}

func TestSQLTilesMatchesSplit(t *testing.T) {
	src := openSQLite(t)
	ctx := context.Background()

	ranges, err := src.Tiles(ctx, partition.Query{Table: "tb_Urun", Column: "UrunID", After: int64(5), Limit: 10, Partitions: 4})
	require.NoError(t, err)
	var want []any
	for i := int64(6); i <= 15; i++ {
		want = append(want, i)
	}
	assert.Equal(t, partition.Split(want, 4), ranges)

	ranges, err = src.Tiles(ctx, partition.Query{Table: "tb_Urun", Column: "UrunID", After: int64(20), Limit: 10, Partitions: 4})
	require.NoError(t, err)
	assert.Empty(t, ranges)
}

func TestSQLSelectWithConstants(t *testing.T) {
	src := openSQLite(t)
	b, err := src.Select(context.Background(), SelectQuery{
		Table:     "tb_Urun",
		Columns:   []string{"UrunID", "Ad"},
		Constants: []Constant{{Name: "Hist_ID", Value: int64(42)}, {Name: "Hist_Islem", Value: 1}},
		Column:    "UrunID",
		Range:     common.RangeBound{Start: int64(3), End: int64(5)},
		OrderBy:   "UrunID",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"UrunID", "Ad", "Hist_ID", "Hist_Islem"}, b.Columns)
	require.Equal(t, 3, b.Len())
	assert.Equal(t, common.Row{int64(3), "urun", int64(42), int64(1)}, b.Rows[0])
	assert.Equal(t, int64(5), b.Rows[2][0])
}

func TestSQLBoundsAndMax(t *testing.T) {
	src := openSQLite(t)
	ctx := context.Background()

	min, max, err := src.Bounds(ctx, "tb_Urun", "UrunID")
	require.NoError(t, err)
	assert.Equal(t, int64(1), min)
	assert.Equal(t, int64(20), max)

	m, err := src.Max(ctx, "tb_Urun_Hist", "Hist_ID")
	require.NoError(t, err)
	assert.Nil(t, m, "empty table has no max")
}

func TestSQLErrorsAreQueryErrors(t *testing.T) {
	src := openSQLite(t)
	_, err := src.Max(context.Background(), "missing_table", "id")
	var qe *QueryError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, "max", qe.Op)
	assert.Equal(t, "missing_table", qe.Table)

	_, err = src.Select(context.Background(), SelectQuery{Table: "tb_Urun; --", Column: "UrunID"})
	require.True(t, errors.As(err, &qe))
}

func TestMemorySourceMirrorsSQL(t *testing.T) {
	mem := NewMemory()
	cols := []string{"UrunID", "Ad", "Fiyat"}
	for i := 1; i <= 20; i++ {
		require.NoError(t, mem.Insert("tb_Urun", cols, common.Row{i, "urun", float64(i) * 1.5}))
	}
	sq := openSQLite(t)
	ctx := context.Background()

	q := partition.Query{Table: "tb_Urun", Column: "UrunID", After: int64(2), Limit: 7, Partitions: 3}
	want, err := sq.Tiles(ctx, q)
	require.NoError(t, err)
	got, err := mem.Tiles(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	sel := SelectQuery{Table: "tb_Urun", Column: "UrunID", Range: common.RangeBound{Start: int64(4), End: int64(9)}, OrderBy: "UrunID"}
	wantRows, err := sq.Select(ctx, sel)
	require.NoError(t, err)
	gotRows, err := mem.Select(ctx, sel)
	require.NoError(t, err)
	assert.Equal(t, wantRows, gotRows)

	_, err = mem.Select(ctx, SelectQuery{Table: "nope", Column: "x"})
	var qe *QueryError
	assert.True(t, errors.As(err, &qe))
}

func TestMemoryUpdate(t *testing.T) {
	mem := NewMemory()
	require.NoError(t, mem.Insert("t", []string{"id", "v"}, common.Row{1, "a"}, common.Row{2, "b"}))
	n := mem.Update("t", "id", int64(2), func(r common.Row) { r[1] = "z" })
	assert.Equal(t, 1, n)
	_, max, err := mem.Bounds(context.Background(), "t", "v")
	require.NoError(t, err)
	assert.Equal(t, "z", max)
}
