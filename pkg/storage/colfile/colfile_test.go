package colfile

import (
	"bytes"
	"deltasync/pkg/common"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleBatch() *common.Batch {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 123456000, time.UTC)
	return &common.Batch{
		Columns: []string{"UrunID", "Ad", "Fiyat", "Aktif", "Guncelleme", "rv", "Not"},
		Rows: []common.Row{
			{int64(1), "kalem", 1.25, true, ts, []byte{0, 0, 0, 0, 0, 0, 0, 1}, nil},
			{int64(2), "defter", 7.5, false, ts.Add(time.Hour), []byte{0, 0, 0, 0, 0, 0, 0, 2}, "x"},
			{int64(3), nil, nil, nil, nil, nil, int64(5)},
		},
	}
}

func TestRoundTripPreservesValues(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sampleBatch(), WithRowGroupSize(2)))

	f, err := Read(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, sampleBatch(), f.Batch)

	types := map[string]string{}
	for _, c := range f.Columns {
		types[c.Name] = c.Type
	}
	assert.Equal(t, TypeInt, types["UrunID"])
	assert.Equal(t, TypeString, types["Ad"])
	assert.Equal(t, TypeFloat, types["Fiyat"])
	assert.Equal(t, TypeBool, types["Aktif"])
	assert.Equal(t, TypeTime, types["Guncelleme"])
	assert.Equal(t, TypeBytes, types["rv"])
	assert.Equal(t, TypeAny, types["Not"])
}

func TestOutputIsDeterministic(t *testing.T) {
	var a, b bytes.Buffer
	require.NoError(t, Write(&a, sampleBatch()))
	require.NoError(t, Write(&b, sampleBatch()))
	assert.Equal(t, a.Bytes(), b.Bytes())
}

func TestEmptyFileKeepsSchema(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, &common.Batch{Columns: []string{"id", "v"}}))
	f, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "v"}, f.Batch.Columns)
	assert.Equal(t, 0, f.Batch.Len())
}

func TestManyRowGroups(t *testing.T) {
	batch := &common.Batch{Columns: []string{"id", "name"}}
	for i := 0; i < 1000; i++ {
		batch.Rows = append(batch.Rows, common.Row{int64(i * 300), "n"})
	}
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, batch, WithRowGroupSize(64)))
	f, err := Read(&buf)
	require.NoError(t, err)
	require.Equal(t, 1000, f.Batch.Len())
	assert.Equal(t, int64(999*300), f.Batch.Rows[999][0])
}

func TestReadRejectsCorruptFiles(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sampleBatch()))
	good := buf.Bytes()

	_, err := Read(bytes.NewReader([]byte("short")))
	assert.True(t, errors.Is(err, ErrFormat))

	bad := append([]byte(nil), good...)
	bad[0] ^= 0xFF
	_, err = Read(bytes.NewReader(bad))
	assert.True(t, errors.Is(err, ErrFormat))

	_, err = Read(bytes.NewReader(good[:len(good)-6]))
	assert.Error(t, err, "truncated file")

	flipped := append([]byte(nil), good...)
	flipped[len(flipped)-5] ^= 0xFF // gzip CRC/size trailer
	_, err = Read(bytes.NewReader(flipped))
	assert.Error(t, err)
}

func TestBuilderRejectsShortRows(t *testing.T) {
	b := NewBuilder(&bytes.Buffer{}, []string{"a", "b"})
	assert.Error(t, b.Add(common.Row{int64(1)}))
}
