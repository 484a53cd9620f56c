package main

import (
	"bytes"
	"context"
	"deltasync/pkg/common"
	"deltasync/pkg/config"
	"deltasync/pkg/core"
	"deltasync/pkg/source"
	"deltasync/pkg/storage"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadPrintsRowsAsJSONLines(t *testing.T) {
	ctx := context.Background()
	src := source.NewMemory()
	cols := []string{"MusteriID", "Ad", "Surum"}
	require.NoError(t, src.Insert("tb_Musteri", cols,
		common.Row{int64(1), "a", int64(5)},
		common.Row{int64(12), "b", int64(6)},
		common.Row{int64(25), "c", int64(7)},
	))
	store, err := storage.NewDiskStore(t.TempDir())
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Tables = []config.TableConfig{{
		Name:           "tb_Musteri",
		Model:          config.ModelSnapshot,
		PrimaryKey:     "MusteriID",
		SequenceColumn: "Surum",
		SequenceKind:   "int",
		Strategy:       config.StrategyFixedWindow,
		ChunkSize:      10,
		BatchLimit:     10,
		Partitions:     1,
	}}
	s, err := core.New(src, store, cfg)
	require.NoError(t, err)
	_, err = s.Run(ctx, "tb_Musteri", core.RunOptions{})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, read(ctx, &out, s, "tb_Musteri", "10", "", 0))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, map[string]any{"MusteriID": float64(12), "Ad": "b", "Surum": float64(6)}, first)

	out.Reset()
	require.NoError(t, read(ctx, &out, s, "tb_Musteri", "", "", 1))
	assert.Equal(t, 1, strings.Count(out.String(), "\n"))

	assert.Error(t, read(ctx, &out, s, "", "", "", 0))
	assert.Error(t, read(ctx, &out, s, "tb_Musteri", "abc", "", 0))
	assert.ErrorIs(t, read(ctx, &out, s, "tb_Yok", "", "", 0), core.ErrUnknownTable)
}
