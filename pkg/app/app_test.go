package app

import (
	"bytes"
	"context"
	"deltasync/pkg/config"
	"deltasync/pkg/core"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	log.Info().Msg("hidden")
	log.Warn().Str("table", "tb_Urun").Msg("shown")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "shown", entry["message"])
	assert.Equal(t, "tb_Urun", entry["table"])
}

func TestOpenRunsAgainstSQLite(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Source.DSN = filepath.Join(dir, "erp.db")
	cfg.Output.Root = filepath.Join(dir, "out")
	cfg.Output.Journal = filepath.Join(dir, "runs.db")
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

	a, err := Open(cfg, NewLogger(cfg.Log, &bytes.Buffer{}))
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Source.DB().Exec(`CREATE TABLE tb_Musteri (MusteriID INTEGER PRIMARY KEY, Ad TEXT, Surum INTEGER)`)
	require.NoError(t, err)
	_, err = a.Source.DB().Exec(`INSERT INTO tb_Musteri VALUES (1, 'a', 5), (12, 'b', 6)`)
	require.NoError(t, err)

	r, err := a.Syncer.Run(context.Background(), "tb_Musteri", core.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, r.Buckets)
	assert.Equal(t, "6", string(r.Checkpoint))
	assert.Equal(t, uint64(1), a.Stats.Snapshot().Inits)

	runs, err := a.Journal.Recent(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Source.Driver = "oracle"
	_, err := Open(cfg, NewLogger(cfg.Log, &bytes.Buffer{}))
	assert.ErrorIs(t, err, config.ErrInvalid)
}
