package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	_, err := Load("/nonexistent/path/deltasync.yaml")
	if err == nil {
		t.Fatal("expected error for nonexistent path")
	}
	// Load with empty path uses default search (may use defaults if no config file)
	cfg, _ := Load("")
	if cfg.Server.Addr != ":8080" {
		t.Errorf("default addr: got %s", cfg.Server.Addr)
	}
	if cfg.Sync.ChunkSize != 1_000_000 {
		t.Errorf("default chunk_size: got %d", cfg.Sync.ChunkSize)
	}
	if cfg.Sync.Partitions != 8 {
		t.Errorf("default partitions: got %d", cfg.Sync.Partitions)
	}
	if cfg.Source.Driver != "sqlite" {
		t.Errorf("default driver: got %s", cfg.Source.Driver)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	content := `
source:
  driver: sqlite
  dsn: "file:erp.db"
output:
  root: "warehouse"
  backup: true
sync:
  chunk_size: 1000
  max_batches: 3
  query_timeout: 30s
server:
  addr: ":9000"
tables:
  - name: tb_Urun
    primary_key: UrunID
    columns: [UrunID, Ad, Fiyat]
  - name: tb_Musteri
    model: snapshot
    primary_key: MusteriID
    sequence_column: rv
    strategy: quantile
    chunk_size: 500
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Server.Addr != ":9000" {
		t.Errorf("addr: got %s", cfg.Server.Addr)
	}
	if cfg.Sync.QueryTimeout != 30*time.Second {
		t.Errorf("query_timeout: got %s", cfg.Sync.QueryTimeout)
	}
	if !cfg.Output.Backup || cfg.Output.Root != "warehouse" {
		t.Errorf("output: got %+v", cfg.Output)
	}

	urun, ok := cfg.Table("TB_URUN")
	if !ok {
		t.Fatal("tb_Urun not found")
	}
	if urun.Model != ModelChangelog || urun.HistoryTable != "tb_Urun_Hist" || urun.StreamTable() != "tb_Urun_Hist" {
		t.Errorf("changelog defaults: got %+v", urun)
	}
	if urun.SequenceColumn != "Hist_ID" || urun.OperationColumn != "Hist_Islem" || urun.SequenceKind != "int" {
		t.Errorf("changelog columns: got %+v", urun)
	}
	if urun.ChunkSize != 1000 || urun.Strategy != StrategyFixedWindow {
		t.Errorf("inherited sync settings: got %+v", urun)
	}

	musteri, _ := cfg.Table("tb_Musteri")
	if musteri.StreamTable() != "tb_Musteri" || musteri.SequenceKind != "rowversion" || musteri.OperationColumn != "" {
		t.Errorf("snapshot defaults: got %+v", musteri)
	}
	if musteri.ChunkSize != 500 || musteri.Strategy != StrategyQuantile {
		t.Errorf("table overrides: got %+v", musteri)
	}
}

func TestValidateRejectsBadTables(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.Tables = []TableConfig{{Name: "tb_Urun", PrimaryKey: "UrunID", Columns: []string{"UrunID"}}}
		applyDefaults(cfg)
		return cfg
	}
	if err := base().Validate(); err != nil {
		t.Fatalf("base config should be valid: %v", err)
	}

	cases := map[string]func(c *Config){
		"missing root":      func(c *Config) { c.Output.Root = "" },
		"unknown driver":    func(c *Config) { c.Source.Driver = "oracle" },
		"bad table name":    func(c *Config) { c.Tables[0].Name = "tb;drop" },
		"bad primary key":   func(c *Config) { c.Tables[0].PrimaryKey = "" },
		"unknown model":     func(c *Config) { c.Tables[0].Model = "cdc" },
		"no columns":        func(c *Config) { c.Tables[0].Columns = nil },
		"zero chunk":        func(c *Config) { c.Tables[0].ChunkSize = 0 },
		"unknown kind":      func(c *Config) { c.Tables[0].SequenceKind = "uuid" },
		"unknown strategy":  func(c *Config) { c.Tables[0].Strategy = "hash" },
		"duplicate table":   func(c *Config) { c.Tables = append(c.Tables, c.Tables[0]) },
		"negative timeout":  func(c *Config) { c.Sync.QueryTimeout = -time.Second },
		"bad column name":   func(c *Config) { c.Tables[0].Columns = []string{"a b"} },
		"bad history table": func(c *Config) { c.Tables[0].HistoryTable = "x.y.z" },
	}
	for name, mutate := range cases {
		cfg := base()
		mutate(cfg)
		if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
			t.Errorf("%s: expected ErrInvalid, got %v", name, err)
		}
	}
}
