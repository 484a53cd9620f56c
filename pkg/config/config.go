package config

import (
	dsql "deltasync/pkg/sql"
	"deltasync/pkg/watermark"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("config: invalid")

const (
	ModelSnapshot  = "snapshot"
	ModelChangelog = "changelog"

	StrategyFixedWindow = "fixed-window"
	StrategyQuantile    = "quantile"
)

type Config struct {
	Source SourceConfig  `yaml:"source"`
	Output OutputConfig  `yaml:"output"`
	Sync   SyncConfig    `yaml:"sync"`
	Server ServerConfig  `yaml:"server"`
	Log    LogConfig     `yaml:"log"`
	Tables []TableConfig `yaml:"tables"`
}

type SourceConfig struct {
	Driver string `yaml:"driver"` // sqlite | mssql
	DSN    string `yaml:"dsn"`
}

type OutputConfig struct {
	Root     string   `yaml:"root"` // local dir, s3://bucket/prefix or mem://name
	Backup   bool     `yaml:"backup"`
	SpillDir string   `yaml:"spill_dir"`
	Journal  string   `yaml:"journal"` // SQLite file for run records; empty disables
	S3       S3Config `yaml:"s3"`
}

type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	Secure    bool   `yaml:"secure"`
}

type SyncConfig struct {
	ChunkSize         int64         `yaml:"chunk_size"`
	BatchLimit        int           `yaml:"batch_limit"`
	Partitions        int           `yaml:"partitions"`
	MaxBatches        int           `yaml:"max_batches"` // 0 = until the stream is drained
	MaxParallelTables int           `yaml:"max_parallel_tables"`
	QueryTimeout      time.Duration `yaml:"query_timeout"`
	RowGroupSize      int           `yaml:"row_group_size"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"` // HTTP Listen Address (e.g. :8080)
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | console
}

type TableConfig struct {
	Name            string   `yaml:"name"`
	Model           string   `yaml:"model"`
	PrimaryKey      string   `yaml:"primary_key"`
	Columns         []string `yaml:"columns"`
	HistoryTable    string   `yaml:"history_table"`
	SequenceColumn  string   `yaml:"sequence_column"`
	SequenceKind    string   `yaml:"sequence_kind"`
	OperationColumn string   `yaml:"operation_column"`
	Strategy        string   `yaml:"strategy"`
	ChunkSize       int64    `yaml:"chunk_size"`
	BatchLimit      int      `yaml:"batch_limit"`
	Partitions      int      `yaml:"partitions"`
}

// StreamTable is the relation holding the change stream.
func (t TableConfig) StreamTable() string {
	if t.Model == ModelChangelog {
		return t.HistoryTable
	}
	return t.Name
}

func Default() *Config {
	return &Config{
		Source: SourceConfig{Driver: "sqlite"},
		Output: OutputConfig{Root: "deltasync_data"},
		Sync: SyncConfig{
			ChunkSize:         1_000_000,
			BatchLimit:        1_000_000,
			Partitions:        8,
			MaxParallelTables: 4,
			QueryTimeout:      10 * time.Minute,
		},
		Server: ServerConfig{Addr: ":8080"},
		Log:    LogConfig{Level: "info", Format: "console"},
	}
}

func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath == "" {
		for _, p := range []string{"configs/deltasync.yaml", "deltasync.yaml"} {
			data, err := os.ReadFile(p)
			if err == nil {
				if err := yaml.Unmarshal(data, cfg); err != nil {
					return cfg, err
				}
				applyDefaults(cfg)
				return cfg, nil
			}
		}
		applyDefaults(cfg)
		return cfg, nil // no file found: use defaults
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return cfg, err
	}

	applyDefaults(cfg)
	return cfg, nil
}

// ApplyDefaults fills unset fields the way Load does, for configs built in code.
func (c *Config) ApplyDefaults() {
	applyDefaults(c)
}

func applyDefaults(cfg *Config) {
	if cfg.Source.Driver == "" {
		cfg.Source.Driver = "sqlite"
	}
	if cfg.Sync.ChunkSize <= 0 {
		cfg.Sync.ChunkSize = 1_000_000
	}
	if cfg.Sync.BatchLimit <= 0 {
		cfg.Sync.BatchLimit = 1_000_000
	}
	if cfg.Sync.Partitions <= 0 {
		cfg.Sync.Partitions = 8
	}
	if cfg.Sync.MaxParallelTables <= 0 {
		cfg.Sync.MaxParallelTables = 4
	}
	if cfg.Sync.MaxBatches < 0 {
		cfg.Sync.MaxBatches = 0
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	for i := range cfg.Tables {
		applyTableDefaults(&cfg.Tables[i], cfg.Sync)
	}
}

func applyTableDefaults(t *TableConfig, s SyncConfig) {
	t.Model = strings.ToLower(t.Model)
	if t.Model == "" {
		t.Model = ModelChangelog
	}
	if t.Strategy == "" {
		t.Strategy = StrategyFixedWindow
	}
	if t.ChunkSize <= 0 {
		t.ChunkSize = s.ChunkSize
	}
	if t.BatchLimit <= 0 {
		t.BatchLimit = s.BatchLimit
	}
	if t.Partitions <= 0 {
		t.Partitions = s.Partitions
	}
	switch t.Model {
	case ModelChangelog:
		if t.HistoryTable == "" && t.Name != "" {
			t.HistoryTable = t.Name + "_Hist"
		}
		if t.SequenceColumn == "" {
			t.SequenceColumn = "Hist_ID"
		}
		if t.OperationColumn == "" {
			t.OperationColumn = "Hist_Islem"
		}
		if t.SequenceKind == "" {
			t.SequenceKind = string(watermark.KindInt)
		}
	case ModelSnapshot:
		if t.SequenceKind == "" {
			t.SequenceKind = string(watermark.KindRowVersion)
		}
	}
}

// Validate reports the first configuration problem wrapped in ErrInvalid.
func (c *Config) Validate() error {
	if c.Output.Root == "" {
		return fmt.Errorf("%w: output.root is required", ErrInvalid)
	}
	if _, err := dsql.DialectFor(c.Source.Driver); err != nil {
		return fmt.Errorf("%w: source.driver: %v", ErrInvalid, err)
	}
	if c.Sync.QueryTimeout < 0 {
		return fmt.Errorf("%w: sync.query_timeout must not be negative", ErrInvalid)
	}
	seen := make(map[string]bool)
	for _, t := range c.Tables {
		if err := t.Validate(); err != nil {
			return err
		}
		key := strings.ToLower(t.Name)
		if seen[key] {
			return fmt.Errorf("%w: table %s listed twice", ErrInvalid, t.Name)
		}
		seen[key] = true
	}
	return nil
}

func (t TableConfig) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: table %s: %s", ErrInvalid, t.Name, fmt.Sprintf(format, args...))
	}
	if _, err := dsql.ParseName(t.Name); err != nil {
		return fail("%v", err)
	}
	if err := dsql.ValidIdent(t.PrimaryKey); err != nil {
		return fail("primary_key: %v", err)
	}
	for _, c := range t.Columns {
		if err := dsql.ValidIdent(c); err != nil {
			return fail("columns: %v", err)
		}
	}
	switch t.Model {
	case ModelChangelog:
		if _, err := dsql.ParseName(t.HistoryTable); err != nil {
			return fail("history_table: %v", err)
		}
		if err := dsql.ValidIdent(t.OperationColumn); err != nil {
			return fail("operation_column: %v", err)
		}
		if len(t.Columns) == 0 {
			return fail("changelog model needs an explicit column list")
		}
	case ModelSnapshot:
		if t.OperationColumn != "" {
			if err := dsql.ValidIdent(t.OperationColumn); err != nil {
				return fail("operation_column: %v", err)
			}
		}
	default:
		return fail("unknown model %q", t.Model)
	}
	if err := dsql.ValidIdent(t.SequenceColumn); err != nil {
		return fail("sequence_column: %v", err)
	}
	if _, err := watermark.ForKind(watermark.Kind(t.SequenceKind)); err != nil {
		return fail("%v", err)
	}
	if t.Strategy != StrategyFixedWindow && t.Strategy != StrategyQuantile {
		return fail("unknown strategy %q", t.Strategy)
	}
	if t.ChunkSize <= 0 {
		return fail("chunk_size must be positive")
	}
	if t.BatchLimit <= 0 {
		return fail("batch_limit must be positive")
	}
	return nil
}

// Table finds a table by name, ignoring case.
func (c *Config) Table(name string) (TableConfig, bool) {
	for _, t := range c.Tables {
		if strings.EqualFold(t.Name, name) {
			return t, true
		}
	}
	return TableConfig{}, false
}
