// Package app assembles a Synchronizer and its dependencies from a Config.
package app

import (
	"deltasync/pkg/config"
	"deltasync/pkg/core"
	"deltasync/pkg/monitor"
	"deltasync/pkg/source"
	"deltasync/pkg/storage"
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the process logger. Format "json" writes one object per line;
// anything else is the human console format.
func NewLogger(cfg config.LogConfig, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stdout
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var zlog zerolog.Logger
	if strings.EqualFold(cfg.Format, "json") {
		zlog = zerolog.New(out)
	} else {
		zlog = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05.000"})
	}
	return zlog.Level(level).With().Timestamp().Logger()
}

type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Source  *source.SQL
	Store   storage.Store
	Journal storage.Journal
	Stats   *monitor.SyncStats
	Syncer  *core.Synchronizer
}

// Open validates cfg and connects the source, output store and optional journal.
func Open(cfg *config.Config, logger zerolog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: logger, Stats: monitor.NewSyncStats()}

	src, err := source.Open(cfg.Source.Driver, cfg.Source.DSN,
		source.WithQueryTimeout(cfg.Sync.QueryTimeout),
		source.WithLogger(logger.With().Str("component", "source").Logger()))
	if err != nil {
		return nil, err
	}
	a.Source = src

	a.Store, err = storage.Open(cfg.Output.Root, storage.Options{
		Backup:   cfg.Output.Backup,
		SpillDir: cfg.Output.SpillDir,
		S3: storage.S3Options{
			Endpoint:  cfg.Output.S3.Endpoint,
			AccessKey: cfg.Output.S3.AccessKey,
			SecretKey: cfg.Output.S3.SecretKey,
			Region:    cfg.Output.S3.Region,
			Secure:    cfg.Output.S3.Secure,
		},
		Logger: logger.With().Str("component", "storage").Logger(),
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	opts := []core.Option{core.WithLogger(logger), core.WithStats(a.Stats)}
	if cfg.Output.Journal != "" {
		j, err := storage.OpenSQLiteJournal(cfg.Output.Journal)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Journal = j
		opts = append(opts, core.WithJournal(j))
	}

	a.Syncer, err = core.New(a.Source, a.Store, cfg, opts...)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) Close() error {
	var errs []error
	if a.Journal != nil {
		errs = append(errs, a.Journal.Close())
	}
	if a.Source != nil {
		errs = append(errs, a.Source.Close())
	}
	return errors.Join(errs...)
}
