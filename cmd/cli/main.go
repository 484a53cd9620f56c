package main

import (
	"context"
	"deltasync/pkg/app"
	"deltasync/pkg/common"
	"deltasync/pkg/config"
	"deltasync/pkg/core"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
)

func main() {
	configPath := flag.String("config", "", "Path to deltasync.yaml")
	table := flag.String("table", "", "Table to process (empty means every configured table)")
	mode := flag.String("mode", "run", "run | init | sync | checkpoint | runs | read")
	reinit := flag.Bool("reinit", false, "Rebuild buckets from scratch and reseed the checkpoint")
	from := flag.String("from", "", "read: lowest primary key to print (inclusive)")
	to := flag.String("to", "", "read: highest primary key to print (inclusive)")
	limit := flag.Int("limit", 0, "read: maximum rows to print (0 prints all)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := app.NewLogger(cfg.Log, os.Stderr)

	a, err := app.Open(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if strings.EqualFold(*mode, "read") {
		err = read(ctx, os.Stdout, a.Syncer, *table, *from, *to, *limit)
	} else {
		err = dispatch(ctx, a, strings.ToLower(*mode), *table, core.RunOptions{Reinit: *reinit})
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		a.Close()
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, a *app.App, mode, table string, opts core.RunOptions) error {
	tables := a.Syncer.Tables()
	if table != "" {
		tables = []string{table}
	}

	switch mode {
	case "run":
		if table == "" {
			results, err := a.Syncer.RunAll(ctx, opts)
			for _, r := range results {
				if r.Err == nil {
					printReport(r.Report)
				}
			}
			return err
		}
		r, err := a.Syncer.Run(ctx, table, opts)
		if err != nil {
			return err
		}
		printReport(r)
	case "init":
		for _, t := range tables {
			r, err := a.Syncer.Init(ctx, t, opts)
			if err != nil {
				return err
			}
			printReport(r)
		}
	case "sync":
		for _, t := range tables {
			r, err := a.Syncer.Sync(ctx, t)
			if err != nil {
				return err
			}
			printReport(r)
		}
	case "checkpoint":
		for _, t := range tables {
			st, err := a.Syncer.Checkpoint(ctx, t)
			if err != nil {
				return err
			}
			if !st.Persisted {
				fmt.Printf("%-24s %s (not persisted)\n", t, st.LastSequence)
				continue
			}
			fmt.Printf("%-24s %s (updated %s)\n", t, st.LastSequence, humanize.Time(st.LastUpdate))
		}
	case "runs":
		if a.Journal == nil {
			return fmt.Errorf("run journal disabled: set output.journal")
		}
		runs, err := a.Journal.Recent(ctx, table, 20)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
	return nil
}

type rowReader interface {
	Rows(ctx context.Context, table string, from, to *common.KeyType, limit int) (*common.Batch, error)
}

// read prints the replicated rows of one table as JSON lines, one object per row.
func read(ctx context.Context, w io.Writer, src rowReader, table, from, to string, limit int) error {
	if table == "" {
		return fmt.Errorf("read needs -table")
	}
	lo, err := parseKey(from)
	if err != nil {
		return fmt.Errorf("invalid -from: %w", err)
	}
	hi, err := parseKey(to)
	if err != nil {
		return fmt.Errorf("invalid -to: %w", err)
	}
	b, err := src.Rows(ctx, table, lo, hi, limit)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for _, row := range b.Rows {
		obj := make(map[string]any, len(b.Columns))
		for i, c := range b.Columns {
			obj[c] = row[i]
		}
		if err := enc.Encode(obj); err != nil {
			return err
		}
	}
	fmt.Fprintf(os.Stderr, "%s: %s rows\n", table, humanize.Comma(int64(b.Len())))
	return nil
}

func parseKey(v string) (*common.KeyType, error) {
	if v == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, err
	}
	k := common.KeyType(n)
	return &k, nil
}

func printReport(r core.Report) {
	fmt.Printf("%-24s %-4s rows=%s batches=%d buckets=%d removed=%d checkpoint=%s took=%v\n",
		r.Table, r.State, humanize.Comma(r.Rows), r.Batches, r.Buckets, r.Removed, r.Checkpoint, r.Duration)
}
