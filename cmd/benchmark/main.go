package main

import (
	"context"
	"deltasync/pkg/common"
	"deltasync/pkg/config"
	"deltasync/pkg/core"
	"deltasync/pkg/source"
	"deltasync/pkg/storage"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/dustin/go-humanize"
)

var (
	columns     = []string{"UrunID", "Ad", "Fiyat"}
	histColumns = []string{"Hist_ID", "Hist_Islem", "UrunID", "Ad", "Fiyat"}
)

func main() {
	nRows := flag.Int("rows", 1_000_000, "Rows in the source table")
	nChanges := flag.Int("changes", 100_000, "History rows applied by the sync phase")
	chunk := flag.Int64("chunk", 250_000, "Bucket size in primary key units")
	limit := flag.Int("limit", 20_000, "Distinct sequence values per batch")
	strategy := flag.String("strategy", config.StrategyFixedWindow, "INIT strategy: fixed-window | quantile")
	flag.Parse()

	dir, err := os.MkdirTemp("", "deltasync-bench")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	src := source.NewMemory()
	rows := make([]common.Row, 0, *nRows)
	for i := 1; i <= *nRows; i++ {
		rows = append(rows, common.Row{int64(i), fmt.Sprintf("urun-%d", i), float64(i) / 4})
	}
	if err := src.Insert("tb_Urun", columns, rows...); err != nil {
		log.Fatal(err)
	}
	if err := src.Insert("tb_Urun_Hist", histColumns); err != nil {
		log.Fatal(err)
	}

	store, err := storage.NewDiskStore(dir)
	if err != nil {
		log.Fatal(err)
	}
	cfg := config.Default()
	cfg.Output.Root = dir
	cfg.Sync.ChunkSize = *chunk
	cfg.Sync.BatchLimit = *limit
	cfg.Tables = []config.TableConfig{{Name: "tb_Urun", PrimaryKey: "UrunID", Columns: columns, Strategy: *strategy}}
	cfg.ApplyDefaults()

	syncer, err := core.New(src, store, cfg)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("deltasync benchmark: rows=%s changes=%s chunk=%s strategy=%s\n",
		humanize.Comma(int64(*nRows)), humanize.Comma(int64(*nChanges)), humanize.Comma(*chunk), *strategy)
	fmt.Println("---------------------------------------------------")

	ctx := context.Background()
	initTime := measure(ctx, syncer, "INIT")

	hist := make([]common.Row, 0, *nChanges)
	for i := 1; i <= *nChanges; i++ {
		// Spread updates across every bucket; every tenth change is a delete.
		key := int64((i*7919)%*nRows + 1)
		op := int64(2)
		if i%10 == 0 {
			op = 0
		}
		hist = append(hist, common.Row{int64(i), op, key, "guncel", float64(i)})
	}
	if err := src.Insert("tb_Urun_Hist", histColumns, hist...); err != nil {
		log.Fatal(err)
	}
	syncTime := measure(ctx, syncer, "SYNC")

	fmt.Println("---------------------------------------------------")
	fmt.Printf("INIT %.0f rows/s | SYNC %.0f changes/s\n",
		float64(*nRows)/initTime.Seconds(), float64(*nChanges)/syncTime.Seconds())
}

func measure(ctx context.Context, s *core.Synchronizer, label string) time.Duration {
	start := time.Now()
	r, err := s.Run(ctx, "tb_Urun", core.RunOptions{})
	if err != nil {
		log.Fatalf("%s failed: %v", label, err)
	}
	took := time.Since(start)
	fmt.Printf(">> %s: rows=%s batches=%d buckets=%d in %v\n",
		label, humanize.Comma(r.Rows), r.Batches, r.Buckets, took)
	return took
}
