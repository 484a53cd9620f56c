package main

import (
	"context"
	"deltasync/pkg/app"
	"deltasync/pkg/bucket"
	"deltasync/pkg/config"
	"deltasync/pkg/core"
	"deltasync/pkg/storage/colfile"
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// A product table with a trigger-maintained history, synchronized twice.
func main() {
	dir, err := os.MkdirTemp("", "deltasync-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	cfg := config.Default()
	cfg.Source.DSN = filepath.Join(dir, "erp.db")
	cfg.Output.Root = filepath.Join(dir, "warehouse")
	cfg.Sync.ChunkSize = 1000
	cfg.Tables = []config.TableConfig{{
		Name:       "tb_Urun",
		PrimaryKey: "UrunID",
		Columns:    []string{"UrunID", "Ad", "Fiyat"},
	}}
	cfg.ApplyDefaults()

	a, err := app.Open(cfg, app.NewLogger(config.LogConfig{Level: "warn"}, os.Stderr))
	if err != nil {
		log.Fatal(err)
	}
	defer a.Close()

	db := a.Source.DB()
	for _, q := range []string{
		`CREATE TABLE tb_Urun (UrunID INTEGER PRIMARY KEY, Ad TEXT, Fiyat REAL)`,
		`CREATE TABLE tb_Urun_Hist (Hist_ID INTEGER PRIMARY KEY AUTOINCREMENT, Hist_Islem INTEGER, UrunID INTEGER, Ad TEXT, Fiyat REAL)`,
		`CREATE TRIGGER urun_ins AFTER INSERT ON tb_Urun BEGIN
			INSERT INTO tb_Urun_Hist (Hist_Islem, UrunID, Ad, Fiyat) VALUES (1, NEW.UrunID, NEW.Ad, NEW.Fiyat); END`,
		`CREATE TRIGGER urun_upd AFTER UPDATE ON tb_Urun BEGIN
			INSERT INTO tb_Urun_Hist (Hist_Islem, UrunID, Ad, Fiyat) VALUES (2, NEW.UrunID, NEW.Ad, NEW.Fiyat); END`,
		`CREATE TRIGGER urun_del AFTER DELETE ON tb_Urun BEGIN
			INSERT INTO tb_Urun_Hist (Hist_Islem, UrunID, Ad, Fiyat) VALUES (0, OLD.UrunID, OLD.Ad, OLD.Fiyat); END`,
		`WITH RECURSIVE n(i) AS (SELECT 1 UNION ALL SELECT i + 1 FROM n WHERE i < 2500)
			INSERT INTO tb_Urun SELECT i, 'urun-' || i, i * 1.25 FROM n`,
	} {
		if _, err := db.Exec(q); err != nil {
			log.Fatalf("prepare source: %v", err)
		}
	}

	ctx := context.Background()
	run(ctx, a)

	fmt.Println("Updating product 7, adding product 4200, deleting product 1500...")
	for _, q := range []string{
		`UPDATE tb_Urun SET Fiyat = 99.9 WHERE UrunID = 7`,
		`INSERT INTO tb_Urun VALUES (4200, 'yeni', 10)`,
		`DELETE FROM tb_Urun WHERE UrunID = 1500`,
	} {
		if _, err := db.Exec(q); err != nil {
			log.Fatal(err)
		}
	}
	run(ctx, a)

	names, err := a.Store.List(ctx, "tb_Urun")
	if err != nil {
		log.Fatal(err)
	}
	for _, name := range names {
		rc, err := a.Store.Open(ctx, "tb_Urun/"+name)
		if err != nil {
			log.Fatal(err)
		}
		f, err := colfile.Read(rc)
		rc.Close()
		if err != nil {
			log.Fatal(err)
		}
		id, _ := bucket.ParseFileName(name)
		fmt.Printf("  %s window=%v rows=%d\n", name, bucket.Window(id, cfg.Sync.ChunkSize), f.Batch.Len())
	}
}

func run(ctx context.Context, a *app.App) {
	r, err := a.Syncer.Run(ctx, "tb_Urun", core.RunOptions{})
	if err != nil {
		log.Fatalf("run: %v", err)
	}
	fmt.Printf("%s: rows=%d batches=%d buckets=%d checkpoint=%s\n", r.State, r.Rows, r.Batches, r.Buckets, r.Checkpoint)
}
