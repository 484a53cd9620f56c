package merge

import (
	"context"
	"deltasync/pkg/common"
	"deltasync/pkg/storage"
	"deltasync/pkg/storage/colfile"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

var ErrSchemaMismatch = errors.New("merge: change columns do not match bucket schema")

// Spec names the columns that drive deduplication.
type Spec struct {
	PrimaryKey string
	// OrderColumn picks the winner among rows with equal keys; empty means last arrival wins.
	OrderColumn string
	// OperationColumn, when set and present, drops winners whose value is <= 0.
	OperationColumn string
}

type Result struct {
	Rows     int
	Inserted int
	Updated  int
	Deleted  int
	Created  bool
}

type Writer struct {
	store    storage.Store
	degree   int
	rowGroup int
	logger   zerolog.Logger
}

type Option func(*Writer)

func WithLogger(l zerolog.Logger) Option {
	return func(w *Writer) { w.logger = l }
}

func WithRowGroupSize(n int) Option {
	return func(w *Writer) { w.rowGroup = n }
}

func NewWriter(store storage.Store, opts ...Option) *Writer {
	w := &Writer{store: store, degree: 32, rowGroup: colfile.DefaultRowGroupSize, logger: zerolog.Nop()}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Merge applies changes to the bucket file name and republishes it atomically.
func (w *Writer) Merge(ctx context.Context, name string, changes *common.Batch, spec Spec) (Result, error) {
	existing, err := readFile(ctx, w.store, name)
	if err != nil {
		return Result{}, err
	}
	return w.apply(ctx, name, existing, changes, spec)
}

// Replace writes changes as the whole content of name, ignoring any existing file.
func (w *Writer) Replace(ctx context.Context, name string, rows *common.Batch, spec Spec) (Result, error) {
	return w.apply(ctx, name, nil, rows, spec)
}

func (w *Writer) apply(ctx context.Context, name string, existing, changes *common.Batch, spec Spec) (Result, error) {
	start := time.Now()
	columns := changes.Columns
	if existing != nil {
		columns = existing.Columns
		aligned, err := align(changes, columns)
		if err != nil {
			return Result{}, fmt.Errorf("%s: %w", name, err)
		}
		changes = aligned
	}

	pk := common.ColumnIndex(columns, spec.PrimaryKey)
	if pk < 0 {
		return Result{}, fmt.Errorf("%w: primary key %q not in %v", ErrSchemaMismatch, spec.PrimaryKey, columns)
	}
	order, op := -1, -1
	if spec.OrderColumn != "" {
		order = common.ColumnIndex(columns, spec.OrderColumn)
	}
	if spec.OperationColumn != "" {
		op = common.ColumnIndex(columns, spec.OperationColumn)
	}

	t := NewTable(w.degree, order)
	if existing != nil {
		for _, row := range existing.Rows {
			key, err := common.AsKey(row[pk])
			if err != nil {
				return Result{}, fmt.Errorf("merge: %s: existing row: %w", name, err)
			}
			t.Put(key, row, false)
		}
	}
	for _, row := range changes.Rows {
		key, err := common.AsKey(row[pk])
		if err != nil {
			return Result{}, fmt.Errorf("merge: %s: change row: %w", name, err)
		}
		t.Put(key, row, true)
	}

	res := Result{Created: existing == nil}
	out := &common.Batch{Columns: columns, Rows: make([]common.Row, 0, t.Count())}
	t.Iterator(func(it Item) bool {
		if op >= 0 && common.Compare(it.Row[op], int64(0)) <= 0 {
			if it.Existing {
				res.Deleted++
			}
			return true
		}
		if it.Changed {
			if it.Existing {
				res.Updated++
			} else {
				res.Inserted++
			}
		}
		out.Rows = append(out.Rows, it.Row)
		return true
	})
	res.Rows = out.Len()

	if err := w.publish(ctx, name, out); err != nil {
		return Result{}, err
	}
	w.logger.Debug().
		Str("file", name).
		Str("rows", humanize.Comma(int64(res.Rows))).
		Int("inserted", res.Inserted).
		Int("updated", res.Updated).
		Int("deleted", res.Deleted).
		Bool("created", res.Created).
		Dur("took", time.Since(start)).
		Msg("bucket written")
	return res, nil
}

func (w *Writer) publish(ctx context.Context, name string, b *common.Batch) error {
	p, err := w.store.Create(ctx, name)
	if err != nil {
		return err
	}
	if err := colfile.Write(p, b, colfile.WithRowGroupSize(w.rowGroup)); err != nil {
		p.Abort()
		if errors.Is(err, storage.ErrWrite) {
			return err
		}
		return fmt.Errorf("%w: encode %s: %w", storage.ErrWrite, name, err)
	}
	return p.Commit()
}

// align reorders the columns of b to match columns by name.
func align(b *common.Batch, columns []string) (*common.Batch, error) {
	if common.SameColumns(b.Columns, columns) {
		return b, nil
	}
	if len(b.Columns) != len(columns) {
		return nil, fmt.Errorf("%w: have %v, want %v", ErrSchemaMismatch, b.Columns, columns)
	}
	pos := make([]int, len(columns))
	for i, c := range columns {
		j := b.Index(c)
		if j < 0 {
			return nil, fmt.Errorf("%w: missing column %q (have %s)", ErrSchemaMismatch, c, strings.Join(b.Columns, ", "))
		}
		pos[i] = j
	}
	out := &common.Batch{Columns: columns, Rows: make([]common.Row, len(b.Rows))}
	for r, row := range b.Rows {
		nr := make(common.Row, len(columns))
		for i, j := range pos {
			nr[i] = row[j]
		}
		out.Rows[r] = nr
	}
	return out, nil
}
