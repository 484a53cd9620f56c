// Package changes streams a change log in ascending sequence order, one bounded
// batch at a time, starting strictly after a watermark.
package changes

import (
	"context"
	"deltasync/pkg/common"
	"deltasync/pkg/partition"
	"deltasync/pkg/source"
	"deltasync/pkg/watermark"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ErrEmptyRange reports a tiled range whose select returned nothing. The batch is
// abandoned so the checkpoint cannot move past rows that were never read.
var ErrEmptyRange = errors.New("changes: range selected no rows")

// Config describes the change stream of one table.
type Config struct {
	// Table is the stream relation: the history table or the table itself.
	Table    string
	Sequence string
	// Columns projected from the stream; empty selects all.
	Columns []string
	Codec   watermark.Codec
	// Limit caps the distinct sequence values per batch.
	Limit      int
	Partitions int
}

// Batch is one slice of the stream. Every row's sequence is in (cursor, Max].
type Batch struct {
	*common.Batch
	Max    watermark.Token
	Ranges int
}

type Reader struct {
	src    source.Source
	part   *partition.Partitioner
	cfg    Config
	logger zerolog.Logger
}

type Option func(*Reader)

func WithLogger(l zerolog.Logger) Option {
	return func(r *Reader) { r.logger = l }
}

func NewReader(src source.Source, cfg Config, opts ...Option) (*Reader, error) {
	if cfg.Table == "" || cfg.Sequence == "" {
		return nil, errors.New("changes: table and sequence column are required")
	}
	if cfg.Codec == nil {
		return nil, errors.New("changes: codec is required")
	}
	if cfg.Limit <= 0 {
		return nil, fmt.Errorf("%w: %d", partition.ErrInvalidLimit, cfg.Limit)
	}
	r := &Reader{src: src, cfg: cfg, logger: zerolog.Nop()}
	for _, o := range opts {
		o(r)
	}
	r.part = partition.New(src, partition.WithLogger(r.logger))
	return r, nil
}

// Scan starts an iteration strictly after the watermark. Scanning again with the
// same watermark yields the same batches.
func (r *Reader) Scan(after watermark.Token) *Iterator {
	return &Iterator{r: r, cursor: after}
}

type Iterator struct {
	r      *Reader
	cursor watermark.Token
	batch  *Batch
	err    error
	done   bool
}

// Next fetches the following batch. It returns false at the end of the stream or on error.
func (it *Iterator) Next(ctx context.Context) bool {
	if it.done {
		return false
	}
	b, err := it.r.fetch(ctx, it.cursor)
	if err != nil {
		it.err = err
		it.done = true
		it.batch = nil
		return false
	}
	if b == nil {
		it.done = true
		it.batch = nil
		return false
	}
	it.batch = b
	it.cursor = b.Max
	return true
}

func (it *Iterator) Batch() *Batch {
	return it.batch
}

func (it *Iterator) Err() error {
	return it.err
}

// Cursor is the watermark after the last returned batch.
func (it *Iterator) Cursor() watermark.Token {
	return it.cursor
}

func (r *Reader) fetch(ctx context.Context, after watermark.Token) (*Batch, error) {
	ranges, err := r.part.Ranges(ctx, partition.Query{
		Table:      r.cfg.Table,
		Column:     r.cfg.Sequence,
		After:      r.cfg.Codec.Arg(after),
		Limit:      r.cfg.Limit,
		Partitions: r.cfg.Partitions,
	})
	if err != nil {
		return nil, wrap("ranges", r.cfg.Table, err)
	}
	if len(ranges) == 0 {
		return nil, nil
	}

	parts := make([]*common.Batch, len(ranges))
	errs := make([]error, len(ranges))
	var wg sync.WaitGroup
	for i, rg := range ranges {
		wg.Add(1)
		go func(i int, rg common.RangeBound) {
			defer wg.Done()
			parts[i], errs[i] = r.src.Select(ctx, source.SelectQuery{
				Table:   r.cfg.Table,
				Columns: r.cfg.Columns,
				Column:  r.cfg.Sequence,
				Range:   rg,
				OrderBy: r.cfg.Sequence,
			})
		}(i, rg)
	}
	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		return nil, wrap("select", r.cfg.Table, err)
	}

	out := &common.Batch{}
	for i, p := range parts {
		// Every range was tiled from existing values, so an empty one means the
		// bounds no longer match what the source stores.
		if p == nil || p.Len() == 0 {
			return nil, fmt.Errorf("%w: [%v, %v] of %s", ErrEmptyRange, ranges[i].Start, ranges[i].End, r.cfg.Table)
		}
		if len(out.Columns) == 0 {
			out.Columns = p.Columns
		}
		if err := out.Append(p); err != nil {
			return nil, wrap("select", r.cfg.Table, err)
		}
	}
	max, err := r.cfg.Codec.FromValue(ranges[len(ranges)-1].End)
	if err != nil {
		return nil, fmt.Errorf("changes: batch max: %w", err)
	}
	if r.cfg.Codec.Compare(max, after) <= 0 {
		return nil, fmt.Errorf("changes: batch max %s does not advance past %s", max, after)
	}
	r.logger.Debug().
		Str("table", r.cfg.Table).
		Str("after", string(after)).
		Str("max", string(max)).
		Int("ranges", len(ranges)).
		Int("rows", out.Len()).
		Msg("change batch read")
	return &Batch{Batch: out, Max: max, Ranges: len(ranges)}, nil
}

// wrap keeps existing QueryErrors and classifies everything else as one.
func wrap(op, table string, err error) error {
	var qe *source.QueryError
	if errors.As(err, &qe) {
		return err
	}
	return &source.QueryError{Op: op, Table: table, Err: err}
}
