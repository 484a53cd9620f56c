package source

import (
	"context"
	"database/sql"
	"deltasync/pkg/common"
	"deltasync/pkg/partition"
	dsql "deltasync/pkg/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// SQL is a Source over database/sql.
type SQL struct {
	db      *sql.DB
	dialect dsql.Dialect
	timeout time.Duration
	logger  zerolog.Logger
}

type Option func(*SQL)

// WithQueryTimeout bounds every source call. Zero disables the bound.
func WithQueryTimeout(d time.Duration) Option {
	return func(s *SQL) { s.timeout = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *SQL) { s.logger = l }
}

func NewSQL(db *sql.DB, dialect dsql.Dialect, opts ...Option) *SQL {
	s := &SQL{db: db, dialect: dialect, logger: zerolog.Nop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open connects with a registered driver. "sqlite" is always available.
func Open(driver, dsn string, opts ...Option) (*SQL, error) {
	d, err := dsql.DialectFor(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("source: open %s: %w", driver, err)
	}
	return NewSQL(db, d, opts...), nil
}

func (s *SQL) DB() *sql.DB {
	return s.db
}

func (s *SQL) Close() error {
	return s.db.Close()
}

func (s *SQL) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *SQL) Tiles(ctx context.Context, q partition.Query) ([]common.RangeBound, error) {
	st, err := s.dialect.Quantiles(q.Table, q.Column, q.After, q.Limit, q.Partitions)
	if err != nil {
		return nil, queryError("quantiles", q.Table, err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, st.Query, st.Args...)
	if err != nil {
		return nil, queryError("quantiles", q.Table, err)
	}
	defer rows.Close()

	var out []common.RangeBound
	for rows.Next() {
		var start, end any
		if err := rows.Scan(&start, &end); err != nil {
			return nil, queryError("quantiles", q.Table, err)
		}
		out = append(out, common.RangeBound{Start: common.Normalize(start), End: common.Normalize(end)})
	}
	if err := rows.Err(); err != nil {
		return nil, queryError("quantiles", q.Table, err)
	}
	return out, nil
}

func (s *SQL) Bounds(ctx context.Context, table, column string) (any, any, error) {
	st, err := s.dialect.Bounds(table, column)
	if err != nil {
		return nil, nil, queryError("bounds", table, err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var min, max any
	if err := s.db.QueryRowContext(ctx, st.Query, st.Args...).Scan(&min, &max); err != nil {
		return nil, nil, queryError("bounds", table, err)
	}
	return common.Normalize(min), common.Normalize(max), nil
}

func (s *SQL) Max(ctx context.Context, table, column string) (any, error) {
	st, err := s.dialect.Max(table, column)
	if err != nil {
		return nil, queryError("max", table, err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var max any
	if err := s.db.QueryRowContext(ctx, st.Query, st.Args...).Scan(&max); err != nil {
		return nil, queryError("max", table, err)
	}
	return common.Normalize(max), nil
}

func (s *SQL) Select(ctx context.Context, q SelectQuery) (*common.Batch, error) {
	st, err := s.dialect.SelectRange(q.Table, q.Columns, q.Constants, q.Column, q.Range.Start, q.Range.End, q.OrderBy)
	if err != nil {
		return nil, queryError("select", q.Table, err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	rows, err := s.db.QueryContext(ctx, st.Query, st.Args...)
	if err != nil {
		return nil, queryError("select", q.Table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, queryError("select", q.Table, err)
	}
	batch := &common.Batch{Columns: cols}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, queryError("select", q.Table, err)
		}
		for i := range vals {
			vals[i] = common.Normalize(vals[i])
		}
		batch.Rows = append(batch.Rows, common.Row(vals))
	}
	if err := rows.Err(); err != nil {
		return nil, queryError("select", q.Table, err)
	}
	s.logger.Debug().
		Str("table", q.Table).
		Stringer("range", q.Range).
		Int("rows", batch.Len()).
		Dur("took", time.Since(start)).
		Msg("range selected")
	return batch, nil
}
