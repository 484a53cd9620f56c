package source

import (
	"context"
	"deltasync/pkg/common"
	"deltasync/pkg/partition"
	dsql "deltasync/pkg/sql"
	"fmt"
)

// Constant is a literal column appended to selected rows.
type Constant = dsql.Constant

// SelectQuery reads the rows of Table whose Column lies within Range.
type SelectQuery struct {
	Table string
	// Columns to project; empty selects every column.
	Columns   []string
	Constants []Constant
	Column    string
	Range     common.RangeBound
	OrderBy   string
}

// Source is the query capability the synchronizer needs from the origin database.
type Source interface {
	partition.Tiler
	// Bounds returns MIN and MAX of column; both are nil for an empty table.
	Bounds(ctx context.Context, table, column string) (min, max any, err error)
	// Max returns MAX of column, or nil for an empty table.
	Max(ctx context.Context, table, column string) (any, error)
	Select(ctx context.Context, q SelectQuery) (*common.Batch, error)
}

// QueryError reports a failed source query. It is never retried internally.
type QueryError struct {
	Op    string
	Table string
	Err   error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("source: %s %s: %v", e.Op, e.Table, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

func queryError(op, table string, err error) error {
	if err == nil {
		return nil
	}
	return &QueryError{Op: op, Table: table, Err: err}
}
