package merge

import (
	"context"
	"deltasync/pkg/bucket"
	"deltasync/pkg/common"
	"deltasync/pkg/storage"
	"deltasync/pkg/storage/colfile"
	"errors"
	"fmt"
	"sort"
)

// ReadQuery selects rows of a replicated table.
type ReadQuery struct {
	PrimaryKey string
	// From and To bound the primary key inclusively; nil leaves that side open.
	From, To *common.KeyType
	// Chunk lets ReadTable skip bucket files whose window misses [From, To].
	// Zero opens every file.
	Chunk int64
	// Limit caps the returned rows; zero returns all of them.
	Limit int
}

func (q ReadQuery) contains(k common.KeyType) bool {
	return (q.From == nil || k >= *q.From) && (q.To == nil || k <= *q.To)
}

func (q ReadQuery) skips(id int64) bool {
	if q.Chunk <= 0 {
		return false
	}
	w := bucket.Window(id, q.Chunk)
	return (q.From != nil && w.End.(int64) < int64(*q.From)) ||
		(q.To != nil && w.Start.(int64) > int64(*q.To))
}

// ReadTable concatenates the bucket files of table in bucket order. Each file is
// sorted by primary key and buckets partition the key space, so the result is
// ordered by primary key.
func ReadTable(ctx context.Context, store storage.Store, table string, q ReadQuery) (*common.Batch, error) {
	names, err := store.List(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("merge: list %s: %w", table, err)
	}
	var ids []int64
	for _, n := range names {
		if id, ok := bucket.ParseFileName(n); ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	filtered := q.From != nil || q.To != nil
	out := &common.Batch{}
	pk := -1
	for _, id := range ids {
		if q.skips(id) {
			continue
		}
		name := bucket.Path(table, id)
		b, err := readFile(ctx, store, name)
		if err != nil {
			return nil, err
		}
		if b == nil {
			continue
		}
		if len(out.Columns) == 0 {
			out.Columns = b.Columns
			if pk = common.ColumnIndex(out.Columns, q.PrimaryKey); pk < 0 && filtered {
				return nil, fmt.Errorf("%w: primary key %q not in %v", ErrSchemaMismatch, q.PrimaryKey, out.Columns)
			}
		} else if b, err = align(b, out.Columns); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}

		for _, row := range b.Rows {
			if filtered {
				key, err := common.AsKey(row[pk])
				if err != nil {
					return nil, fmt.Errorf("merge: %s: %w", name, err)
				}
				if !q.contains(key) {
					continue
				}
			}
			out.Rows = append(out.Rows, row)
			if q.Limit > 0 && len(out.Rows) >= q.Limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// readFile decodes one bucket file; a missing file yields nil.
func readFile(ctx context.Context, store storage.Store, name string) (*common.Batch, error) {
	rc, err := store.Open(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("merge: open %s: %w", name, err)
	}
	defer rc.Close()
	f, err := colfile.Read(rc)
	if err != nil {
		return nil, fmt.Errorf("merge: read %s: %w", name, err)
	}
	return f.Batch, nil
}
