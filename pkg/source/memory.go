package source

import (
	"context"
	"deltasync/pkg/common"
	"deltasync/pkg/partition"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-process Source holding tables as batches. Values should be
// of one kind per column so ordering matches a SQL engine.
type Memory struct {
	mu     sync.RWMutex
	tables map[string]*common.Batch
}

func NewMemory() *Memory {
	return &Memory{tables: make(map[string]*common.Batch)}
}

// Insert appends rows to table, creating it with columns on first use.
func (m *Memory) Insert(table string, columns []string, rows ...common.Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[table]
	if !ok {
		t = &common.Batch{Columns: append([]string(nil), columns...)}
		m.tables[table] = t
	}
	norm := make([]common.Row, len(rows))
	for i, r := range rows {
		if len(r) != len(columns) {
			return fmt.Errorf("source: row has %d values for %d columns", len(r), len(columns))
		}
		nr := make(common.Row, len(r))
		for j, v := range r {
			nr[j] = common.Normalize(v)
		}
		norm[i] = nr
	}
	return t.Append(&common.Batch{Columns: columns, Rows: norm})
}

// Update rewrites every row whose key column equals key via fn.
func (m *Memory) Update(table, keyColumn string, key any, fn func(common.Row)) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[table]
	if !ok {
		return 0
	}
	idx := t.Index(keyColumn)
	n := 0
	for _, r := range t.Rows {
		if idx >= 0 && common.Compare(r[idx], key) == 0 {
			fn(r)
			n++
		}
	}
	return n
}

func (m *Memory) table(name string) (*common.Batch, error) {
	t, ok := m.tables[name]
	if !ok {
		return nil, fmt.Errorf("no such table: %s", name)
	}
	return t, nil
}

func (m *Memory) column(t *common.Batch, table, name string) (int, error) {
	idx := t.Index(name)
	if idx < 0 {
		return -1, fmt.Errorf("no such column: %s.%s", table, name)
	}
	return idx, nil
}

func (m *Memory) Tiles(_ context.Context, q partition.Query) ([]common.RangeBound, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, err := m.table(q.Table)
	if err != nil {
		return nil, queryError("quantiles", q.Table, err)
	}
	idx, err := m.column(t, q.Table, q.Column)
	if err != nil {
		return nil, queryError("quantiles", q.Table, err)
	}

	var values []any
	for _, r := range t.Rows {
		v := r[idx]
		if v == nil {
			continue
		}
		if q.After != nil && common.Compare(v, q.After) <= 0 {
			continue
		}
		values = append(values, v)
	}
	sort.Slice(values, func(i, j int) bool { return common.Compare(values[i], values[j]) < 0 })
	distinct := values[:0]
	for i, v := range values {
		if i > 0 && common.Compare(v, distinct[len(distinct)-1]) == 0 {
			continue
		}
		distinct = append(distinct, v)
	}
	if q.Limit > 0 && len(distinct) > q.Limit {
		distinct = distinct[:q.Limit]
	}
	return partition.Split(distinct, q.Partitions), nil
}

func (m *Memory) Bounds(_ context.Context, table, column string) (any, any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, err := m.table(table)
	if err != nil {
		return nil, nil, queryError("bounds", table, err)
	}
	idx, err := m.column(t, table, column)
	if err != nil {
		return nil, nil, queryError("bounds", table, err)
	}
	var min, max any
	for _, r := range t.Rows {
		v := r[idx]
		if v == nil {
			continue
		}
		if min == nil || common.Compare(v, min) < 0 {
			min = v
		}
		if max == nil || common.Compare(v, max) > 0 {
			max = v
		}
	}
	return min, max, nil
}

func (m *Memory) Max(ctx context.Context, table, column string) (any, error) {
	_, max, err := m.Bounds(ctx, table, column)
	return max, err
}

func (m *Memory) Select(_ context.Context, q SelectQuery) (*common.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, err := m.table(q.Table)
	if err != nil {
		return nil, queryError("select", q.Table, err)
	}
	idx, err := m.column(t, q.Table, q.Column)
	if err != nil {
		return nil, queryError("select", q.Table, err)
	}

	proj := make([]int, 0, len(t.Columns))
	cols := make([]string, 0, len(t.Columns)+len(q.Constants))
	if len(q.Columns) == 0 {
		for i, c := range t.Columns {
			proj = append(proj, i)
			cols = append(cols, c)
		}
	} else {
		for _, c := range q.Columns {
			i, err := m.column(t, q.Table, c)
			if err != nil {
				return nil, queryError("select", q.Table, err)
			}
			proj = append(proj, i)
			cols = append(cols, t.Columns[i])
		}
	}
	for _, k := range q.Constants {
		cols = append(cols, k.Name)
	}

	order := -1
	if q.OrderBy != "" {
		if order, err = m.column(t, q.Table, q.OrderBy); err != nil {
			return nil, queryError("select", q.Table, err)
		}
	}

	var matched []common.Row
	for _, r := range t.Rows {
		v := r[idx]
		if v == nil || common.Compare(v, q.Range.Start) < 0 || common.Compare(v, q.Range.End) > 0 {
			continue
		}
		matched = append(matched, r)
	}
	if order >= 0 {
		sort.SliceStable(matched, func(i, j int) bool {
			return common.Compare(matched[i][order], matched[j][order]) < 0
		})
	}

	out := &common.Batch{Columns: cols, Rows: make([]common.Row, 0, len(matched))}
	for _, r := range matched {
		row := make(common.Row, 0, len(cols))
		for _, i := range proj {
			row = append(row, r[i])
		}
		for _, k := range q.Constants {
			row = append(row, common.Normalize(k.Value))
		}
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}
