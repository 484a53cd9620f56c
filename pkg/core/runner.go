package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// TableResult pairs a table with the outcome of its run.
type TableResult struct {
	Table  string
	Report Report
	Err    error
}

// RunAll runs every configured table, at most limit at a time. A failing table
// does not stop the others; the joined error lists every failure.
func (s *Synchronizer) RunAll(ctx context.Context, opts RunOptions) ([]TableResult, error) {
	limit := s.syncCfg.MaxParallelTables
	if limit <= 0 {
		limit = 1
	}
	workersLimitCh := make(chan struct{}, limit)

	names := s.Tables()
	results := make([]TableResult, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			select {
			case workersLimitCh <- struct{}{}:
			case <-ctx.Done():
				results[i] = TableResult{Table: name, Err: ctx.Err()}
				return
			}
			defer func() { <-workersLimitCh }()

			r, err := s.Run(ctx, name, opts)
			results[i] = TableResult{Table: name, Report: r, Err: err}
		}(i, name)
	}
	wg.Wait()

	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Table, r.Err))
		}
	}
	return results, errors.Join(errs...)
}
