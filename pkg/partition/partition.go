package partition

import (
	"context"
	"deltasync/pkg/bucket"
	"deltasync/pkg/common"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

var ErrInvalidLimit = errors.New("partition: limit must be positive")

// Query selects up to Limit distinct values of Column strictly greater than After
// and tiles them into Partitions equal-count ranges.
type Query struct {
	Table      string
	Column     string
	After      any // nil: no lower predicate
	Limit      int
	Partitions int
}

// Tiler is the source capability the partitioner needs.
type Tiler interface {
	Tiles(ctx context.Context, q Query) ([]common.RangeBound, error)
}

type Partitioner struct {
	tiler  Tiler
	logger zerolog.Logger
}

type Option func(*Partitioner)

func WithLogger(l zerolog.Logger) Option {
	return func(p *Partitioner) { p.logger = l }
}

func New(t Tiler, opts ...Option) *Partitioner {
	p := &Partitioner{tiler: t, logger: zerolog.Nop()}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Ranges returns ascending, non-overlapping inclusive bounds covering every selected
// value exactly once. An empty result means the data is exhausted. Bounds keep the
// value the source returned so they compare natively when bound back into a query.
func (p *Partitioner) Ranges(ctx context.Context, q Query) ([]common.RangeBound, error) {
	if q.Limit <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLimit, q.Limit)
	}
	if q.Partitions <= 0 {
		q.Partitions = 1
	}
	ranges, err := p.tiler.Tiles(ctx, q)
	if err != nil {
		return nil, err
	}
	for i := range ranges {
		ranges[i].Start = common.Normalize(ranges[i].Start)
		ranges[i].End = common.Normalize(ranges[i].End)
	}
	p.logger.Debug().
		Str("table", q.Table).
		Str("column", q.Column).
		Int("ranges", len(ranges)).
		Msg("computed ranges")
	return ranges, nil
}

// Split tiles sorted distinct values into n equal-count ranges with NTILE semantics:
// the first len(sorted)%n tiles take one extra value, and fewer values than n yield
// one tile per value.
func Split(sorted []any, n int) []common.RangeBound {
	m := len(sorted)
	if m == 0 {
		return nil
	}
	if n <= 0 {
		n = 1
	}
	if n > m {
		n = m
	}
	base, extra := m/n, m%n
	out := make([]common.RangeBound, 0, n)
	pos := 0
	for i := 0; i < n; i++ {
		size := base
		if i < extra {
			size++
		}
		out = append(out, common.RangeBound{Start: sorted[pos], End: sorted[pos+size-1]})
		pos += size
	}
	return out
}

// Windows returns the bucket-aligned fixed windows touching [min, max].
func Windows(min, max common.KeyType, chunk int64) ([]common.RangeBound, error) {
	if chunk <= 0 {
		return nil, fmt.Errorf("%w: %d", bucket.ErrChunkSize, chunk)
	}
	if max < min {
		return nil, nil
	}
	first, last := bucket.ID(min, chunk), bucket.ID(max, chunk)
	out := make([]common.RangeBound, 0, last-first+1)
	for id := first; id <= last; id++ {
		out = append(out, bucket.Window(id, chunk))
	}
	return out, nil
}
