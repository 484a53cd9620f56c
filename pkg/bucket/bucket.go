package bucket

import (
	"deltasync/pkg/common"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

const (
	filePrefix = "part_"
	fileSuffix = ".col"
)

var ErrChunkSize = errors.New("bucket: chunk size must be positive")

// ID returns floor(pk / chunk). Negative keys land in negative buckets.
func ID(pk common.KeyType, chunk int64) int64 {
	id := int64(pk) / chunk
	if int64(pk)%chunk != 0 && (int64(pk) < 0) != (chunk < 0) {
		id--
	}
	return id
}

// Window is the inclusive key range [id*chunk, (id+1)*chunk-1] owned by a bucket,
// clamped to the int64 key space at both ends.
func Window(id, chunk int64) common.RangeBound {
	var start int64 = math.MinInt64
	if id >= math.MinInt64/chunk {
		start = id * chunk
	}
	var end int64 = math.MaxInt64
	if start <= math.MaxInt64-chunk+1 {
		end = start + chunk - 1
	}
	return common.RangeBound{Start: start, End: end}
}

// FileName is the bucket file name inside the table directory.
func FileName(id int64) string {
	return filePrefix + strconv.FormatInt(id, 10) + fileSuffix
}

// ParseFileName recovers the bucket id from a file name produced by FileName.
func ParseFileName(name string) (int64, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Path joins the table namespace and the bucket file name with a slash.
func Path(table string, id int64) string {
	return table + "/" + FileName(id)
}

// Router splits batches into per-bucket sub-batches.
type Router struct {
	chunk int64
}

func NewRouter(chunk int64) (*Router, error) {
	if chunk <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrChunkSize, chunk)
	}
	return &Router{chunk: chunk}, nil
}

func (r *Router) Chunk() int64 {
	return r.chunk
}

// Route groups the rows of b by bucket of column pk. Row order within each
// bucket follows the input order. The returned ids are ascending.
func (r *Router) Route(b *common.Batch, pk string) (map[int64]*common.Batch, []int64, error) {
	out := make(map[int64]*common.Batch)
	if b.Len() == 0 {
		return out, nil, nil
	}
	idx := b.Index(pk)
	if idx < 0 {
		return nil, nil, fmt.Errorf("bucket: primary key column %q not in %v", pk, b.Columns)
	}
	for _, row := range b.Rows {
		key, err := common.AsKey(row[idx])
		if err != nil {
			return nil, nil, fmt.Errorf("bucket: route: %w", err)
		}
		id := ID(key, r.chunk)
		sub, ok := out[id]
		if !ok {
			sub = &common.Batch{Columns: b.Columns}
			out[id] = sub
		}
		sub.Rows = append(sub.Rows, row)
	}
	ids := make([]int64, 0, len(out))
	for id := range out {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return out, ids, nil
}
