package common

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// KeyType is the primary key type used for bucket addressing.
type KeyType int64

// Row is one source record, positionally aligned with Batch.Columns.
type Row []any

// Batch is a set of rows sharing one column layout.
type Batch struct {
	Columns []string
	Rows    []Row
}

// RangeBound is an inclusive [Start, End] slice of key space.
type RangeBound struct {
	Start any
	End   any
}

func (r RangeBound) String() string {
	return fmt.Sprintf("[%v, %v]", r.Start, r.End)
}

// Len returns the number of rows in the batch; nil batches are empty.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Rows)
}

// Index returns the position of column name (case-insensitive) or -1.
func (b *Batch) Index(name string) int {
	return ColumnIndex(b.Columns, name)
}

// Append adds rows from other, which must share the same column layout.
func (b *Batch) Append(other *Batch) error {
	if other.Len() == 0 {
		return nil
	}
	if len(b.Columns) == 0 {
		b.Columns = append([]string(nil), other.Columns...)
	} else if !SameColumns(b.Columns, other.Columns) {
		return fmt.Errorf("common: column layout mismatch %v vs %v", b.Columns, other.Columns)
	}
	b.Rows = append(b.Rows, other.Rows...)
	return nil
}

// String is handy for debug logging.
func (b *Batch) String() string {
	return fmt.Sprintf("Batch{Columns: %d, Rows: %d}", len(b.Columns), b.Len())
}

// ColumnIndex finds name in columns, ignoring case.
func ColumnIndex(columns []string, name string) int {
	for i, c := range columns {
		if strings.EqualFold(c, name) {
			return i
		}
	}
	return -1
}

// SameColumns reports whether a and b name the same columns in the same order.
func SameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !strings.EqualFold(a[i], b[i]) {
			return false
		}
	}
	return true
}

// AsKey converts a scanned primary key value into a KeyType.
func AsKey(v any) (KeyType, error) {
	switch x := Normalize(v).(type) {
	case int64:
		return KeyType(x), nil
	case uint64:
		return 0, fmt.Errorf("common: key %d overflows int64", x)
	case float64:
		if x != math.Trunc(x) || x > math.MaxInt64 || x < math.MinInt64 {
			return 0, fmt.Errorf("common: key %v is not integral", x)
		}
		return KeyType(x), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("common: key %q: %w", x, err)
		}
		return KeyType(n), nil
	case []byte:
		return AsKey(string(x))
	case nil:
		return 0, fmt.Errorf("common: key is NULL")
	default:
		return 0, fmt.Errorf("common: unsupported key type %T", v)
	}
}
