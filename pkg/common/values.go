package common

import (
	"bytes"
	"strings"
	"time"
)

// Normalize folds driver and decoder value kinds onto a small set:
// int64, uint64 (only above MaxInt64), float64, string, []byte, bool, time.Time and nil.
func Normalize(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		return normalizeUint(uint64(x))
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return normalizeUint(x)
	case float32:
		return float64(x)
	default:
		return v
	}
}

func normalizeUint(u uint64) any {
	if u > 1<<63-1 {
		return u
	}
	return int64(u)
}

// kind ranks mismatched value kinds so Compare is total.
func kind(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case int64, uint64, float64:
		return 2
	case time.Time:
		return 3
	case string:
		return 4
	case []byte:
		return 5
	default:
		return 6
	}
}

// Compare orders two values: nil first, numbers numerically, times chronologically,
// strings and bytes lexicographically. Values of different kinds order by kind.
func Compare(a, b any) int {
	a, b = Normalize(a), Normalize(b)
	ka, kb := kind(a), kind(b)
	if ka != kb {
		return cmpInt(ka, kb)
	}
	switch x := a.(type) {
	case nil:
		return 0
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		default:
			return 1
		}
	case int64, uint64, float64:
		return compareNumbers(x, b)
	case time.Time:
		return x.Compare(b.(time.Time))
	case string:
		return strings.Compare(x, b.(string))
	case []byte:
		return bytes.Compare(x, b.([]byte))
	default:
		return 0
	}
}

func compareNumbers(a, b any) int {
	ai, aInt := a.(int64)
	bi, bInt := b.(int64)
	if aInt && bInt {
		return cmpInt64(ai, bi)
	}
	au, aU := a.(uint64)
	bu, bU := b.(uint64)
	switch {
	case aU && bU:
		return cmpUint64(au, bu)
	case aU && bInt:
		return 1
	case aInt && bU:
		return -1
	}
	af, bf := toFloat(a), toFloat(b)
	switch {
	case af < bf:
		return -1
	case af > bf:
		return 1
	default:
		return 0
	}
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case int64:
		return float64(x)
	case uint64:
		return float64(x)
	case float64:
		return x
	}
	return 0
}

func cmpInt(a, b int) int {
	return cmpInt64(int64(a), int64(b))
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
