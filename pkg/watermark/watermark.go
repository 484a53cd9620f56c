// Package watermark models the change-sequence token persisted in checkpoints.
//
// A Token is the canonical string encoding of a sequence value. Every Codec keeps
// the encoding order-preserving with respect to the source's native comparison,
// because the token is pushed back into a "> token" predicate.
package watermark

import (
	"deltasync/pkg/common"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Token is an encoded watermark value.
type Token string

// Kind selects a codec.
type Kind string

const (
	KindInt        Kind = "int"
	KindRowVersion Kind = "rowversion"
	KindTimestamp  Kind = "timestamp"
)

// TimestampLayout is the fixed-width layout for timestamp tokens.
const TimestampLayout = "2006-01-02 15:04:05.000000"

// ErrMalformed is returned when a persisted token does not decode.
var ErrMalformed = errors.New("watermark: malformed token")

// Codec converts between source values, SQL arguments and tokens.
type Codec interface {
	Kind() Kind
	// Zero is the minimum token, used when nothing was persisted yet.
	Zero() Token
	// FromValue encodes a value scanned from the source.
	FromValue(v any) (Token, error)
	// Parse validates a persisted token.
	Parse(s string) (Token, error)
	// Arg returns the SQL parameter bound for a "> token" predicate.
	Arg(t Token) any
	Compare(a, b Token) int
}

// ForKind returns the codec for k. The empty kind defaults to int.
func ForKind(k Kind) (Codec, error) {
	switch Kind(strings.ToLower(string(k))) {
	case KindInt, "":
		return Int{}, nil
	case KindRowVersion:
		return RowVersion{}, nil
	case KindTimestamp:
		return Timestamp{}, nil
	default:
		return nil, fmt.Errorf("watermark: unknown kind %q", k)
	}
}

// Max returns the greater of a and b under c.
func Max(c Codec, a, b Token) Token {
	if c.Compare(a, b) >= 0 {
		return a
	}
	return b
}

// Int encodes integer identities such as Hist_ID.
type Int struct{}

func (Int) Kind() Kind  { return KindInt }
func (Int) Zero() Token { return "0" }

func (Int) FromValue(v any) (Token, error) {
	k, err := common.AsKey(v)
	if err != nil {
		return "", fmt.Errorf("watermark: int: %w", err)
	}
	return Token(strconv.FormatInt(int64(k), 10)), nil
}

func (Int) Parse(s string) (Token, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: int %q", ErrMalformed, s)
	}
	return Token(strconv.FormatInt(n, 10)), nil
}

func (Int) Arg(t Token) any {
	n, _ := strconv.ParseInt(string(t), 10, 64)
	return n
}

func (Int) Compare(a, b Token) int {
	x, _ := strconv.ParseInt(string(a), 10, 64)
	y, _ := strconv.ParseInt(string(b), 10, 64)
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return 0
	}
}

// RowVersion encodes 8-byte binary version stamps as 0x-prefixed fixed-width hex.
type RowVersion struct{}

const rowVersionLen = 8

func (RowVersion) Kind() Kind  { return KindRowVersion }
func (RowVersion) Zero() Token { return "0x0000000000000000" }

func (RowVersion) FromValue(v any) (Token, error) {
	switch x := common.Normalize(v).(type) {
	case []byte:
		if len(x) > rowVersionLen {
			return "", fmt.Errorf("watermark: rowversion is %d bytes", len(x))
		}
		buf := make([]byte, rowVersionLen)
		copy(buf[rowVersionLen-len(x):], x)
		return Token("0x" + hex.EncodeToString(buf)), nil
	case int64:
		if x < 0 {
			return "", fmt.Errorf("watermark: negative rowversion %d", x)
		}
		buf := make([]byte, rowVersionLen)
		binary.BigEndian.PutUint64(buf, uint64(x))
		return Token("0x" + hex.EncodeToString(buf)), nil
	case uint64:
		buf := make([]byte, rowVersionLen)
		binary.BigEndian.PutUint64(buf, x)
		return Token("0x" + hex.EncodeToString(buf)), nil
	case string:
		return RowVersion{}.Parse(x)
	case nil:
		return "", errors.New("watermark: rowversion is NULL")
	default:
		return "", fmt.Errorf("watermark: unsupported rowversion type %T", v)
	}
}

func (RowVersion) Parse(s string) (Token, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if !strings.HasPrefix(s, "0x") || len(s) != 2+2*rowVersionLen {
		return "", fmt.Errorf("%w: rowversion %q", ErrMalformed, s)
	}
	if _, err := hex.DecodeString(s[2:]); err != nil {
		return "", fmt.Errorf("%w: rowversion %q", ErrMalformed, s)
	}
	return Token(s), nil
}

func (RowVersion) Arg(t Token) any {
	b, _ := hex.DecodeString(strings.TrimPrefix(string(t), "0x"))
	return b
}

func (RowVersion) Compare(a, b Token) int {
	return strings.Compare(string(a), string(b))
}

// Timestamp encodes date-times in a fixed layout so lexical order equals time order.
type Timestamp struct{}

func (Timestamp) Kind() Kind  { return KindTimestamp }
func (Timestamp) Zero() Token { return "1900-01-01 00:00:00.000000" }

var timestampInputs = []string{
	TimestampLayout,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func (Timestamp) FromValue(v any) (Token, error) {
	switch x := v.(type) {
	case time.Time:
		return Token(x.UTC().Format(TimestampLayout)), nil
	case []byte:
		return Timestamp{}.FromValue(string(x))
	case string:
		for _, layout := range timestampInputs {
			if ts, err := time.Parse(layout, strings.TrimSpace(x)); err == nil {
				return Token(ts.UTC().Format(TimestampLayout)), nil
			}
		}
		return "", fmt.Errorf("watermark: unparseable timestamp %q", x)
	case nil:
		return "", errors.New("watermark: timestamp is NULL")
	default:
		return "", fmt.Errorf("watermark: unsupported timestamp type %T", v)
	}
}

func (Timestamp) Parse(s string) (Token, error) {
	if _, err := time.Parse(TimestampLayout, s); err != nil {
		return "", fmt.Errorf("%w: timestamp %q", ErrMalformed, s)
	}
	return Token(s), nil
}

func (Timestamp) Arg(t Token) any {
	return string(t)
}

func (Timestamp) Compare(a, b Token) int {
	return strings.Compare(string(a), string(b))
}
