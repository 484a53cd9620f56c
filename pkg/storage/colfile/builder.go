package colfile

import (
	"deltasync/pkg/common"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/vmihailenco/msgpack"
)

const (
	// MagicNumber spells "DELTACOL" and opens every bucket file.
	MagicNumber = 0x4C4F434154544C44
	Version     = 1

	DefaultRowGroupSize = 65536
)

// Column types recorded in the header.
const (
	TypeInt    = "int"
	TypeFloat  = "float"
	TypeString = "string"
	TypeBytes  = "bytes"
	TypeBool   = "bool"
	TypeTime   = "time"
	TypeAny    = "any"
)

var ErrFormat = errors.New("colfile: invalid file")

type Column struct {
	Name string `msgpack:"name"`
	Type string `msgpack:"type"`
}

type header struct {
	Version      int      `msgpack:"version"`
	Columns      []Column `msgpack:"columns"`
	RowGroupSize int      `msgpack:"row_group_size"`
}

type footer struct {
	Rows int64 `msgpack:"rows"`
}

// Builder buffers rows and writes them column-major on Close.
type Builder struct {
	w            io.Writer
	columns      []string
	rows         []common.Row
	rowGroupSize int
	level        int
}

type Option func(*Builder)

func WithRowGroupSize(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.rowGroupSize = n
		}
	}
}

func WithCompressionLevel(level int) Option {
	return func(b *Builder) { b.level = level }
}

func NewBuilder(w io.Writer, columns []string, opts ...Option) *Builder {
	b := &Builder{
		w:            w,
		columns:      columns,
		rowGroupSize: DefaultRowGroupSize,
		level:        gzip.DefaultCompression,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Builder) Add(row common.Row) error {
	if len(row) != len(b.columns) {
		return fmt.Errorf("colfile: row has %d values, schema has %d columns", len(row), len(b.columns))
	}
	b.rows = append(b.rows, row)
	return nil
}

// Close writes the whole file. It does not close the underlying writer.
func (b *Builder) Close() error {
	if err := binary.Write(b.w, binary.LittleEndian, uint64(MagicNumber)); err != nil {
		return err
	}
	zw, err := gzip.NewWriterLevel(b.w, b.level)
	if err != nil {
		return err
	}
	enc := msgpack.NewEncoder(zw)

	types := inferTypes(b.columns, b.rows)
	h := header{Version: Version, RowGroupSize: b.rowGroupSize}
	for i, name := range b.columns {
		h.Columns = append(h.Columns, Column{Name: name, Type: types[i]})
	}
	if err := enc.Encode(&h); err != nil {
		return err
	}

	for start := 0; start < len(b.rows); start += b.rowGroupSize {
		end := start + b.rowGroupSize
		if end > len(b.rows) {
			end = len(b.rows)
		}
		group := b.rows[start:end]
		if err := enc.EncodeInt(int64(len(group))); err != nil {
			return err
		}
		col := make([]any, len(group))
		for c := range b.columns {
			for r, row := range group {
				col[r] = encodeValue(types[c], row[c])
			}
			if err := enc.Encode(col); err != nil {
				return err
			}
		}
	}
	if err := enc.EncodeInt(0); err != nil {
		return err
	}
	if err := enc.Encode(&footer{Rows: int64(len(b.rows))}); err != nil {
		return err
	}
	return zw.Close()
}

// Write encodes batch as a complete file.
func Write(w io.Writer, batch *common.Batch, opts ...Option) error {
	b := NewBuilder(w, batch.Columns, opts...)
	for _, row := range batch.Rows {
		if err := b.Add(row); err != nil {
			return err
		}
	}
	return b.Close()
}

func typeOf(v any) string {
	switch v.(type) {
	case int64:
		return TypeInt
	case float64:
		return TypeFloat
	case string:
		return TypeString
	case []byte:
		return TypeBytes
	case bool:
		return TypeBool
	case time.Time:
		return TypeTime
	default:
		return TypeAny
	}
}

// inferTypes picks one type per column from its non-nil values. Mixed columns are "any".
func inferTypes(columns []string, rows []common.Row) []string {
	types := make([]string, len(columns))
	for c := range columns {
		t := ""
		for _, row := range rows {
			v := common.Normalize(row[c])
			if v == nil {
				continue
			}
			vt := typeOf(v)
			if t == "" {
				t = vt
			} else if t != vt {
				t = TypeAny
				break
			}
		}
		if t == "" {
			t = TypeAny
		}
		types[c] = t
	}
	return types
}

func encodeValue(typ string, v any) any {
	v = common.Normalize(v)
	if v == nil {
		return nil
	}
	if typ == TypeTime {
		return v.(time.Time).UnixNano()
	}
	return v
}
