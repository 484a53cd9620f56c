package colfile

import (
	"bufio"
	"deltasync/pkg/common"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/vmihailenco/msgpack"
)

// File is a fully decoded bucket file.
type File struct {
	Columns []Column
	Batch   *common.Batch
}

// Read decodes a complete file from r.
func Read(r io.Reader) (*File, error) {
	br := bufio.NewReader(r)
	var magic uint64
	if err := binary.Read(br, binary.LittleEndian, &magic); err != nil {
		return nil, fmt.Errorf("%w: short header: %v", ErrFormat, err)
	}
	if magic != MagicNumber {
		return nil, fmt.Errorf("%w: bad magic number", ErrFormat)
	}
	zr, err := gzip.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	defer zr.Close()
	dec := msgpack.NewDecoder(zr)

	var h header
	if err := dec.Decode(&h); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrFormat, err)
	}
	if h.Version != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrFormat, h.Version)
	}

	names := make([]string, len(h.Columns))
	for i, c := range h.Columns {
		names[i] = c.Name
	}
	batch := &common.Batch{Columns: names}

	for {
		n, err := dec.DecodeInt()
		if err != nil {
			return nil, fmt.Errorf("%w: row group: %v", ErrFormat, err)
		}
		if n == 0 {
			break
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: negative row group size", ErrFormat)
		}
		group := make([]common.Row, n)
		for i := range group {
			group[i] = make(common.Row, len(h.Columns))
		}
		for c, col := range h.Columns {
			var values []any
			if err := dec.Decode(&values); err != nil {
				return nil, fmt.Errorf("%w: column %s: %v", ErrFormat, col.Name, err)
			}
			if len(values) != n {
				return nil, fmt.Errorf("%w: column %s has %d values, group has %d", ErrFormat, col.Name, len(values), n)
			}
			for r, v := range values {
				dv, err := decodeValue(col.Type, v)
				if err != nil {
					return nil, fmt.Errorf("%w: column %s: %v", ErrFormat, col.Name, err)
				}
				group[r][c] = dv
			}
		}
		batch.Rows = append(batch.Rows, group...)
	}

	var f footer
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: footer: %v", ErrFormat, err)
	}
	if f.Rows != int64(batch.Len()) {
		return nil, fmt.Errorf("%w: footer says %d rows, read %d", ErrFormat, f.Rows, batch.Len())
	}
	// Reaching EOF makes gzip verify its checksum.
	if _, err := io.Copy(io.Discard, zr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return &File{Columns: h.Columns, Batch: batch}, nil
}

func decodeValue(typ string, v any) (any, error) {
	v = common.Normalize(v)
	if v == nil {
		return nil, nil
	}
	switch typ {
	case TypeTime:
		n, ok := v.(int64)
		if !ok {
			return nil, fmt.Errorf("time stored as %T", v)
		}
		return time.Unix(0, n).UTC(), nil
	case TypeInt:
		if _, ok := v.(int64); !ok {
			if u, ok := v.(uint64); ok {
				return u, nil
			}
			return nil, fmt.Errorf("int stored as %T", v)
		}
	case TypeBytes:
		if s, ok := v.(string); ok {
			return []byte(s), nil
		}
	case TypeAny:
		if t, ok := v.(time.Time); ok {
			return t.UTC(), nil
		}
	}
	return v, nil
}
