package sql

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect captures the quoting, placeholder and row-limit syntax of one engine.
type Dialect struct {
	Name string
	// Top selects "SELECT TOP (n)" instead of a trailing LIMIT.
	Top        bool
	Positional bool
	QuoteOpen  string
	QuoteClose string
}

var (
	SQLite = Dialect{Name: "sqlite", QuoteOpen: `"`, QuoteClose: `"`}
	MSSQL  = Dialect{Name: "mssql", Top: true, Positional: true, QuoteOpen: "[", QuoteClose: "]"}
)

// DialectFor maps a driver name to its dialect.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "mssql", "sqlserver":
		return MSSQL, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported dialect %q", driver)
	}
}

// Quote renders an already validated name.
func (d Dialect) Quote(n Name) string {
	parts := make([]string, len(n))
	for i, p := range n {
		parts[i] = d.QuoteOpen + p + d.QuoteClose
	}
	return strings.Join(parts, ".")
}

// Placeholder returns the n-th (1-based) bind marker.
func (d Dialect) Placeholder(n int) string {
	if d.Positional {
		return "@p" + strconv.Itoa(n)
	}
	return "?"
}

// Stmt is SQL text plus its bind arguments in order.
type Stmt struct {
	Query string
	Args  []any
}

// Constant is a literal column appended to every selected row, e.g. "? AS Hist_ID".
type Constant struct {
	Name  string
	Value any
}

type builder struct {
	d    Dialect
	sb   strings.Builder
	args []any
}

func (b *builder) write(s ...string) {
	for _, x := range s {
		b.sb.WriteString(x)
	}
}

func (b *builder) bind(v any) string {
	b.args = append(b.args, v)
	return b.d.Placeholder(len(b.args))
}

func (b *builder) ident(s string) (string, error) {
	n, err := ParseName(s)
	if err != nil {
		return "", err
	}
	return b.d.Quote(n), nil
}

func (b *builder) column(s string) (string, error) {
	if err := ValidIdent(s); err != nil {
		return "", err
	}
	return b.d.Quote(Name{s}), nil
}

func (b *builder) stmt() Stmt {
	return Stmt{Query: b.sb.String(), Args: b.args}
}

// Quantiles builds the NTILE query returning one (min, max) pair per tile over at
// most limit distinct values of column strictly greater than after. A nil after
// drops the predicate.
func (d Dialect) Quantiles(table, column string, after any, limit, tiles int) (Stmt, error) {
	if limit <= 0 {
		return Stmt{}, fmt.Errorf("quantile limit must be positive, got %d", limit)
	}
	if tiles <= 0 {
		tiles = 1
	}
	b := &builder{d: d}
	t, err := b.ident(table)
	if err != nil {
		return Stmt{}, err
	}
	c, err := b.column(column)
	if err != nil {
		return Stmt{}, err
	}

	b.write("WITH keys AS (SELECT DISTINCT ")
	if d.Top {
		// Bound before the WHERE placeholder so argument order stays positional.
		var top string
		if after != nil {
			b.args = append(b.args, after)
			top = b.bind(limit)
			b.write("TOP (", top, ") ", c, " AS k FROM ", t, " WHERE ", c, " > ", d.Placeholder(1))
		} else {
			top = b.bind(limit)
			b.write("TOP (", top, ") ", c, " AS k FROM ", t)
		}
		b.write(" ORDER BY k)")
	} else {
		b.write(c, " AS k FROM ", t)
		if after != nil {
			b.write(" WHERE ", c, " > ", b.bind(after))
		}
		b.write(" ORDER BY k LIMIT ", b.bind(limit), ")")
	}
	b.write(", tiles AS (SELECT k, NTILE(", strconv.Itoa(tiles), ") OVER (ORDER BY k) AS tile FROM keys)")
	b.write(" SELECT MIN(k) AS range_start, MAX(k) AS range_end FROM tiles GROUP BY tile ORDER BY tile")
	return b.stmt(), nil
}

// SelectRange builds a select of columns (all when empty) plus constants over rows whose
// column lies in [start, end], ordered by orderBy when set.
func (d Dialect) SelectRange(table string, columns []string, constants []Constant, column string, start, end any, orderBy string) (Stmt, error) {
	b := &builder{d: d}
	t, err := b.ident(table)
	if err != nil {
		return Stmt{}, err
	}
	c, err := b.column(column)
	if err != nil {
		return Stmt{}, err
	}

	var list []string
	if len(columns) == 0 {
		list = append(list, t+".*")
	}
	for _, col := range columns {
		q, err := b.column(col)
		if err != nil {
			return Stmt{}, err
		}
		list = append(list, q)
	}
	for _, k := range constants {
		q, err := b.column(k.Name)
		if err != nil {
			return Stmt{}, err
		}
		list = append(list, b.bind(k.Value)+" AS "+q)
	}

	b.write("SELECT ", strings.Join(list, ", "), " FROM ", t)
	b.write(" WHERE ", c, " >= ", b.bind(start), " AND ", c, " <= ", b.bind(end))
	if orderBy != "" {
		o, err := b.column(orderBy)
		if err != nil {
			return Stmt{}, err
		}
		b.write(" ORDER BY ", o)
	}
	return b.stmt(), nil
}

// Bounds builds "SELECT MIN(column), MAX(column) FROM table".
func (d Dialect) Bounds(table, column string) (Stmt, error) {
	b := &builder{d: d}
	t, err := b.ident(table)
	if err != nil {
		return Stmt{}, err
	}
	c, err := b.column(column)
	if err != nil {
		return Stmt{}, err
	}
	b.write("SELECT MIN(", c, "), MAX(", c, ") FROM ", t)
	return b.stmt(), nil
}

// Max builds "SELECT MAX(column) FROM table".
func (d Dialect) Max(table, column string) (Stmt, error) {
	b := &builder{d: d}
	t, err := b.ident(table)
	if err != nil {
		return Stmt{}, err
	}
	c, err := b.column(column)
	if err != nil {
		return Stmt{}, err
	}
	b.write("SELECT MAX(", c, ") FROM ", t)
	return b.stmt(), nil
}
