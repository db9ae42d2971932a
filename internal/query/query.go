// Package query translates inbound filter/order/pagination parameters into a
// backend-agnostic predicate consumed identically by the relational and
// file-backed executors.
package query

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/apperrors"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/schema"
)

const (
	// DefaultLimit applies when the caller omits limit.
	DefaultLimit = 100
	// MaxLimit caps any requested page size.
	MaxLimit = 1000
)

// Filter is one column=value equality predicate.
type Filter struct {
	Column string
	Value  string
}

// Order is an optional single-column sort.
type Order struct {
	Column string
	Desc   bool
}

// Range is an optional inclusive bound on one column. Bounds compare on the
// canonical string form, which orders RFC3339 UTC timestamps correctly.
type Range struct {
	Column string
	From   string // empty = unbounded below
	To     string // empty = unbounded above
}

// Query is the translated request, valid against exactly one table.
type Query struct {
	Table   *schema.Table
	Filters []Filter
	Range   *Range
	Order   *Order
	Limit   int
	Offset  int
}

// Parse validates filters and pagination against the table's allowed columns.
// Every filter and order column outside the whitelist is a validation error
// and no query runs against either backend.
func Parse(table *schema.Table, filters map[string]string, orderSpec, limitStr, offsetStr string) (Query, error) {
	q := Query{Table: table, Limit: DefaultLimit}

	cols := make([]string, 0, len(filters))
	for col := range filters {
		cols = append(cols, col)
	}
	sort.Strings(cols) // deterministic predicate order
	for _, col := range cols {
		if !table.AllowsColumn(col) {
			return Query{}, apperrors.Validationf("column %q is not permitted on table %q", col, table.Name)
		}
		q.Filters = append(q.Filters, Filter{Column: col, Value: filters[col]})
	}

	if orderSpec != "" {
		ord, err := parseOrder(table, orderSpec)
		if err != nil {
			return Query{}, err
		}
		q.Order = ord
	}

	if limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n <= 0 {
			return Query{}, apperrors.Validationf("limit must be a positive integer")
		}
		q.Limit = n
	}
	if q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}

	if offsetStr != "" {
		n, err := strconv.Atoi(offsetStr)
		if err != nil || n < 0 {
			return Query{}, apperrors.Validationf("offset must be a non-negative integer")
		}
		q.Offset = n
	}

	return q, nil
}

func parseOrder(table *schema.Table, spec string) (*Order, error) {
	col := spec
	desc := false
	if i := strings.IndexByte(spec, ':'); i >= 0 {
		col = spec[:i]
		switch strings.ToLower(spec[i+1:]) {
		case "asc", "":
		case "desc":
			desc = true
		default:
			return nil, apperrors.Validationf("order direction must be asc or desc")
		}
	}
	if !table.AllowsColumn(col) {
		return nil, apperrors.Validationf("column %q is not permitted on table %q", col, table.Name)
	}
	return &Order{Column: col, Desc: desc}, nil
}

// HasFilters reports whether at least one filter is present. Update and
// delete refuse to run without one.
func (q Query) HasFilters() bool { return len(q.Filters) > 0 }

// --- SQL rendering ----------------------------------------------------------

// WhereClause renders the filters as a parameterized SQL fragment starting at
// placeholder $start. Identifiers are safe: every column was validated
// against the whitelist.
func (q Query) WhereClause(start int) (string, []any) {
	parts := make([]string, 0, len(q.Filters)+2)
	args := make([]any, 0, len(q.Filters)+2)
	for _, f := range q.Filters {
		parts = append(parts, fmt.Sprintf("%s = $%d", f.Column, start+len(args)))
		args = append(args, f.Value)
	}
	if q.Range != nil {
		if q.Range.From != "" {
			parts = append(parts, fmt.Sprintf("%s >= $%d", q.Range.Column, start+len(args)))
			args = append(args, q.Range.From)
		}
		if q.Range.To != "" {
			parts = append(parts, fmt.Sprintf("%s <= $%d", q.Range.Column, start+len(args)))
			args = append(args, q.Range.To)
		}
	}
	if len(parts) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(parts, " AND "), args
}

// PageClause renders ORDER BY/LIMIT/OFFSET.
func (q Query) PageClause() string {
	var b strings.Builder
	if q.Order != nil {
		b.WriteString(" ORDER BY ")
		b.WriteString(q.Order.Column)
		if q.Order.Desc {
			b.WriteString(" DESC")
		} else {
			b.WriteString(" ASC")
		}
	}
	fmt.Fprintf(&b, " LIMIT %d OFFSET %d", q.Limit, q.Offset)
	return b.String()
}

// --- In-memory evaluation ---------------------------------------------------

// Matches evaluates the equality filters against a row. Comparison is on the
// normalized string form so that "10" matches a numeric 10 the same way the
// database casts a text parameter to the column type.
func (q Query) Matches(row schema.Row) bool {
	for _, f := range q.Filters {
		v, ok := row[f.Column]
		if !ok {
			return false
		}
		if Stringify(v) != f.Value {
			return false
		}
	}
	if q.Range != nil {
		v := Stringify(row[q.Range.Column])
		if q.Range.From != "" && v < q.Range.From {
			return false
		}
		if q.Range.To != "" && v > q.Range.To {
			return false
		}
	}
	return true
}

// SortAndPage applies the order spec (stable, ascending by default, matching
// SQL ORDER BY for homogeneous values) and then the offset/limit window.
func (q Query) SortAndPage(rows []schema.Row) []schema.Row {
	if q.Order != nil {
		col, desc := q.Order.Column, q.Order.Desc
		sort.SliceStable(rows, func(i, j int) bool {
			less := compareValues(rows[i][col], rows[j][col]) < 0
			if desc {
				return compareValues(rows[i][col], rows[j][col]) > 0
			}
			return less
		})
	}
	if q.Offset >= len(rows) {
		return nil
	}
	rows = rows[q.Offset:]
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	return rows
}

// compareValues orders two raw values: numerically when both sides are
// numeric, lexicographically otherwise. Nil sorts as the greatest value,
// matching PostgreSQL's NULLS LAST default for ascending ORDER BY (and so
// NULLS FIRST when the caller inverts for descending).
func compareValues(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return 1
	}
	if b == nil {
		return -1
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(Stringify(a), Stringify(b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Stringify renders a scalar the way it appears on the wire: integral floats
// without a trailing ".0" so JSON-decoded numbers compare as written.
func Stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(s), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(s)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	default:
		return fmt.Sprintf("%v", v)
	}
}
