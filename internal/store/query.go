package store

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Builder errors.
var (
	ErrNoTable        = errors.New("store: no table set")
	ErrBadIdentifier  = errors.New("store: invalid identifier")
	ErrBadOperator    = errors.New("store: unsupported operator")
	ErrUnboundedWrite = errors.New("store: update or delete without where clause")
	ErrEmptyRow       = errors.New("store: empty row")
)

var identRegexp = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.([A-Za-z_][A-Za-z0-9_]*|\*))?$`)

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// Contains returns a LIKE pattern matching values that contain s
// literally. LIKE clauses use backslash as their escape character.
func Contains(s string) string {
	return "%" + likeEscaper.Replace(s) + "%"
}

var operators = map[string]struct{}{
	"=": {}, "!=": {}, "<>": {}, "<": {}, "<=": {}, ">": {}, ">=": {},
	"LIKE": {}, "NOT LIKE": {}, "GLOB": {}, "IS": {}, "IS NOT": {},
}

type condKind int

const (
	condCompare condKind = iota
	condIn
	condNotIn
)

type condition struct {
	kind   condKind
	column string
	op     string
	value  any
	values []any
}

type ordering struct {
	column string
	desc   bool
}

// query is the value-type specification of one statement. A Builder
// accumulates it and hands it to exactly one terminal call.
type query struct {
	table     string
	alias     string
	columns   []string
	where     []condition
	orders    []ordering
	groupBy   []string
	limit     int
	offset    int
	key       string
	unbounded bool
	err       error
}

func (q *query) fail(err error) {
	if q.err == nil {
		q.err = err
	}
}

func (q *query) ident(name string) bool {
	if name == "*" || identRegexp.MatchString(name) {
		return true
	}
	q.fail(fmt.Errorf("%w: %q", ErrBadIdentifier, name))
	return false
}

func (q query) check() error {
	if q.err != nil {
		return q.err
	}
	if q.table == "" {
		return ErrNoTable
	}
	return nil
}

func (q query) primaryKey() string {
	if q.key == "" {
		return "id"
	}
	return q.key
}

func (q query) from() string {
	if q.alias != "" {
		return q.table + " AS " + q.alias
	}
	return q.table
}

// whereSQL renders the WHERE clause and its bound arguments.
func (q query) whereSQL() (string, []any, error) {
	if len(q.where) == 0 {
		return "", nil, nil
	}
	parts := make([]string, 0, len(q.where))
	var args []any
	for _, c := range q.where {
		switch c.kind {
		case condCompare:
			v, err := normalize(c.value)
			if err != nil {
				return "", nil, fmt.Errorf("where %s: %w", c.column, err)
			}
			if v == nil && (c.op == "=" || c.op == "IS") {
				parts = append(parts, c.column+" IS NULL")
				continue
			}
			if v == nil && (c.op == "!=" || c.op == "<>" || c.op == "IS NOT") {
				parts = append(parts, c.column+" IS NOT NULL")
				continue
			}
			if c.op == "LIKE" || c.op == "NOT LIKE" {
				parts = append(parts, c.column+" "+c.op+` ? ESCAPE '\'`)
			} else {
				parts = append(parts, c.column+" "+c.op+" ?")
			}
			args = append(args, v)
		case condIn, condNotIn:
			if len(c.values) == 0 {
				// An empty IN matches nothing, an empty NOT IN everything.
				if c.kind == condIn {
					parts = append(parts, "0")
				} else {
					parts = append(parts, "1")
				}
				continue
			}
			op := "IN"
			if c.kind == condNotIn {
				op = "NOT IN"
			}
			for _, raw := range c.values {
				v, err := normalize(raw)
				if err != nil {
					return "", nil, fmt.Errorf("where %s: %w", c.column, err)
				}
				args = append(args, v)
			}
			parts = append(parts, c.column+" "+op+" ("+placeholders(len(c.values))+")")
		}
	}
	return " WHERE " + strings.Join(parts, " AND "), args, nil
}

// selectSQL renders a SELECT for the given projection.
func (q query) selectSQL(projection string) (string, []any, error) {
	where, args, err := q.whereSQL()
	if err != nil {
		return "", nil, err
	}
	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(projection)
	sb.WriteString(" FROM ")
	sb.WriteString(q.from())
	sb.WriteString(where)
	if len(q.groupBy) > 0 {
		sb.WriteString(" GROUP BY ")
		sb.WriteString(strings.Join(q.groupBy, ", "))
	}
	if len(q.orders) > 0 {
		parts := make([]string, len(q.orders))
		for i, o := range q.orders {
			dir := "ASC"
			if o.desc {
				dir = "DESC"
			}
			parts[i] = o.column + " " + dir
		}
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(parts, ", "))
	}
	switch {
	case q.limit > 0:
		sb.WriteString(" LIMIT ?")
		args = append(args, q.limit)
	case q.offset > 0:
		// SQLite needs a LIMIT before OFFSET.
		sb.WriteString(" LIMIT -1")
	}
	if q.offset > 0 {
		sb.WriteString(" OFFSET ?")
		args = append(args, q.offset)
	}
	return sb.String(), args, nil
}

func (q query) projection() string {
	if len(q.columns) == 0 {
		return "*"
	}
	return strings.Join(q.columns, ", ")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
