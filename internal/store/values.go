package store

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

// Row is one record keyed by column name.
type Row map[string]any

// String returns the column as text.
func (r Row) String(col string) string {
	switch v := r[col].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case time.Time:
		return model.FormatTime(v)
	default:
		return fmt.Sprint(v)
	}
}

// Int64 returns the column as an integer. Text that does not parse is 0.
func (r Row) Int64(col string) int64 {
	switch v := r[col].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case bool:
		if v {
			return 1
		}
		return 0
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	case []byte:
		n, _ := strconv.ParseInt(string(v), 10, 64)
		return n
	}
	return 0
}

// Int returns the column as an int.
func (r Row) Int(col string) int {
	return int(r.Int64(col))
}

// Bool returns the column as a boolean stored as 0/1.
func (r Row) Bool(col string) bool {
	if s, ok := r[col].(string); ok {
		b, _ := strconv.ParseBool(s)
		return b
	}
	return r.Int64(col) != 0
}

// Time parses an ISO-8601 text column.
func (r Row) Time(col string) time.Time {
	if t, ok := r[col].(time.Time); ok {
		return t.UTC()
	}
	return model.ParseTime(r.String(col))
}

// JSON decodes a serialized text column into dst. Empty and null columns
// leave dst untouched.
func (r Row) JSON(col string, dst any) error {
	s := r.String(col)
	if s == "" || s == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), dst); err != nil {
		return fmt.Errorf("decode %s: %w", col, err)
	}
	return nil
}

// normalize converts v to a value SQLite can bind: booleans become 0/1,
// timestamps ISO-8601 text, and structured values JSON text.
func normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string, int64, float64, []byte:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	case time.Time:
		if x.IsZero() {
			return nil, nil
		}
		return model.FormatTime(x), nil
	case json.RawMessage:
		return string(x), nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return normalize(rv.Elem().Interface())
	case reflect.String:
		return rv.String(), nil
	case reflect.Bool:
		return normalize(rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	}

	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return string(b), nil
}
