package model

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Int64 normalizes the numeric encodings the chat service produces: plain
// numbers, numeric strings and 64-bit longs split into {low, high} words.
func Int64(r gjson.Result) int64 {
	switch r.Type {
	case gjson.Number:
		return r.Int()
	case gjson.String:
		s := strings.TrimSpace(r.Str)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return int64(f)
		}
		return 0
	case gjson.JSON:
		if !r.IsObject() {
			return 0
		}
		low, high := r.Get("low"), r.Get("high")
		if !low.Exists() && !high.Exists() {
			return 0
		}
		return high.Int()<<32 | int64(uint32(low.Int()))
	}
	return 0
}
