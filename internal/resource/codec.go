package resource

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/example/labkeeper/internal/store"
)

// Record is one decoded row: the common audit fields plus per-type fields.
type Record struct {
	ID        int64
	CreatedAt time.Time
	UpdatedAt time.Time
	Fields    map[string]interface{}
}

// Decode normalises a raw driver row into a Record for s.
func Decode(s *Schema, row store.Row) Record {
	rec := Record{Fields: make(map[string]interface{}, len(s.Columns))}
	for _, c := range s.Columns {
		v := normalize(c.Kind, row[c.Name])
		switch c.Name {
		case s.PrimaryKey:
			rec.ID, _ = v.(int64)
		case colCreatedAt:
			rec.CreatedAt, _ = v.(time.Time)
		case colUpdatedAt:
			rec.UpdatedAt, _ = v.(time.Time)
		default:
			rec.Fields[c.Name] = v
		}
	}
	return rec
}

// Encode renders rec as the JSON object returned to clients. Times are RFC 3339 in UTC.
func Encode(s *Schema, rec Record) map[string]interface{} {
	out := make(map[string]interface{}, len(s.Columns))
	out[s.PrimaryKey] = rec.ID
	out[colCreatedAt] = formatTime(rec.CreatedAt)
	out[colUpdatedAt] = formatTime(rec.UpdatedAt)
	for _, c := range s.Columns {
		if s.isManaged(c.Name) {
			continue
		}
		v := rec.Fields[c.Name]
		if t, ok := v.(time.Time); ok {
			v = formatTime(t)
		}
		out[c.Name] = v
	}
	return out
}

func formatTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// normalize maps the value types the sqlite and postgres drivers return onto
// int64, string, bool, float64 and time.Time.
func normalize(kind ColumnKind, v interface{}) interface{} {
	if v == nil {
		return nil
	}
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	switch kind {
	case Int:
		switch n := v.(type) {
		case int64:
			return n
		case int:
			return int64(n)
		case float64:
			return int64(n)
		case string:
			if i, err := strconv.ParseInt(n, 10, 64); err == nil {
				return i
			}
		}
	case Bool:
		switch b := v.(type) {
		case bool:
			return b
		case int64:
			return b != 0
		case string:
			if parsed, err := strconv.ParseBool(b); err == nil {
				return parsed
			}
		}
	case Float:
		switch f := v.(type) {
		case float64:
			return f
		case int64:
			return float64(f)
		case string:
			if parsed, err := strconv.ParseFloat(f, 64); err == nil {
				return parsed
			}
		}
	case Time:
		switch t := v.(type) {
		case int64:
			return time.Unix(t, 0).UTC()
		case time.Time:
			return t.UTC()
		}
	case Text:
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return v
}

// coerce converts a decoded JSON value into the database value for c.
func coerce(c Column, v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch c.Kind {
	case Int:
		switch n := v.(type) {
		case float64:
			if n != math.Trunc(n) || n < math.MinInt64 || n >= math.MaxInt64 {
				break
			}
			return int64(n), nil
		case json.Number:
			if i, err := n.Int64(); err == nil {
				return i, nil
			}
		case int64:
			return n, nil
		case int:
			return int64(n), nil
		}
	case Text:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case Bool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case Float:
		switch f := v.(type) {
		case float64:
			return f, nil
		case json.Number:
			if parsed, err := f.Float64(); err == nil {
				return parsed, nil
			}
		}
	case Time:
		switch t := v.(type) {
		case string:
			if parsed, err := time.Parse(time.RFC3339, t); err == nil {
				return parsed.Unix(), nil
			}
		case float64:
			return int64(t), nil
		case time.Time:
			return t.Unix(), nil
		}
	}
	return nil, fmt.Errorf("field %q expects %s", c.Name, c.Kind)
}
