package sqlstore

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"nestwrite/internal/schema"
	"nestwrite/internal/storage"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

// encodeValue converts a record value to a driver argument.
func encodeValue(f *schema.Field, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if f.Type == schema.TypeJSON {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", f.Name, err)
		}
		return string(b), nil
	}
	return v, nil
}

// decodeValue converts a scanned column to the canonical form for the
// field's declared type.
func decodeValue(f *schema.Field, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	switch f.Type {
	case schema.TypeInt:
		if s, ok := v.(string); ok {
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", f.Name, err)
			}
			return n, nil
		}
	case schema.TypeFloat:
		if s, ok := v.(string); ok {
			n, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", f.Name, err)
			}
			return storage.Normalize(n), nil
		}
	case schema.TypeBool:
		switch x := storage.Normalize(v).(type) {
		case bool:
			return x, nil
		case int64:
			return x != 0, nil
		case string:
			b, err := strconv.ParseBool(x)
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", f.Name, err)
			}
			return b, nil
		}
	case schema.TypeTime:
		if s, ok := v.(string); ok {
			return parseTime(f.Name, s)
		}
	case schema.TypeJSON:
		s, ok := v.(string)
		if !ok {
			return storage.Normalize(v), nil
		}
		var out any
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.Name, err)
		}
		return storage.Normalize(out), nil
	}
	return storage.Normalize(v), nil
}

func parseTime(field, s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("decode %s: unrecognized time %q", field, s)
}
