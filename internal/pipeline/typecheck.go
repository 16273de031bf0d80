package pipeline

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"

	"nestwrite/internal/schema"
)

// TypeCheck coerces decoded JSON values to the declared field type and
// rejects values that cannot be represented.
func TypeCheck() Hook {
	return HookFunc(func(_ context.Context, f Field) (any, error) {
		if f.Value == nil {
			if !f.Field.Nullable {
				return nil, invalid(f, "may not be null")
			}
			return nil, nil
		}
		v, ok := coerce(f.Field.Type, f.Value)
		if !ok {
			return nil, invalid(f, "expected %s, got %T", f.Field.Type, f.Value)
		}
		return v, nil
	})
}

func coerce(t schema.FieldType, v any) (any, bool) {
	switch t {
	case schema.TypeString:
		s, ok := v.(string)
		return s, ok
	case schema.TypeInt:
		return toInt(v)
	case schema.TypeFloat:
		return toFloat(v)
	case schema.TypeBool:
		b, ok := v.(bool)
		return b, ok
	case schema.TypeTime:
		switch x := v.(type) {
		case time.Time:
			return x.UTC(), true
		case string:
			parsed, err := time.Parse(time.RFC3339Nano, x)
			if err != nil {
				return nil, false
			}
			return parsed.UTC(), true
		}
		return nil, false
	case schema.TypeUUID:
		switch x := v.(type) {
		case string:
			id, err := uuid.Parse(x)
			if err != nil {
				return nil, false
			}
			return id.String(), true
		case uuid.UUID:
			return x.String(), true
		}
		return nil, false
	case schema.TypeJSON:
		return v, true
	}
	return nil, false
}

func toInt(v any) (any, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case float64:
		if x != math.Trunc(x) || x > math.MaxInt64 || x < math.MinInt64 {
			return nil, false
		}
		return int64(x), true
	case json.Number:
		n, err := x.Int64()
		return n, err == nil
	}
	return nil, false
}

func toFloat(v any) (any, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return nil, false
}
