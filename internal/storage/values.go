package storage

import (
	"cmp"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"time"
)

// Normalize converts backend and JSON representations of a scalar into one
// canonical form: integers become int64, integral floats become int64,
// []byte becomes string. Other values are returned unchanged.
func Normalize(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return normalizeFloat(f)
		}
		return x.String()
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return x
	case uint:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		if x <= math.MaxInt64 {
			return int64(x)
		}
		return x
	case float32:
		return normalizeFloat(float64(x))
	case float64:
		return normalizeFloat(x)
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC()
	default:
		return v
	}
}

func normalizeFloat(f float64) any {
	if f == math.Trunc(f) && f >= math.MinInt64 && f <= math.MaxInt64 {
		return int64(f)
	}
	return f
}

// Equal compares two scalars after normalization.
func Equal(a, b any) bool {
	na, nb := Normalize(a), Normalize(b)
	if ta, ok := na.(time.Time); ok {
		tb, ok := nb.(time.Time)
		return ok && ta.Equal(tb)
	}
	if na == nil || nb == nil {
		return na == nil && nb == nil
	}
	if reflect.TypeOf(na).Comparable() && reflect.TypeOf(nb).Comparable() {
		return na == nb
	}
	return reflect.DeepEqual(na, nb)
}

// Matches reports whether rec satisfies every equality in filter.
func Matches(rec Record, filter Filter) bool {
	for k, want := range filter {
		got, ok := rec[k]
		if !ok {
			got = nil
		}
		if !Equal(got, want) {
			return false
		}
	}
	return true
}

// SameIdentifier reports whether two identifiers hold equal values.
func SameIdentifier(a, b Identifier) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		w, ok := b[k]
		if !ok || !Equal(v, w) {
			return false
		}
	}
	return true
}

// Normalize returns a copy of id with every value normalized.
func (id Identifier) Normalize() Identifier {
	out := make(Identifier, len(id))
	for k, v := range id {
		out[k] = Normalize(v)
	}
	return out
}

// SortByKey orders recs by the given key fields.
func SortByKey(key []string, recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		for _, f := range key {
			if c := compareValues(recs[i][f], recs[j][f]); c != 0 {
				return c < 0
			}
		}
		return false
	})
}

func compareValues(a, b any) int {
	switch x := a.(type) {
	case int64:
		if y, ok := b.(int64); ok {
			return cmp.Compare(x, y)
		}
	case float64:
		if y, ok := b.(float64); ok {
			return cmp.Compare(x, y)
		}
	case string:
		if y, ok := b.(string); ok {
			return cmp.Compare(x, y)
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y)
		}
	}
	return cmp.Compare(fmt.Sprint(a), fmt.Sprint(b))
}
