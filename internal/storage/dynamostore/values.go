package dynamostore

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"nestwrite/internal/schema"
	"nestwrite/internal/storage"
)

func normalize(model *schema.Model, fields storage.Record) (storage.Record, error) {
	out := make(storage.Record, len(fields))
	for k, v := range fields {
		if !model.HasField(k) {
			return nil, fmt.Errorf("%s has no field %q", model.Name, k)
		}
		out[k] = storage.Normalize(v)
	}
	return out, nil
}

// keyFilter reports whether filter is exactly a primary key lookup.
func keyFilter(model *schema.Model, filter storage.Filter) (storage.Identifier, bool) {
	if len(filter) != len(model.PrimaryKey) {
		return nil, false
	}
	id := make(storage.Identifier, len(filter))
	for _, name := range model.PrimaryKey {
		v, ok := filter[name]
		if !ok || v == nil {
			return nil, false
		}
		id[name] = storage.Normalize(v)
	}
	return id, true
}

// guardKeys returns the unique key guards rec holds. Keys with a null field
// hold no guard.
func guardKeys(model *schema.Model, rec storage.Record) map[string]struct{} {
	out := make(map[string]struct{})
	if rec == nil {
		return out
	}
	for _, key := range model.Unique {
		values := make(storage.Identifier, len(key))
		complete := true
		for _, f := range key {
			if rec[f] == nil {
				complete = false
				break
			}
			values[f] = rec[f]
		}
		if complete {
			out[model.Name+"#"+values.Normalize().Key()] = struct{}{}
		}
	}
	return out
}

func guardModel(key string) string {
	model, _, _ := strings.Cut(key, "#")
	return model
}

func marshalRecord(key string, rec storage.Record) (map[string]types.AttributeValue, error) {
	plain := make(map[string]any, len(rec))
	for k, v := range rec {
		if t, ok := v.(time.Time); ok {
			v = t.UTC().Format(time.RFC3339Nano)
		}
		plain[k] = v
	}
	item, err := attributevalue.MarshalMap(plain)
	if err != nil {
		return nil, err
	}
	item[keyAttr] = &types.AttributeValueMemberS{Value: key}
	return item, nil
}

func unmarshalRecord(model *schema.Model, item map[string]types.AttributeValue) (storage.Record, error) {
	var raw map[string]any
	err := attributevalue.UnmarshalMapWithOptions(item, &raw, func(o *attributevalue.DecoderOptions) {
		o.UseNumber = true
	})
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", model.Name, err)
	}
	rec := make(storage.Record, len(model.Fields))
	for i := range model.Fields {
		f := &model.Fields[i]
		v, err := decodeValue(f, raw[f.Name])
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", model.Name, err)
		}
		rec[f.Name] = v
	}
	return rec, nil
}

func decodeValue(f *schema.Field, v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case attributevalue.Number:
		return decodeNumber(f.Name, string(x), f.Type != schema.TypeFloat)
	case string:
		if f.Type == schema.TypeTime {
			t, err := time.Parse(time.RFC3339Nano, x)
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", f.Name, err)
			}
			return t.UTC(), nil
		}
		return x, nil
	default:
		return decodeNested(v), nil
	}
}

func decodeNumber(field, s string, preferInt bool) (any, error) {
	if preferInt {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", field, err)
	}
	return storage.Normalize(n), nil
}

// decodeNested converts numbers inside JSON values.
func decodeNested(v any) any {
	switch x := v.(type) {
	case attributevalue.Number:
		n, err := decodeNumber("", string(x), true)
		if err != nil {
			return string(x)
		}
		return n
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = decodeNested(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = decodeNested(e)
		}
		return out
	default:
		return storage.Normalize(v)
	}
}
