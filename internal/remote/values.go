package remote

import (
	"fmt"
	"sort"
	"time"

	"google.golang.org/api/firestore/v1"
)

// encodeFields converts a sanitized payload into Firestore document fields
// plus the update-mask paths for merge semantics. Paths are sorted so writes
// are deterministic.
func encodeFields(payload map[string]any) (map[string]firestore.Value, []string, error) {
	fields := make(map[string]firestore.Value, len(payload))
	paths := make([]string, 0, len(payload))

	for key, v := range payload {
		value, err := encodeValue(v)
		if err != nil {
			return nil, nil, fmt.Errorf("field %q: %w", key, err)
		}
		fields[key] = *value
		paths = append(paths, key)
	}

	sort.Strings(paths)
	return fields, paths, nil
}

func encodeValue(v any) (*firestore.Value, error) {
	switch val := v.(type) {
	case nil:
		return &firestore.Value{NullValue: "NULL_VALUE"}, nil

	case bool:
		return &firestore.Value{BooleanValue: val, ForceSendFields: []string{"BooleanValue"}}, nil

	case string:
		return &firestore.Value{StringValue: val, ForceSendFields: []string{"StringValue"}}, nil

	case float64:
		return &firestore.Value{DoubleValue: val, ForceSendFields: []string{"DoubleValue"}}, nil

	case float32:
		return &firestore.Value{DoubleValue: float64(val), ForceSendFields: []string{"DoubleValue"}}, nil

	case int:
		return &firestore.Value{IntegerValue: int64(val), ForceSendFields: []string{"IntegerValue"}}, nil

	case int64:
		return &firestore.Value{IntegerValue: val, ForceSendFields: []string{"IntegerValue"}}, nil

	case time.Time:
		return &firestore.Value{TimestampValue: val.UTC().Format(time.RFC3339Nano)}, nil

	case []any:
		values := make([]*firestore.Value, 0, len(val))
		for i, elem := range val {
			encoded, err := encodeValue(elem)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			values = append(values, encoded)
		}
		return &firestore.Value{ArrayValue: &firestore.ArrayValue{Values: values}}, nil

	case map[string]any:
		fields := make(map[string]firestore.Value, len(val))
		for key, member := range val {
			encoded, err := encodeValue(member)
			if err != nil {
				return nil, fmt.Errorf("member %q: %w", key, err)
			}
			fields[key] = *encoded
		}
		return &firestore.Value{MapValue: &firestore.MapValue{Fields: fields}}, nil

	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}
