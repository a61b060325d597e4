package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/ruteri/device-provisioning-backend/interfaces"
)

var (
	ErrTypeMismatch    = errors.New("value does not match data type")
	ErrOutOfRange      = errors.New("value out of range")
	ErrValueNotAllowed = errors.New("value not allowed")
)

// CheckValue validates v against the parameter's data type and its range or
// allowed values. v must already be normalized (see Normalize).
func CheckValue(p interfaces.ParameterSpec, v any) error {
	if err := checkType(p.DataType, v); err != nil {
		return err
	}

	if p.Range != nil {
		n, _ := v.(float64)
		if !p.Range.Contains(n) {
			return fmt.Errorf("%w: %v not in [%v, %v]", ErrOutOfRange, n, p.Range.Min, p.Range.Max)
		}
	}

	if len(p.AllowedValues) > 0 && !slices.Contains(p.AllowedValues, v) {
		return fmt.Errorf("%w: %v not in %v", ErrValueNotAllowed, v, p.AllowedValues)
	}

	return nil
}

// Normalize converts decoded YAML or JSON values to the canonical Go
// representation used by the catalog: all numbers become float64.
func Normalize(v any) any {
	return normalize(v)
}

func normalize(v any) any {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	case uint32:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}

func checkType(dt interfaces.DataType, v any) error {
	ok := false
	switch dt {
	case interfaces.NumberType:
		_, ok = v.(float64)
	case interfaces.StringType:
		_, ok = v.(string)
	case interfaces.BooleanType:
		_, ok = v.(bool)
	case interfaces.ObjectType:
		switch v.(type) {
		case nil, map[string]any:
			ok = true
		}
	}
	if !ok {
		return fmt.Errorf("%w: %v is not %s", ErrTypeMismatch, v, dt)
	}
	return nil
}
