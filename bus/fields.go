package bus

import (
	"fmt"
	"strconv"
)

// the json codec produces float64 for all numbers and cbor produces
// int64/uint64 for integers, so field access has to tolerate both.

// AsFloat converts a numeric field value to float64
func AsFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// AsBool converts a boolean or 0/1 field value to bool
func AsBool(v interface{}) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		p, err := strconv.ParseBool(b)
		return p, err == nil
	}
	if f, ok := AsFloat(v); ok {
		return f != 0, true
	}
	return false, false
}

// AsString converts a field value to a string
func AsString(v interface{}) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case nil:
		return "", false
	case fmt.Stringer:
		return s.String(), true
	}
	return fmt.Sprint(v), true
}

// AsMap converts a nested field value to Fields
func AsMap(v interface{}) (Fields, bool) {
	switch m := v.(type) {
	case Fields:
		return m, true
	case map[string]interface{}:
		return Fields(m), true
	case map[interface{}]interface{}:
		out := make(Fields, len(m))
		for k, v := range m {
			out[fmt.Sprint(k)] = v
		}
		return out, true
	}
	return nil, false
}

// Float returns a numeric field, or def if absent or not numeric
func (f Fields) Float(key string, def float64) float64 {
	if v, ok := f[key]; ok {
		if x, ok := AsFloat(v); ok {
			return x
		}
	}
	return def
}

// Map returns a nested field
func (f Fields) Map(key string) (Fields, bool) {
	v, ok := f[key]
	if !ok {
		return nil, false
	}
	return AsMap(v)
}
