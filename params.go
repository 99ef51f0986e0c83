package ninchat

// Typed parameter extraction helpers, mirroring the type vocabulary of
// ninchat.api.typechecks in the original client: bool, float, int,
// object, string, string array, and time (a non-negative integer
// timestamp). params is typically an Event's or Action's Params map.

// BoolParam returns params[key] as a bool, and whether it was present
// and of the right type.
func BoolParam(params map[string]any, key string) (bool, bool) {
	v, ok := params[key].(bool)
	return v, ok
}

// FloatParam returns params[key] as a float64, and whether it was
// present and numeric.
func FloatParam(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// IntParam returns params[key] as an int64, and whether it was present
// and numeric with no fractional part.
func IntParam(params map[string]any, key string) (int64, bool) {
	switch v := params[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		if v != float64(int64(v)) {
			return 0, false
		}
		return int64(v), true
	default:
		return 0, false
	}
}

// TimeParam returns params[key] as a non-negative Unix timestamp, and
// whether it was present, integral, and non-negative.
func TimeParam(params map[string]any, key string) (int64, bool) {
	v, ok := IntParam(params, key)
	if !ok || v < 0 {
		return 0, false
	}
	return v, true
}

// StringParam returns params[key] as a string, and whether it was
// present and of the right type.
func StringParam(params map[string]any, key string) (string, bool) {
	v, ok := params[key].(string)
	return v, ok
}

// StringsParam returns params[key] as a slice of strings, and whether
// it was present and every element was a string.
func StringsParam(params map[string]any, key string) ([]string, bool) {
	raw, ok := params[key].([]any)
	if !ok {
		if direct, ok := params[key].([]string); ok {
			return direct, true
		}
		return nil, false
	}
	out := make([]string, len(raw))
	for i, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, false
		}
		out[i] = s
	}
	return out, true
}

// ObjectParam returns params[key] as a string-keyed map, and whether
// it was present and of the right type.
func ObjectParam(params map[string]any, key string) (map[string]any, bool) {
	v, ok := params[key].(map[string]any)
	return v, ok
}
