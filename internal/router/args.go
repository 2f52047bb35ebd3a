package router

import "strconv"

// Args is the merged request argument map a handler reads: URI query pairs,
// the explicit query object, and the body object, in ascending precedence.
// Values keep the type they arrived with (JSON numbers stay float64, URI
// pairs stay strings); the accessors coerce on demand.
type Args map[string]any

// Has reports whether the key is present.
func (a Args) Has(key string) bool {
	_, ok := a[key]
	return ok
}

// Get returns the raw value for the key.
func (a Args) Get(key string) (any, bool) {
	v, ok := a[key]
	return v, ok
}

// String returns the value as a string, formatting numbers and bools. Absent
// keys return "".
func (a Args) String(key string) string {
	v, ok := a[key]
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// Int64 returns the value as an int64, coercing JSON numbers and numeric
// strings. Floats with a fractional part do not coerce.
func (a Args) Int64(key string) (int64, bool) {
	v, ok := a[key]
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		n := int64(t)
		if float64(n) != t {
			return 0, false
		}
		return n, true
	case int64:
		return t, true
	case int:
		return int64(t), true
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// Int returns the value as an int, with the same coercions as Int64.
func (a Args) Int(key string) (int, bool) {
	n, ok := a.Int64(key)
	return int(n), ok
}

// Float returns the value as a float64, coercing numeric strings.
func (a Args) Float(key string) (float64, bool) {
	v, ok := a[key]
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Bool returns the value as a bool, coercing the strings "true"/"false"/"1"/"0".
func (a Args) Bool(key string) (bool, bool) {
	v, ok := a[key]
	if !ok {
		return false, false
	}
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		b, err := strconv.ParseBool(t)
		if err != nil {
			return false, false
		}
		return b, true
	default:
		return false, false
	}
}
