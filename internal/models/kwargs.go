package models

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Kwargs are free-form reader or writer options given as key=value pairs.
type Kwargs map[string]interface{}

// ParseKwarg splits "key=value" and casts the value with CastIfNumber.
func ParseKwarg(s string) (string, interface{}, error) {
	key, value, ok := strings.Cut(s, "=")
	if !ok || key == "" {
		return "", nil, errors.Errorf("malformed option %q, expected key=value", s)
	}
	return key, CastIfNumber(value), nil
}

// ParseKwargs parses a list of key=value pairs.
func ParseKwargs(pairs []string) (Kwargs, error) {
	kw := Kwargs{}
	for _, p := range pairs {
		k, v, err := ParseKwarg(p)
		if err != nil {
			return nil, err
		}
		kw[k] = v
	}
	return kw, nil
}

// CastIfNumber turns s into a float64 if it contains a dot and parses as
// one, into an int if it parses as one, and leaves it a string otherwise.
func CastIfNumber(s string) interface{} {
	if strings.Contains(s, ".") {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
		return s
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return s
}

// String returns the option as a string, or def when unset.
func (kw Kwargs) String(key, def string) string {
	v, ok := kw[key]
	if !ok || v == nil {
		return def
	}
	return fmt.Sprint(v)
}

// Int returns the option as an int, or def when unset or not numeric.
func (kw Kwargs) Int(key string, def int) int {
	switch v := kw[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Float returns the option as a float64, or def when unset or not numeric.
func (kw Kwargs) Float(key string, def float64) float64 {
	switch v := kw[key].(type) {
	case int:
		return float64(v)
	case float64:
		return v
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// Bool returns the option as a bool. Integers are true when non-zero and
// strings accept the forms strconv.ParseBool does.
func (kw Kwargs) Bool(key string, def bool) bool {
	switch v := kw[key].(type) {
	case bool:
		return v
	case int:
		return v != 0
	case float64:
		return v != 0
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// Ints returns the option as a list of ints. A comma separated string
// such as "0,2" is split; a single number gives a one element list.
func (kw Kwargs) Ints(key string) ([]int, error) {
	switch v := kw[key].(type) {
	case nil:
		return nil, nil
	case int:
		return []int{v}, nil
	case float64:
		return []int{int(v)}, nil
	case []int:
		return v, nil
	case string:
		var out []int
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f == "" {
				continue
			}
			n, err := strconv.Atoi(f)
			if err != nil {
				return nil, errors.Wrapf(err, "option %s", key)
			}
			out = append(out, n)
		}
		return out, nil
	}
	return nil, errors.Errorf("option %s: cannot use %v as a list of ints", key, kw[key])
}

// Merge returns a copy of kw overlaid with other.
func (kw Kwargs) Merge(other Kwargs) Kwargs {
	out := make(Kwargs, len(kw)+len(other))
	for k, v := range kw {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}
