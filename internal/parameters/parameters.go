// Package parameters handles generic configuration Params, a map[string]string
// parsed from a user-provided configuration string ("key=value,key=value").
//
// Values are parsed lazily to the type requested by the reader, so the same map
// can feed model hyperparameters (floats, ints, bools) and plain string options.
package parameters

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Params represent generic configuration parameters.
type Params map[string]string

// NewFromConfigString creates Params from the user's configuration string.
// Keys without "=" are stored with an empty value, which bool readers treat as true.
func NewFromConfigString(config string) Params {
	params := make(Params)
	if config == "" {
		return params
	}
	for _, part := range strings.Split(config, ",") {
		key, value, _ := strings.Cut(part, "=")
		params[key] = value
	}
	return params
}

// PopParamOr is like GetParamOr, but it also deletes the retrieved key from the map.
// Popping every key a component understands leaves behind only the unknown ones,
// which callers can then reject.
func PopParamOr[T interface {
	bool | int | float32 | float64 | string
}](params Params, key string, defaultValue T) (T, error) {
	value, err := GetParamOr(params, key, defaultValue)
	if err != nil {
		return value, err
	}
	delete(params, key)
	return value, nil
}

// GetParamOr parses the parameter under key to the given type, or returns
// defaultValue if the key is absent.
//
// For bool types a key present without a value is interpreted as true.
func GetParamOr[T interface {
	bool | int | float32 | float64 | string
}](params Params, key string, defaultValue T) (T, error) {
	value, exists := params[key]
	if !exists {
		return defaultValue, nil
	}
	var t T
	toT := func(v any) T { return v.(T) }
	switch (any)(defaultValue).(type) {
	case string:
		return toT(value), nil
	case int:
		if value == "" {
			return defaultValue, nil
		}
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return t, errors.Wrapf(err, "failed to parse configuration %s=%q to int", key, value)
		}
		return toT(parsed), nil
	case float32:
		if value == "" {
			return defaultValue, nil
		}
		parsed, err := strconv.ParseFloat(value, 32)
		if err != nil {
			return t, errors.Wrapf(err, "failed to parse configuration %s=%q to float", key, value)
		}
		return toT(float32(parsed)), nil
	case float64:
		if value == "" {
			return defaultValue, nil
		}
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return t, errors.Wrapf(err, "failed to parse configuration %s=%q to float", key, value)
		}
		return toT(parsed), nil
	case bool:
		switch strings.ToLower(value) {
		case "", "true", "1":
			return toT(true), nil
		case "false", "0":
			return toT(false), nil
		}
		return defaultValue, errors.Errorf("failed to parse configuration %s=%q to bool", key, value)
	}
	return defaultValue, nil
}
