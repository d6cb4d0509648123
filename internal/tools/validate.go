package tools

import (
	"fmt"
	"math"
)

// ValidateArgs checks args against the parameter tree and returns the
// normalized argument map: required fields verified, defaults stamped for
// absent optionals, undeclared properties dropped unless the object is open.
// Validation failures name the offending field with a dotted path.
func ValidateArgs(params map[string]*Param, args map[string]any) (map[string]any, error) {
	if args == nil {
		args = map[string]any{}
	}
	return validateObject(params, false, args, "")
}

func validateObject(params map[string]*Param, open bool, args map[string]any, path string) (map[string]any, error) {
	out := make(map[string]any, len(args))

	for name, p := range params {
		fieldPath := joinPath(path, name)
		value, present := args[name]
		if !present || value == nil {
			if p.Required {
				return nil, fmt.Errorf("%w: %s: required field is missing", ErrInvalidArgs, fieldPath)
			}
			if p.Default != nil {
				out[name] = p.Default
			}
			continue
		}
		normalized, err := validateValue(p, value, fieldPath)
		if err != nil {
			return nil, err
		}
		out[name] = normalized
	}

	if open {
		for name, value := range args {
			if _, declared := params[name]; !declared {
				out[name] = value
			}
		}
	}
	return out, nil
}

func validateValue(p *Param, value any, path string) (any, error) {
	switch p.Type {
	case TypeString:
		s, ok := value.(string)
		if !ok {
			return nil, typeError(path, "string", value)
		}
		if len(p.Enum) > 0 && !containsString(p.Enum, s) {
			return nil, fmt.Errorf("%w: %s: %q is not one of %v", ErrInvalidArgs, path, s, p.Enum)
		}
		return s, nil

	case TypeBoolean:
		b, ok := value.(bool)
		if !ok {
			return nil, typeError(path, "boolean", value)
		}
		return b, nil

	case TypeInteger:
		switch n := value.(type) {
		case int:
			return n, nil
		case int64:
			return n, nil
		case float64:
			// JSON numbers decode as float64; accept integral values only.
			if n != math.Trunc(n) {
				return nil, typeError(path, "integer", value)
			}
			return int(n), nil
		default:
			return nil, typeError(path, "integer", value)
		}

	case TypeNumber:
		switch n := value.(type) {
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case float64:
			return n, nil
		default:
			return nil, typeError(path, "number", value)
		}

	case TypeObject:
		obj, ok := value.(map[string]any)
		if !ok {
			return nil, typeError(path, "object", value)
		}
		if len(p.Properties) == 0 {
			return obj, nil
		}
		return validateObject(p.Properties, p.Open, obj, path)

	case TypeArray:
		arr, ok := value.([]any)
		if !ok {
			return nil, typeError(path, "array", value)
		}
		if p.Items == nil {
			return arr, nil
		}
		out := make([]any, len(arr))
		for i, item := range arr {
			normalized, err := validateValue(p.Items, item, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = normalized
		}
		return out, nil

	default:
		return nil, fmt.Errorf("%w: %s: unsupported parameter type %q", ErrInvalidArgs, path, p.Type)
	}
}

func typeError(path, want string, got any) error {
	return fmt.Errorf("%w: %s: expected %s, got %s", ErrInvalidArgs, path, want, typeName(got))
}

func typeName(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case int, int64:
		return "integer"
	case float64:
		return "number"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func joinPath(base, field string) string {
	if base == "" {
		return field
	}
	return base + "." + field
}

func containsString(values []string, s string) bool {
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}
