package tree

import (
	"fmt"
	"math"
	"strings"

	"github.com/orneryd/mindtree/pkg/storage"
)

// Kind is the value type of a schema-checked property.
type Kind int

const (
	KindString Kind = iota + 1
	KindInt
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind parses "string", "int" or "bool".
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "string", "str", "text":
		return KindString, nil
	case "int", "integer":
		return KindInt, nil
	case "bool", "boolean":
		return KindBool, nil
	}
	return 0, fmt.Errorf("unknown property kind %q: %w", s, ErrInvalidArgument)
}

// Schema maps property keys to their kinds. Keys not in the schema accept
// any JSON-compatible value.
type Schema map[string]Kind

// normalize checks value against the schema and converts numbers that lost
// their type in JSON back to int.
func (s Schema) normalize(key string, value any) (any, error) {
	kind, ok := s[key]
	if !ok || value == nil {
		return value, nil
	}

	switch kind {
	case KindString:
		if str, ok := value.(string); ok {
			return str, nil
		}
	case KindInt:
		if n, ok := storage.IntValue(value); ok && n <= math.MaxInt32 && n >= math.MinInt32 {
			return n, nil
		}
	case KindBool:
		if b, ok := value.(bool); ok {
			return b, nil
		}
	}
	return nil, fmt.Errorf("property %q wants %s, got %T: %w", key, kind, value, ErrTypeMismatch)
}

// reservedProperty reports whether key belongs to the store's own
// bookkeeping and may not be written through SetProperty.
func reservedProperty(key string) bool {
	return key == TrashedProperty || strings.HasPrefix(key, "th_")
}
