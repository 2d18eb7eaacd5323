package sharding

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"Distributed-index/internal/errors"
)

const (
	// PropType selects the strategy in a property map.
	PropType = "type"
	// PropField names the record field the strategy reads.
	PropField = "field"
	// PropBounds is a comma separated list of ascending range bounds.
	PropBounds = "bounds"

	DefaultStrategy = "fieldmod"
)

// Factory builds a strategy from its configuration properties.
type Factory func(props map[string]string) (Strategy, error)

var registry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{factories: map[string]Factory{}}

func init() {
	Register("fieldmod", func(props map[string]string) (Strategy, error) {
		field, err := requireField(props)
		if err != nil {
			return nil, err
		}
		return &FieldMod{Field: field}, nil
	})
	Register("hash", func(props map[string]string) (Strategy, error) {
		field, err := requireField(props)
		if err != nil {
			return nil, err
		}
		return &Hash{Field: field}, nil
	})
	Register("jump", func(props map[string]string) (Strategy, error) {
		field, err := requireField(props)
		if err != nil {
			return nil, err
		}
		return &Jump{Field: field}, nil
	})
	Register("range", func(props map[string]string) (Strategy, error) {
		field, err := requireField(props)
		if err != nil {
			return nil, err
		}
		bounds, err := parseBounds(props[PropBounds])
		if err != nil {
			return nil, err
		}
		return &Range{Field: field, Bounds: bounds}, nil
	})
}

// Register adds or replaces a named strategy factory.
func Register(name string, f Factory) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.factories[name] = f
}

// Names lists the registered strategies.
func Names() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	names := make([]string, 0, len(registry.factories))
	for n := range registry.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Build instantiates the strategy named by props["type"], or fieldmod when
// no type is given.
func Build(props map[string]string) (Strategy, error) {
	name := props[PropType]
	if name == "" {
		name = DefaultStrategy
	}
	registry.mu.RLock()
	f, ok := registry.factories[name]
	registry.mu.RUnlock()
	if !ok {
		return nil, errors.Errorf("unknown sharding strategy %q (have %s)", name, strings.Join(Names(), ", "))
	}
	return f(props)
}

func requireField(props map[string]string) (string, error) {
	field := props[PropField]
	if field == "" {
		return "", errors.Errorf("sharding strategy needs a %q property", PropField)
	}
	return field, nil
}

func parseBounds(s string) ([]int64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, errors.Errorf("range strategy needs a %q property", PropBounds)
	}
	parts := strings.Split(s, ",")
	bounds := make([]int64, 0, len(parts))
	for _, p := range parts {
		b, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing bound %q", p)
		}
		if len(bounds) > 0 && b <= bounds[len(bounds)-1] {
			return nil, errors.Errorf("range bounds must be ascending: %d after %d", b, bounds[len(bounds)-1])
		}
		bounds = append(bounds, b)
	}
	return bounds, nil
}
