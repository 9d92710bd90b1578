package conveyor

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// MatrixAxis is one declared axis: a name plus either a static ordered value
// list or an expression (From) that yields the values at expansion time.
type MatrixAxis struct {
	Name   string
	Values []any
	From   string
}

// MatrixSpec declares the axes, include overlays, and exclude filters for a
// job template's matrix. Axis declaration order is preserved because it
// determines the expansion order and the derived instance IDs.
type MatrixSpec struct {
	Axes    []MatrixAxis
	Include []map[string]any
	Exclude []map[string]any
}

func (m *MatrixSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("matrix must be a mapping")
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode := node.Content[i]
		valueNode := node.Content[i+1]
		switch keyNode.Value {
		case "include":
			if err := valueNode.Decode(&m.Include); err != nil {
				return fmt.Errorf("invalid matrix include: %w", err)
			}
		case "exclude":
			if err := valueNode.Decode(&m.Exclude); err != nil {
				return fmt.Errorf("invalid matrix exclude: %w", err)
			}
		default:
			axis := MatrixAxis{Name: keyNode.Value}
			if valueNode.Kind == yaml.ScalarNode {
				// A scalar axis value is an expression resolved dynamically
				// before expansion.
				if err := valueNode.Decode(&axis.From); err != nil {
					return fmt.Errorf("invalid matrix axis %q: %w", keyNode.Value, err)
				}
			} else {
				if err := valueNode.Decode(&axis.Values); err != nil {
					return fmt.Errorf("invalid matrix axis %q: %w", keyNode.Value, err)
				}
			}
			m.Axes = append(m.Axes, axis)
		}
	}
	return nil
}

// Dynamic reports whether any axis sources its values from an expression.
func (m *MatrixSpec) Dynamic() bool {
	for _, axis := range m.Axes {
		if axis.From != "" {
			return true
		}
	}
	return false
}

// Combination is one axis-value binding produced by matrix expansion. Keys
// preserve field order; include-synthesized combinations may omit axes.
type Combination struct {
	keys   []string
	values map[string]any
}

func newCombination() *Combination {
	return &Combination{values: map[string]any{}}
}

func (c *Combination) set(key string, value any) {
	if _, exists := c.values[key]; !exists {
		c.keys = append(c.keys, key)
	}
	c.values[key] = value
}

// Get returns the value bound to an axis or include field.
func (c *Combination) Get(key string) (any, bool) {
	value, ok := c.values[key]
	return value, ok
}

// Keys returns the field names in declaration order.
func (c *Combination) Keys() []string {
	return c.keys
}

// Values returns the binding as a plain map for expression contexts.
func (c *Combination) Values() map[string]any {
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// Key renders the combination's values in field order, e.g. "ubuntu, 1.22".
// It is the suffix that makes matrix instance IDs unique.
func (c *Combination) Key() string {
	parts := make([]string, 0, len(c.keys))
	for _, key := range c.keys {
		parts = append(parts, fmt.Sprintf("%v", c.values[key]))
	}
	return strings.Join(parts, ", ")
}

// matches reports whether every key/value pair of the partial spec equals the
// combination's corresponding value. Keys absent from the combination do not
// match.
func (c *Combination) matches(partial map[string]any) bool {
	for key, want := range partial {
		have, ok := c.values[key]
		if !ok || !valueEqual(have, want) {
			return false
		}
	}
	return true
}

// Expansion is the result of expanding one job template's matrix. FailFast
// and MaxParallel are carried for the scheduler; they are not expansion-time
// concerns.
type Expansion struct {
	Combinations []*Combination
	FailFast     bool
	MaxParallel  int
}

// AxisResolver resolves a dynamic axis expression to its value list. The
// expression result must be a JSON array string or a list.
type AxisResolver func(expr string) ([]any, error)

// ExpandMatrix expands a job template's matrix into the ordered list of
// combinations. Non-matrix jobs expand to a single empty combination. A
// dynamic axis that fails to resolve is a configuration error for the job.
func ExpandMatrix(job *JobTemplate, resolve AxisResolver) (*Expansion, error) {
	strategy := job.Strategy
	matrix := job.Matrix()
	if matrix == nil {
		return &Expansion{
			Combinations: []*Combination{nil},
			FailFast:     strategy.FailFastEnabled(),
			MaxParallel:  maxParallel(strategy, 1),
		}, nil
	}

	// Resolve axis values, dynamic axes first
	axes := make([]MatrixAxis, 0, len(matrix.Axes))
	for _, axis := range matrix.Axes {
		if axis.From != "" {
			if resolve == nil {
				return nil, NewConfigError("job %q: dynamic matrix axis %q cannot be resolved", job.Name, axis.Name)
			}
			values, err := resolve(axis.From)
			if err != nil {
				return nil, NewConfigError("job %q: dynamic matrix axis %q: %v", job.Name, axis.Name, err)
			}
			axis.Values = values
		}
		if len(axis.Values) == 0 {
			return nil, NewConfigError("job %q: matrix axis %q has no values", job.Name, axis.Name)
		}
		axes = append(axes, axis)
	}

	// Cartesian product in axis declaration order; the last axis varies
	// fastest so expansion order matches the declared value order.
	combinations := []*Combination{newCombination()}
	for _, axis := range axes {
		var next []*Combination
		for _, base := range combinations {
			for _, value := range axis.Values {
				combo := newCombination()
				for _, key := range base.keys {
					combo.set(key, base.values[key])
				}
				combo.set(axis.Name, value)
				next = append(next, combo)
			}
		}
		combinations = next
	}

	// Exclude: remove every combination matching all named pairs. A partial
	// entry wildcards the axes it does not name.
	if len(matrix.Exclude) > 0 {
		var kept []*Combination
		for _, combo := range combinations {
			excluded := false
			for _, entry := range matrix.Exclude {
				if len(entry) > 0 && combo.matches(entry) {
					excluded = true
					break
				}
			}
			if !excluded {
				kept = append(kept, combo)
			}
		}
		combinations = kept
	}

	// Include: overlay extra fields onto the first matching combination, or
	// synthesize a new combination containing only the entry's own fields.
	axisNames := map[string]bool{}
	for _, axis := range axes {
		axisNames[axis.Name] = true
	}
	for _, entry := range matrix.Include {
		matchKeys := map[string]any{}
		for key, value := range entry {
			if axisNames[key] {
				matchKeys[key] = value
			}
		}
		var target *Combination
		if len(matchKeys) > 0 {
			for _, combo := range combinations {
				if combo.matches(matchKeys) {
					target = combo
					break
				}
			}
		}
		if target != nil {
			var extraKeys []string
			for key := range entry {
				if !axisNames[key] {
					extraKeys = append(extraKeys, key)
				}
			}
			sort.Strings(extraKeys)
			for _, key := range extraKeys {
				target.set(key, entry[key])
			}
			continue
		}
		// Synthesized combinations carry only the fields the entry names;
		// unmentioned axes are simply absent on that instance.
		combo := newCombination()
		for _, axis := range axes {
			if value, ok := entry[axis.Name]; ok {
				combo.set(axis.Name, value)
			}
		}
		var extraKeys []string
		for key := range entry {
			if !axisNames[key] {
				extraKeys = append(extraKeys, key)
			}
		}
		sort.Strings(extraKeys)
		for _, key := range extraKeys {
			combo.set(key, entry[key])
		}
		combinations = append(combinations, combo)
	}

	if len(combinations) == 0 {
		return nil, NewConfigError("job %q: matrix expansion produced no instances", job.Name)
	}

	return &Expansion{
		Combinations: combinations,
		FailFast:     strategy.FailFastEnabled(),
		MaxParallel:  maxParallel(strategy, len(combinations)),
	}, nil
}

func maxParallel(strategy *Strategy, size int) int {
	if strategy != nil && strategy.MaxParallel > 0 && strategy.MaxParallel < size {
		return strategy.MaxParallel
	}
	return size
}

// valueEqual compares scalar axis values with numeric coercion, since YAML
// literals decode as int while JSON-sourced dynamic axes decode as float64.
func valueEqual(a, b any) bool {
	if a == b {
		return true
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}
