// Package prompt loads prompt descriptors from a filesystem tree and
// resolves them into fully-typed executable descriptors.
//
// Each prompt file opens with a YAML front-matter header (delimited by ---
// lines) declaring id, version, category, agents, dependencies, inputs,
// outputs, model requirements and token budgets, followed by the free-form
// prompt body. Loading is one-shot at startup; descriptors are immutable
// afterwards.
package prompt

import (
	"fmt"
	"strings"
)

// Descriptor is a fully-parsed, immutable prompt definition.
type Descriptor struct {
	ID       string `yaml:"id"`
	Version  string `yaml:"version"`
	Category string `yaml:"category"`

	// Agents lists the role names allowed to execute this prompt.
	Agents []string `yaml:"agents"`

	Dependencies Dependencies `yaml:"dependencies"`

	Inputs  []InputParam  `yaml:"inputs"`
	Outputs []OutputField `yaml:"outputs"`

	ModelRequirements ModelRequirements `yaml:"model_requirements"`
	Tokens            TokenBudget       `yaml:"tokens"`

	// Body is the prompt text following the front-matter header.
	Body string `yaml:"-"`

	// File is the path the descriptor was loaded from.
	File string `yaml:"-"`
}

// Dependencies lists prompts this prompt builds on.
type Dependencies struct {
	Required []string `yaml:"required"`
	Optional []string `yaml:"optional"`
}

// InputParam declares one named input with optional validation bounds.
type InputParam struct {
	Name     string   `yaml:"name"`
	Type     string   `yaml:"type"` // string | int | float | bool | list | object
	Required bool     `yaml:"required"`
	Enum     []string `yaml:"enum,omitempty"`
	Min      *float64 `yaml:"min,omitempty"`
	Max      *float64 `yaml:"max,omitempty"`
}

// OutputField declares one field the prompt is contracted to produce.
type OutputField struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Required bool   `yaml:"required"`
}

// ModelRequirements constrains model selection for this prompt.
type ModelRequirements struct {
	MinContext  int      `yaml:"min_context"`
	Recommended []string `yaml:"recommended"`
}

// TokenBudget holds the prompt author's usage estimates.
type TokenBudget struct {
	Min int `yaml:"min"`
	Avg int `yaml:"avg"`
	Max int `yaml:"max"`
}

// ValidateInputs checks a concrete input map against the declared schema.
// Unknown inputs are rejected; missing required inputs, enum violations and
// bound violations each produce a descriptive error.
func (d *Descriptor) ValidateInputs(inputs map[string]any) error {
	declared := make(map[string]InputParam, len(d.Inputs))
	for _, p := range d.Inputs {
		declared[p.Name] = p
	}

	for name := range inputs {
		if _, ok := declared[name]; !ok {
			return fmt.Errorf("prompt %s: unknown input %q", d.ID, name)
		}
	}

	for _, p := range d.Inputs {
		value, present := inputs[p.Name]
		if !present {
			if p.Required {
				return fmt.Errorf("prompt %s: missing required input %q", d.ID, p.Name)
			}
			continue
		}
		if err := validateValue(p, value); err != nil {
			return fmt.Errorf("prompt %s: input %q: %w", d.ID, p.Name, err)
		}
	}

	return nil
}

func validateValue(p InputParam, value any) error {
	switch p.Type {
	case "", "string":
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
		if len(p.Enum) > 0 && !containsString(p.Enum, s) {
			return fmt.Errorf("value %q not in enum [%s]", s, strings.Join(p.Enum, ", "))
		}
	case "int", "float":
		n, ok := asFloat(value)
		if !ok {
			return fmt.Errorf("expected number, got %T", value)
		}
		if p.Min != nil && n < *p.Min {
			return fmt.Errorf("value %v below minimum %v", n, *p.Min)
		}
		if p.Max != nil && n > *p.Max {
			return fmt.Errorf("value %v above maximum %v", n, *p.Max)
		}
	case "bool":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected bool, got %T", value)
		}
	case "list":
		switch value.(type) {
		case []any, []string:
		default:
			return fmt.Errorf("expected list, got %T", value)
		}
	case "object":
		if _, ok := value.(map[string]any); !ok {
			return fmt.Errorf("expected object, got %T", value)
		}
	default:
		return fmt.Errorf("unsupported declared type %q", p.Type)
	}
	return nil
}

func asFloat(value any) (float64, bool) {
	switch n := value.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
