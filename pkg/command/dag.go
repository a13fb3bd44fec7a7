package command

import (
	"errors"
	"fmt"
)

// ErrCyclicDependency indicates a command's stage graph contains a cycle.
var ErrCyclicDependency = errors.New("cyclic stage dependency")

// ErrUnknownStage indicates a depends_on reference to a stage outside the command.
var ErrUnknownStage = errors.New("unknown stage reference")

// Validate checks structural invariants: unique stage names, resolvable
// dependencies, acyclic graph, escalation declarations consistent.
func (c *Command) Validate() error {
	if len(c.Stages) == 0 {
		return fmt.Errorf("command %q has no stages", c.Name)
	}

	names := make(map[string]bool, len(c.Stages))
	for _, st := range c.Stages {
		if st.Name == "" {
			return fmt.Errorf("command %q: stage with empty name", c.Name)
		}
		if names[st.Name] {
			return fmt.Errorf("command %q: duplicate stage %q", c.Name, st.Name)
		}
		names[st.Name] = true
	}

	for _, st := range c.Stages {
		for _, dep := range st.DependsOn {
			if !names[dep] {
				return fmt.Errorf("%w: command %q stage %q depends on %q",
					ErrUnknownStage, c.Name, st.Name, dep)
			}
			if dep == st.Name {
				return fmt.Errorf("%w: command %q stage %q depends on itself",
					ErrCyclicDependency, c.Name, st.Name)
			}
		}
		if st.Escalation != nil {
			switch st.Escalation.Action {
			case EscalateToAgent, Abort:
			case FallbackPrompt:
				if st.Escalation.FallbackPromptID == "" {
					return fmt.Errorf("command %q stage %q: fallback-prompt escalation without fallback_prompt",
						c.Name, st.Name)
				}
			default:
				return fmt.Errorf("command %q stage %q: unknown escalation action %q",
					c.Name, st.Name, st.Escalation.Action)
			}
		}
	}

	for _, name := range c.RequiredStages {
		if !names[name] {
			return fmt.Errorf("%w: command %q required stage %q", ErrUnknownStage, c.Name, name)
		}
	}

	if _, err := c.Layers(); err != nil {
		return err
	}
	return nil
}

// Layers computes the topological depth layers of the stage DAG.
// Layer N contains stages whose longest dependency chain has length N.
// Stage order within a layer preserves declaration order.
func (c *Command) Layers() ([][]*Stage, error) {
	depth := make(map[string]int, len(c.Stages))
	visiting := make(map[string]bool, len(c.Stages))

	var resolve func(name string) (int, error)
	resolve = func(name string) (int, error) {
		if d, ok := depth[name]; ok {
			return d, nil
		}
		if visiting[name] {
			return 0, fmt.Errorf("%w: command %q at stage %q", ErrCyclicDependency, c.Name, name)
		}
		visiting[name] = true
		defer delete(visiting, name)

		st := c.Stage(name)
		d := 0
		for _, dep := range st.DependsOn {
			dd, err := resolve(dep)
			if err != nil {
				return 0, err
			}
			if dd+1 > d {
				d = dd + 1
			}
		}
		depth[name] = d
		return d, nil
	}

	maxDepth := 0
	for i := range c.Stages {
		d, err := resolve(c.Stages[i].Name)
		if err != nil {
			return nil, err
		}
		if d > maxDepth {
			maxDepth = d
		}
	}

	layers := make([][]*Stage, maxDepth+1)
	for i := range c.Stages {
		st := &c.Stages[i]
		d := depth[st.Name]
		layers[d] = append(layers[d], st)
	}
	return layers, nil
}

// Cohorts groups one layer into execution cohorts: stages sharing a
// parallel_group tag form one concurrent cohort; untagged stages execute as
// singleton cohorts. Cohort order preserves first-appearance order within
// the layer.
func Cohorts(layer []*Stage) [][]*Stage {
	var cohorts [][]*Stage
	byGroup := make(map[string]int) // tag → cohort index

	for _, st := range layer {
		if st.ParallelGroup == "" {
			cohorts = append(cohorts, []*Stage{st})
			continue
		}
		if idx, ok := byGroup[st.ParallelGroup]; ok {
			cohorts[idx] = append(cohorts[idx], st)
			continue
		}
		byGroup[st.ParallelGroup] = len(cohorts)
		cohorts = append(cohorts, []*Stage{st})
	}
	return cohorts
}

// Dependents returns the set of stages that transitively depend on any stage
// in seeds. Used to skip downstream work after a failure.
func (c *Command) Dependents(seeds map[string]bool) map[string]bool {
	out := make(map[string]bool)
	changed := true
	for changed {
		changed = false
		for _, st := range c.Stages {
			if out[st.Name] || seeds[st.Name] {
				continue
			}
			for _, dep := range st.DependsOn {
				if seeds[dep] || out[dep] {
					out[st.Name] = true
					changed = true
					break
				}
			}
		}
	}
	return out
}
