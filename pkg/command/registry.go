package command

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/devflow-ai/devflow/pkg/prompt"
)

// ErrCommandNotFound indicates an unknown command name.
var ErrCommandNotFound = errors.New("command not found")

// commandsDocument is the on-disk shape of commands.yaml.
type commandsDocument struct {
	Commands map[string]*Command `yaml:"commands"`
}

// Registry provides lookup of validated command descriptors.
type Registry struct {
	commands map[string]*Command
}

// LoadRegistry reads commands.yaml, validates every command's structure and
// checks each stage's prompt id against the prompt registry.
func LoadRegistry(path string, prompts *prompt.Registry) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read commands %s: %w", path, err)
	}

	var doc commandsDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse commands %s: %w", path, err)
	}

	reg := &Registry{commands: make(map[string]*Command, len(doc.Commands))}
	for name, cmd := range doc.Commands {
		cmd.Name = name
		if err := cmd.Validate(); err != nil {
			return nil, err
		}
		for _, st := range cmd.Stages {
			if !prompts.Has(st.PromptID) {
				return nil, fmt.Errorf("%w: %s (stage %q of command %q)",
					prompt.ErrPromptNotFound, st.PromptID, st.Name, name)
			}
			if st.Escalation != nil && st.Escalation.Action == FallbackPrompt {
				if !prompts.Has(st.Escalation.FallbackPromptID) {
					return nil, fmt.Errorf("%w: fallback %s (stage %q of command %q)",
						prompt.ErrPromptNotFound, st.Escalation.FallbackPromptID, st.Name, name)
				}
			}
		}
		reg.commands[name] = cmd
	}

	slog.Info("Command registry loaded", "commands", len(reg.commands))
	return reg, nil
}

// NewRegistry builds a registry from already-validated commands. Used by tests.
func NewRegistry(commands map[string]*Command) *Registry {
	if commands == nil {
		commands = make(map[string]*Command)
	}
	for name, cmd := range commands {
		cmd.Name = name
	}
	return &Registry{commands: commands}
}

// Get returns the command descriptor for a name.
func (r *Registry) Get(name string) (*Command, error) {
	cmd, ok := r.commands[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCommandNotFound, name)
	}
	return cmd, nil
}

// Names returns all command names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered commands.
func (r *Registry) Len() int {
	return len(r.commands)
}
