package prompt

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Resolved pairs a descriptor with the optional dependencies that were
// actually present at load time.
type Resolved struct {
	*Descriptor

	// AvailableOptional lists the optional dependency ids that resolved.
	AvailableOptional []string
}

// Registry indexes prompt descriptors by id.
//
// Load scans the prompts directory once at startup; there is no hot reload.
type Registry struct {
	byID   map[string]*Descriptor
	loaded bool
}

// NewRegistry creates an empty, unloaded registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Descriptor)}
}

// Load scans dir recursively, parsing every regular file as a prompt
// descriptor. Duplicate ids and unparseable files fail the load.
func (r *Registry) Load(dir string) error {
	log := slog.With("prompts_dir", dir)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		desc, err := parseFile(path, data)
		if err != nil {
			return err
		}

		if existing, ok := r.byID[desc.ID]; ok {
			return fmt.Errorf("%w: duplicate id %q (%s and %s)",
				ErrPromptMalformed, desc.ID, existing.File, desc.File)
		}
		r.byID[desc.ID] = desc
		return nil
	})
	if err != nil {
		return err
	}

	r.loaded = true
	log.Info("Prompt registry loaded", "prompts", len(r.byID))
	return nil
}

// Resolve returns the descriptor for id along with which of its optional
// dependencies are available. Required dependencies must resolve or the
// registry would have failed ValidateGraph; optional ones are permitted to
// be absent.
func (r *Registry) Resolve(id string) (*Resolved, error) {
	if !r.loaded {
		return nil, ErrNotLoaded
	}
	desc, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPromptNotFound, id)
	}

	var available []string
	for _, opt := range desc.Dependencies.Optional {
		if _, ok := r.byID[opt]; ok {
			available = append(available, opt)
		}
	}

	return &Resolved{Descriptor: desc, AvailableOptional: available}, nil
}

// Has reports whether an id is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.byID[id]
	return ok
}

// ListByCategory returns all descriptors in a category, sorted by id.
func (r *Registry) ListByCategory(category string) []*Descriptor {
	var out []*Descriptor
	for _, d := range r.byID {
		if d.Category == category {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns all registered prompt ids, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ValidateGraph rejects unresolved required dependencies and cycles in the
// required-dependency graph. Optional dependencies may be absent.
func (r *Registry) ValidateGraph() error {
	if !r.loaded {
		return ErrNotLoaded
	}

	for id, d := range r.byID {
		for _, dep := range d.Dependencies.Required {
			if _, ok := r.byID[dep]; !ok {
				return fmt.Errorf("%w: %s (required by %s)", ErrPromptNotFound, dep, id)
			}
		}
	}

	// Cycle detection: recursive DFS with three-colour marking.
	const (
		white = 0
		grey  = 1
		black = 2
	)
	colour := make(map[string]int, len(r.byID))

	var visit func(id string, trail []string) error
	visit = func(id string, trail []string) error {
		switch colour[id] {
		case black:
			return nil
		case grey:
			return fmt.Errorf("%w: %s", ErrPromptCycle, strings.Join(append(trail, id), " → "))
		}
		colour[id] = grey
		for _, dep := range r.byID[id].Dependencies.Required {
			if err := visit(dep, append(trail, id)); err != nil {
				return err
			}
		}
		colour[id] = black
		return nil
	}

	for _, id := range r.IDs() {
		if err := visit(id, nil); err != nil {
			return err
		}
	}
	return nil
}
