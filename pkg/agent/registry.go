// Package agent maps role names to capability records and answers
// "best agent for this domain and criteria" queries.
//
// The registry is loaded once from a single JSON document; queries before
// load fail with ErrNotInitialised.
package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
)

// ErrNotInitialised indicates the registry was queried before Load.
var ErrNotInitialised = errors.New("agent registry not initialised")

// Capability describes one role's competence record.
type Capability struct {
	Role              string   `json:"role"`
	Domains           []string `json:"domains"`
	SelectionCriteria []string `json:"selection_criteria"`
	Priority          int      `json:"priority"`
}

// HasDomain reports whether the capability covers a domain.
func (c *Capability) HasDomain(domain string) bool {
	for _, d := range c.Domains {
		if d == domain {
			return true
		}
	}
	return false
}

// matchCount returns how many of the given criteria this capability claims.
func (c *Capability) matchCount(criteria []string) int {
	claimed := make(map[string]bool, len(c.SelectionCriteria))
	for _, s := range c.SelectionCriteria {
		claimed[s] = true
	}
	n := 0
	for _, want := range criteria {
		if claimed[want] {
			n++
		}
	}
	return n
}

// registryDocument is the on-disk shape of the agent registry.
type registryDocument struct {
	Agents            map[string]Capability `json:"agents"`
	SelectionCriteria map[string]string     `json:"selectionCriteria"`
	TaskDomains       map[string]string     `json:"taskDomains"`
}

// Registry answers best-agent queries over loaded capabilities.
type Registry struct {
	capabilities map[string]*Capability
	criteria     map[string]string // criterion → description
	domains      map[string]string // domain → description
	loaded       bool
}

// NewRegistry creates an empty, unloaded registry.
func NewRegistry() *Registry {
	return &Registry{
		capabilities: make(map[string]*Capability),
		criteria:     make(map[string]string),
		domains:      make(map[string]string),
	}
}

// Load reads the registry document from path.
// Roles referencing unknown criteria or domains produce a warning only, so
// the document can evolve additively.
func (r *Registry) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read agent registry %s: %w", path, err)
	}

	var doc registryDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse agent registry %s: %w", path, err)
	}

	r.criteria = doc.SelectionCriteria
	r.domains = doc.TaskDomains

	for role, cap := range doc.Agents {
		cap := cap
		cap.Role = role
		r.capabilities[role] = &cap

		for _, d := range cap.Domains {
			if _, ok := r.domains[d]; !ok && len(r.domains) > 0 {
				slog.Warn("Agent references unknown task domain",
					"role", role, "domain", d)
			}
		}
		for _, c := range cap.SelectionCriteria {
			if _, ok := r.criteria[c]; !ok && len(r.criteria) > 0 {
				slog.Warn("Agent references unknown selection criterion",
					"role", role, "criterion", c)
			}
		}
	}

	r.loaded = true
	slog.Info("Agent registry loaded", "roles", len(r.capabilities))
	return nil
}

// Get returns the capability record for a role.
func (r *Registry) Get(role string) (*Capability, error) {
	if !r.loaded {
		return nil, ErrNotInitialised
	}
	cap, ok := r.capabilities[role]
	if !ok {
		return nil, fmt.Errorf("agent role %q not registered", role)
	}
	return cap, nil
}

// Has reports whether a role is registered.
func (r *Registry) Has(role string) bool {
	_, ok := r.capabilities[role]
	return ok
}

// Roles returns all registered role names, sorted.
func (r *Registry) Roles() []string {
	roles := make([]string, 0, len(r.capabilities))
	for role := range r.capabilities {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

// FindBestAgent returns the best role for a domain and optional criteria:
// filter to roles covering the domain, rank by criteria match count, break
// ties by descending priority. Returns ("", ErrNotInitialised) before load
// and ("", nil) when no role covers the domain.
func (r *Registry) FindBestAgent(domain string, criteria []string) (string, error) {
	if !r.loaded {
		return "", ErrNotInitialised
	}

	type ranked struct {
		role     string
		matches  int
		priority int
	}
	var candidates []ranked
	for role, cap := range r.capabilities {
		if !cap.HasDomain(domain) {
			continue
		}
		candidates = append(candidates, ranked{
			role:     role,
			matches:  cap.matchCount(criteria),
			priority: cap.Priority,
		})
	}
	if len(candidates) == 0 {
		return "", nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].matches != candidates[j].matches {
			return candidates[i].matches > candidates[j].matches
		}
		if candidates[i].priority != candidates[j].priority {
			return candidates[i].priority > candidates[j].priority
		}
		return candidates[i].role < candidates[j].role // deterministic
	})
	return candidates[0].role, nil
}

// FindEscalationAgent returns the best role for the domain whose priority is
// strictly above the given role's. Used by the scheduler's escalate-to-agent
// action. Returns ("", nil) when no stronger role exists.
func (r *Registry) FindEscalationAgent(domain, currentRole string, criteria []string) (string, error) {
	if !r.loaded {
		return "", ErrNotInitialised
	}

	currentPriority := -1
	if cap, ok := r.capabilities[currentRole]; ok {
		currentPriority = cap.Priority
	}

	best := ""
	bestPriority := currentPriority
	bestMatches := -1
	for role, cap := range r.capabilities {
		if role == currentRole || !cap.HasDomain(domain) || cap.Priority <= currentPriority {
			continue
		}
		matches := cap.matchCount(criteria)
		if cap.Priority > bestPriority || (cap.Priority == bestPriority && matches > bestMatches) {
			best = role
			bestPriority = cap.Priority
			bestMatches = matches
		}
	}
	return best, nil
}
