package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// MemoryKind scopes how long a user's approval decision is remembered.
type MemoryKind string

const (
	MemoryAlwaysAsk  MemoryKind = "always_ask"
	MemorySession    MemoryKind = "session"
	MemoryPersistent MemoryKind = "persistent"
)

// Default TTLs per memory kind.
const (
	SessionTTL    = 8 * time.Hour
	PersistentTTL = 30 * 24 * time.Hour
)

// ApprovalEntry records one decision about one server. Negative decisions
// are cached with the same precedence as positive ones so a denied server
// does not re-prompt on every stage.
type ApprovalEntry struct {
	ServerID     string     `json:"server_id"`
	Approved     bool       `json:"approved"`
	AllowedTools []string   `json:"allowed_tools,omitempty"` // nil means all tools
	GrantedAt    time.Time  `json:"granted_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"` // nil means never expires
	MemoryKind   MemoryKind `json:"memory_kind"`
}

// expired reports whether the entry is past its TTL. A missing expires_at
// means never-expire (tolerated for older approval files).
func (e *ApprovalEntry) expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// AllowsTool reports whether the entry permits the given tool.
func (e *ApprovalEntry) AllowsTool(tool string) bool {
	if e.AllowedTools == nil {
		return true
	}
	for _, t := range e.AllowedTools {
		if t == tool {
			return true
		}
	}
	return false
}

// approvalsFile is the on-disk shape of the persistent tier.
type approvalsFile struct {
	SavedAt time.Time       `json:"saved_at"`
	Entries []ApprovalEntry `json:"entries"`
}

// ApprovalCache is the two-tier store of user decisions: a session tier
// cleared on process start and a persistent tier backed by a JSON file.
// Single-process assumption; the file write is temp-and-rename so a crash
// mid-flush never corrupts it.
type ApprovalCache struct {
	path string

	mu         sync.Mutex
	session    map[string]*ApprovalEntry
	persistent map[string]*ApprovalEntry
	loaded     bool

	// now is swapped by tests to control expiry.
	now func() time.Time
}

// NewApprovalCache creates a cache over the persistent file at path.
// The file is loaded lazily on first use.
func NewApprovalCache(path string) *ApprovalCache {
	return &ApprovalCache{
		path:       path,
		session:    make(map[string]*ApprovalEntry),
		persistent: make(map[string]*ApprovalEntry),
		now:        time.Now,
	}
}

// Lookup returns the valid cached entry for a server, session tier first.
// Returns (nil, false) when no unexpired decision exists.
func (c *ApprovalCache) Lookup(serverID string) (*ApprovalEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureLoadedLocked()

	now := c.now()
	if entry, ok := c.session[serverID]; ok {
		if entry.expired(now) {
			delete(c.session, serverID)
		} else {
			cp := *entry
			return &cp, true
		}
	}
	if entry, ok := c.persistent[serverID]; ok {
		if entry.expired(now) {
			delete(c.persistent, serverID)
		} else {
			cp := *entry
			return &cp, true
		}
	}
	return nil, false
}

// IsApproved reports whether the server has a valid positive decision.
func (c *ApprovalCache) IsApproved(serverID string) bool {
	entry, ok := c.Lookup(serverID)
	return ok && entry.Approved
}

// Cache records a decision under the given memory kind. always_ask is a
// no-op; session decisions live 8 hours in memory; persistent decisions
// live 30 days and are flushed to disk.
func (c *ApprovalCache) Cache(serverID string, approved bool, allowedTools []string, kind MemoryKind) error {
	if kind == MemoryAlwaysAsk {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureLoadedLocked()

	now := c.now()
	entry := &ApprovalEntry{
		ServerID:     serverID,
		Approved:     approved,
		AllowedTools: allowedTools,
		GrantedAt:    now,
		MemoryKind:   kind,
	}

	switch kind {
	case MemorySession:
		expires := now.Add(SessionTTL)
		entry.ExpiresAt = &expires
		c.session[serverID] = entry
		return nil
	case MemoryPersistent:
		expires := now.Add(PersistentTTL)
		entry.ExpiresAt = &expires
		c.persistent[serverID] = entry
		return c.flushLocked()
	default:
		return fmt.Errorf("unknown approval memory kind %q", kind)
	}
}

// Revoke removes any decision for the server from both tiers and flushes.
func (c *ApprovalCache) Revoke(serverID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureLoadedLocked()

	delete(c.session, serverID)
	if _, ok := c.persistent[serverID]; ok {
		delete(c.persistent, serverID)
		return c.flushLocked()
	}
	return nil
}

// ensureLoadedLocked loads the persistent file on first use.
// Caller holds c.mu.
func (c *ApprovalCache) ensureLoadedLocked() {
	if c.loaded {
		return
	}
	c.loaded = true

	data, err := os.ReadFile(c.path)
	if err != nil {
		return // missing file is an empty persistent tier
	}
	var file approvalsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return // unreadable file is treated as empty; next flush rewrites it
	}
	for i := range file.Entries {
		entry := file.Entries[i]
		c.persistent[entry.ServerID] = &entry
	}
}

// flushLocked writes the persistent tier via write-temp-and-rename.
// Caller holds c.mu.
func (c *ApprovalCache) flushLocked() error {
	file := approvalsFile{SavedAt: c.now()}
	for _, entry := range c.persistent {
		file.Entries = append(file.Entries, *entry)
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal approvals: %w", err)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write approvals: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("rename approvals: %w", err)
	}
	return nil
}
