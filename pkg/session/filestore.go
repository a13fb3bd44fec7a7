package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devflow-ai/devflow/pkg/events"
)

const (
	logSuffix  = ".log"
	metaSuffix = ".meta.json"
)

// metaDoc is the sidecar summary persisted next to each session log.
// It is a rollup of the log, rewritten on lifecycle events. Get always
// rebuilds the summary from the log, so a crash between log append and meta
// write loses nothing; Search and ListRecent read the sidecar as written.
type metaDoc struct {
	ID         string                  `json:"id"`
	Command    string                  `json:"command"`
	Args       map[string]string       `json:"args,omitempty"`
	CreatedAt  time.Time               `json:"created_at"`
	UpdatedAt  time.Time               `json:"updated_at"`
	State      State                   `json:"state"`
	Tokens     TokenUsage              `json:"tokens"`
	Stages     map[string]*StageRecord `json:"stages,omitempty"`
	EventCount int                     `json:"event_count"`
}

// FileStore is the reference Store implementation: one append-only JSONL
// log per session plus a sidecar summary, both under a single directory.
type FileStore struct {
	dir string

	mu   sync.Mutex
	open map[string]*fileSession
}

// fileSession is the in-memory writer state for one session.
type fileSession struct {
	mu         sync.Mutex
	file       *os.File
	summary    *Session
	eventCount int
}

// NewFileStore creates (and if needed, makes) the session directory.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir, open: make(map[string]*fileSession)}, nil
}

// Create allocates a new live session and its log file.
func (s *FileStore) Create(_ context.Context, command string, args map[string]string) (*Session, error) {
	id := uuid.New().String()
	now := time.Now()

	sess := &Session{
		ID:        id,
		Command:   command,
		Args:      args,
		CreatedAt: now,
		UpdatedAt: now,
		State:     StateLive,
	}

	file, err := os.OpenFile(s.logPath(id), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create session log: %w", err)
	}

	fs := &fileSession{file: file, summary: sess}
	s.mu.Lock()
	s.open[id] = fs
	s.mu.Unlock()

	if err := s.writeMeta(fs); err != nil {
		return nil, err
	}
	return s.snapshot(sess), nil
}

// Append durably appends one event and folds it into the summary.
func (s *FileStore) Append(ctx context.Context, sessionID string, ev events.Event) error {
	fs, err := s.session(ctx, sessionID)
	if err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.summary.State.Terminal() {
		return fmt.Errorf("%w: %s", ErrSessionTerminal, sessionID)
	}

	line, err := events.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fs.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append session %s: %w", sessionID, err)
	}
	if err := fs.file.Sync(); err != nil {
		return fmt.Errorf("sync session %s: %w", sessionID, err)
	}
	fs.eventCount++
	fs.summary.ApplyEvent(ev)

	// The sidecar is a best-effort rollup: refresh it on lifecycle-relevant
	// events only, and tolerate failures (Get rebuilds from the log).
	switch ev.(type) {
	case *events.PipelineStart, *events.PipelineComplete, *events.PipelineError,
		*events.StageComplete, *events.StageError:
		if err := s.writeMeta(fs); err != nil {
			slog.Warn("Session meta rollup failed (log is authoritative)",
				"session_id", sessionID, "error", err)
		}
	}
	return nil
}

// Get returns the session with its full event log, rebuilt from disk.
func (s *FileStore) Get(_ context.Context, sessionID string) (*Session, error) {
	return s.load(sessionID)
}

// Search matches query against session id, command name and argument values.
func (s *FileStore) Search(_ context.Context, query string) ([]Summary, error) {
	metas, err := s.readAllMetas()
	if err != nil {
		return nil, err
	}

	q := strings.ToLower(query)
	var out []Summary
	for _, m := range metas {
		if matchesQuery(m, q) {
			out = append(out, metaSummary(m))
		}
	}
	sortByCreatedDesc(out)
	return out, nil
}

// ListRecent returns up to limit summaries, most recently created first.
func (s *FileStore) ListRecent(_ context.Context, limit int) ([]Summary, error) {
	metas, err := s.readAllMetas()
	if err != nil {
		return nil, err
	}

	out := make([]Summary, 0, len(metas))
	for _, m := range metas {
		out = append(out, metaSummary(m))
	}
	sortByCreatedDesc(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close closes all open log handles.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for id, fs := range s.open {
		fs.mu.Lock()
		if err := fs.file.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close session %s: %w", id, err)
		}
		fs.mu.Unlock()
	}
	s.open = make(map[string]*fileSession)
	return firstErr
}

// ────────────────────────────────────────────────────────────
// Internal helpers
// ────────────────────────────────────────────────────────────

func (s *FileStore) logPath(id string) string {
	return filepath.Join(s.dir, id+logSuffix)
}

func (s *FileStore) metaPath(id string) string {
	return filepath.Join(s.dir, id+metaSuffix)
}

// session returns the open writer state, reopening a persisted session
// (e.g. on resume after restart) when necessary.
func (s *FileStore) session(_ context.Context, id string) (*fileSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fs, ok := s.open[id]; ok {
		return fs, nil
	}

	sess, err := s.load(id)
	if err != nil {
		return nil, err
	}
	file, err := os.OpenFile(s.logPath(id), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("reopen session log %s: %w", id, err)
	}
	fs := &fileSession{file: file, summary: sess, eventCount: len(sess.Events)}
	// Drop the event slice from the writer-side summary; appends only need
	// the rollup.
	fs.summary.Events = nil
	s.open[id] = fs
	return fs, nil
}

// load rebuilds a session (summary + events) from its log file, preferring
// the meta sidecar only for creation metadata the log may not carry.
func (s *FileStore) load(id string) (*Session, error) {
	meta, metaErr := s.readMeta(id)

	file, err := os.Open(s.logPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("open session log %s: %w", id, err)
	}
	defer func() { _ = file.Close() }()

	sess := &Session{ID: id, State: StateLive}
	if metaErr == nil {
		sess.Command = meta.Command
		sess.Args = meta.Args
		sess.CreatedAt = meta.CreatedAt
		sess.UpdatedAt = meta.UpdatedAt
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ev, err := events.Unmarshal(line)
		if err != nil {
			// Unreadable lines (such as a torn tail after a crash) are
			// skipped with a warning, wherever they sit in the log.
			slog.Warn("Skipping unreadable session log line",
				"session_id", id, "error", err)
			continue
		}
		sess.Events = append(sess.Events, ev)
		sess.ApplyEvent(ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read session log %s: %w", id, err)
	}

	if sess.CreatedAt.IsZero() && len(sess.Events) > 0 {
		sess.CreatedAt = sess.Events[0].EventMeta().Timestamp
	}
	return sess, nil
}

// writeMeta persists the sidecar via write-temp-and-rename.
// Caller holds fs.mu (or has exclusive access during Create).
func (s *FileStore) writeMeta(fs *fileSession) error {
	sess := fs.summary
	doc := metaDoc{
		ID:         sess.ID,
		Command:    sess.Command,
		Args:       sess.Args,
		CreatedAt:  sess.CreatedAt,
		UpdatedAt:  sess.UpdatedAt,
		State:      sess.State,
		Tokens:     sess.Tokens,
		Stages:     sess.Stages,
		EventCount: fs.eventCount,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session meta: %w", err)
	}

	path := s.metaPath(sess.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write session meta: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename session meta: %w", err)
	}
	return nil
}

func (s *FileStore) readMeta(id string) (*metaDoc, error) {
	data, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		return nil, err
	}
	var doc metaDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse session meta %s: %w", id, err)
	}
	return &doc, nil
}

func (s *FileStore) readAllMetas() ([]*metaDoc, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read session dir: %w", err)
	}

	var metas []*metaDoc
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), metaSuffix) {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), metaSuffix)
		doc, err := s.readMeta(id)
		if err != nil {
			slog.Warn("Skipping unreadable session meta", "file", entry.Name(), "error", err)
			continue
		}
		metas = append(metas, doc)
	}
	return metas, nil
}

func (s *FileStore) snapshot(sess *Session) *Session {
	cp := *sess
	return &cp
}

func matchesQuery(m *metaDoc, q string) bool {
	if q == "" {
		return true
	}
	if strings.Contains(strings.ToLower(m.ID), q) ||
		strings.Contains(strings.ToLower(m.Command), q) {
		return true
	}
	for _, v := range m.Args {
		if strings.Contains(strings.ToLower(v), q) {
			return true
		}
	}
	return false
}

func metaSummary(m *metaDoc) Summary {
	return Summary{
		ID:         m.ID,
		Command:    m.Command,
		State:      m.State,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
		EventCount: m.EventCount,
		Tokens:     m.Tokens,
	}
}

func sortByCreatedDesc(out []Summary) {
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
}
