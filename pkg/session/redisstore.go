package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/devflow-ai/devflow/pkg/events"
)

const (
	redisKeyPrefix = "devflow:session:"
	redisIndexKey  = "devflow:sessions"
)

// RedisStore is an alternative Store backend keeping each session's event
// log in a Redis list with the rolled-up summary in a sibling string key.
// Suitable when several engine processes share one session history.
type RedisStore struct {
	client *redis.Client

	// mu serialises Append's read-modify-write of the summary key.
	mu sync.Mutex
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, addr string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis %s: %w", addr, err)
	}
	return &RedisStore{client: client}, nil
}

func eventsKey(id string) string { return redisKeyPrefix + id + ":events" }
func metaKey(id string) string   { return redisKeyPrefix + id + ":meta" }

// Create allocates a new live session.
func (s *RedisStore) Create(ctx context.Context, command string, args map[string]string) (*Session, error) {
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

	if err := s.writeMeta(ctx, sess, 0); err != nil {
		return nil, err
	}
	if err := s.client.ZAdd(ctx, redisIndexKey, &redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: id,
	}).Err(); err != nil {
		return nil, fmt.Errorf("index session %s: %w", id, err)
	}

	cp := *sess
	return &cp, nil
}

// Append durably appends one event and refreshes the summary.
func (s *RedisStore) Append(ctx context.Context, sessionID string, ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.readMeta(ctx, sessionID)
	if err != nil {
		return err
	}
	if meta.State.Terminal() {
		return fmt.Errorf("%w: %s", ErrSessionTerminal, sessionID)
	}

	line, err := events.Marshal(ev)
	if err != nil {
		return err
	}
	if err := s.client.RPush(ctx, eventsKey(sessionID), line).Err(); err != nil {
		return fmt.Errorf("append session %s: %w", sessionID, err)
	}

	sess := metaToSession(meta)
	sess.ApplyEvent(ev)
	return s.writeMeta(ctx, sess, meta.EventCount+1)
}

// Get rebuilds the session (summary + events) from the log.
func (s *RedisStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	meta, err := s.readMeta(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	lines, err := s.client.LRange(ctx, eventsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read session %s events: %w", sessionID, err)
	}

	sess := &Session{
		ID:        sessionID,
		Command:   meta.Command,
		Args:      meta.Args,
		CreatedAt: meta.CreatedAt,
		UpdatedAt: meta.UpdatedAt,
		State:     StateLive,
	}
	for _, line := range lines {
		ev, err := events.Unmarshal([]byte(line))
		if err != nil {
			return nil, fmt.Errorf("decode session %s event: %w", sessionID, err)
		}
		sess.Events = append(sess.Events, ev)
		sess.ApplyEvent(ev)
	}
	return sess, nil
}

// Search matches query against id, command and argument values.
func (s *RedisStore) Search(ctx context.Context, query string) ([]Summary, error) {
	ids, err := s.client.ZRevRange(ctx, redisIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	q := strings.ToLower(query)
	var out []Summary
	for _, id := range ids {
		meta, err := s.readMeta(ctx, id)
		if err != nil {
			continue // index may reference an expired session
		}
		if matchesQuery(meta, q) {
			out = append(out, metaSummary(meta))
		}
	}
	return out, nil
}

// ListRecent returns up to limit summaries, most recently created first.
func (s *RedisStore) ListRecent(ctx context.Context, limit int) ([]Summary, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.client.ZRevRange(ctx, redisIndexKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		meta, err := s.readMeta(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, metaSummary(meta))
	}
	return out, nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) readMeta(ctx context.Context, id string) (*metaDoc, error) {
	data, err := s.client.Get(ctx, metaKey(id)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s meta: %w", id, err)
	}
	var doc metaDoc
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil, fmt.Errorf("parse session %s meta: %w", id, err)
	}
	return &doc, nil
}

func (s *RedisStore) writeMeta(ctx context.Context, sess *Session, eventCount int) error {
	doc := metaDoc{
		ID:         sess.ID,
		Command:    sess.Command,
		Args:       sess.Args,
		CreatedAt:  sess.CreatedAt,
		UpdatedAt:  sess.UpdatedAt,
		State:      sess.State,
		Tokens:     sess.Tokens,
		Stages:     sess.Stages,
		EventCount: eventCount,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal session meta: %w", err)
	}
	if err := s.client.Set(ctx, metaKey(sess.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("write session %s meta: %w", sess.ID, err)
	}
	return nil
}

func metaToSession(meta *metaDoc) *Session {
	return &Session{
		ID:        meta.ID,
		Command:   meta.Command,
		Args:      meta.Args,
		CreatedAt: meta.CreatedAt,
		UpdatedAt: meta.UpdatedAt,
		State:     meta.State,
		Tokens:    meta.Tokens,
		Stages:    meta.Stages,
	}
}
