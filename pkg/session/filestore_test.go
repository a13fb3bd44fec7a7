package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devflow-ai/devflow/pkg/events"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func evMeta(sessionID, stage string) events.Meta {
	return events.Meta{Timestamp: time.Now(), SessionID: sessionID, Stage: stage}
}

func TestFileStore_CreateAppendGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess, err := store.Create(ctx, "plan", map[string]string{"topic": "auth"})
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)
	assert.Equal(t, StateLive, sess.State)

	require.NoError(t, store.Append(ctx, sess.ID, &events.PipelineStart{
		Meta: evMeta(sess.ID, ""), Command: "plan", Args: map[string]string{"topic": "auth"},
	}))
	require.NoError(t, store.Append(ctx, sess.ID, &events.StageStart{
		Meta: evMeta(sess.ID, "outline"), PromptID: "plan.outline", Agent: "planner", Attempt: 1,
	}))
	require.NoError(t, store.Append(ctx, sess.ID, &events.LLMResponse{
		Meta: evMeta(sess.ID, "outline"), Model: "m1", PromptTokens: 100, OutputTokens: 50, Text: "response",
	}))
	require.NoError(t, store.Append(ctx, sess.ID, &events.StageComplete{
		Meta: evMeta(sess.ID, "outline"), Outputs: map[string]any{"outline": "1. do it"}, Attempts: 1,
	}))

	loaded, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "plan", loaded.Command)
	assert.Len(t, loaded.Events, 4)
	assert.Equal(t, StateLive, loaded.State)
	assert.Equal(t, 100, loaded.Tokens.PromptTokens)
	assert.Equal(t, 50, loaded.Tokens.OutputTokens)

	rec := loaded.Stages["outline"]
	require.NotNil(t, rec)
	assert.Equal(t, StageCompleted, rec.State)
	assert.Equal(t, "1. do it", rec.Outputs["outline"])
	assert.Equal(t, "response", rec.ResponseText)
}

func TestFileStore_TerminalSessionRefusesAppend(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess, err := store.Create(ctx, "plan", nil)
	require.NoError(t, err)

	require.NoError(t, store.Append(ctx, sess.ID, &events.PipelineComplete{
		Meta: evMeta(sess.ID, ""), Outcome: events.OutcomeSuccess,
	}))

	err = store.Append(ctx, sess.ID, &events.StageStart{Meta: evMeta(sess.ID, "late")})
	assert.ErrorIs(t, err, ErrSessionTerminal)
}

func TestFileStore_GetUnknownSession(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestFileStore_EventOrderPreserved(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess, err := store.Create(ctx, "plan", nil)
	require.NoError(t, err)

	stages := []string{"a", "b", "c", "d", "e"}
	for _, name := range stages {
		require.NoError(t, store.Append(ctx, sess.ID, &events.StageStart{Meta: evMeta(sess.ID, name)}))
	}

	loaded, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Events, len(stages))
	for i, name := range stages {
		assert.Equal(t, name, loaded.Events[i].EventMeta().Stage)
	}
}

func TestFileStore_AppendAfterReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewFileStore(dir)
	require.NoError(t, err)

	sess, err := store.Create(ctx, "plan", nil)
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, sess.ID, &events.PipelineStart{
		Meta: evMeta(sess.ID, ""), Command: "plan",
	}))
	require.NoError(t, store.Close())

	// A fresh store (process restart) appends to the same log.
	store2, err := NewFileStore(dir)
	require.NoError(t, err)
	defer func() { _ = store2.Close() }()

	require.NoError(t, store2.Append(ctx, sess.ID, &events.StageStart{Meta: evMeta(sess.ID, "outline")}))

	loaded, err := store2.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, loaded.Events, 2)
	assert.Equal(t, "plan", loaded.Command)
}

func TestFileStore_SearchMatchesCommandArgsAndID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	planSess, err := store.Create(ctx, "plan", map[string]string{"topic": "authentication"})
	require.NoError(t, err)
	_, err = store.Create(ctx, "review", map[string]string{"target": "storage"})
	require.NoError(t, err)

	byCommand, err := store.Search(ctx, "plan")
	require.NoError(t, err)
	require.Len(t, byCommand, 1)
	assert.Equal(t, planSess.ID, byCommand[0].ID)

	byArg, err := store.Search(ctx, "authentication")
	require.NoError(t, err)
	require.Len(t, byArg, 1)

	byID, err := store.Search(ctx, planSess.ID[:8])
	require.NoError(t, err)
	require.Len(t, byID, 1)

	none, err := store.Search(ctx, "nonexistent-query")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestFileStore_ListRecentOrdersAndLimits(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		sess, err := store.Create(ctx, "plan", nil)
		require.NoError(t, err)
		ids = append(ids, sess.ID)
		time.Sleep(5 * time.Millisecond) // distinct creation timestamps
	}

	recent, err := store.ListRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, ids[2], recent[0].ID, "most recent first")
	assert.Equal(t, ids[1], recent[1].ID)
}

func TestSession_ApplyEventStateTransitions(t *testing.T) {
	sess := &Session{ID: "s1", State: StateLive}

	sess.ApplyEvent(&events.PipelineStart{Meta: evMeta("s1", ""), Command: "plan"})
	assert.Equal(t, StateLive, sess.State)

	sess.ApplyEvent(&events.StageError{Meta: evMeta("s1", "a"), ErrKind: "provider_permanent", Attempts: 3})
	assert.Equal(t, StageFailed, sess.Stages["a"].State)

	sess.ApplyEvent(&events.StageError{Meta: evMeta("s1", "b"), Skipped: true})
	assert.Equal(t, StageSkipped, sess.Stages["b"].State)

	sess.ApplyEvent(&events.PipelineError{Meta: evMeta("s1", ""), Reason: events.ReasonCancelled})
	assert.Equal(t, StateAborted, sess.State)
	assert.True(t, sess.State.Terminal())
}

func TestSession_ApplyEventOutcomeMapping(t *testing.T) {
	cases := []struct {
		outcome string
		state   State
	}{
		{events.OutcomeSuccess, StateCompleted},
		{events.OutcomePartial, StateCompleted},
		{events.OutcomeFailure, StateFailed},
	}
	for _, tc := range cases {
		sess := &Session{ID: "s1", State: StateLive}
		sess.ApplyEvent(&events.PipelineComplete{Meta: evMeta("s1", ""), Outcome: tc.outcome})
		assert.Equal(t, tc.state, sess.State, "outcome %s", tc.outcome)
	}
}
