package topicstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p0s/takopi/internal/model"
)

func TestOpen_MissingFileStartsEmpty(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	assert.Nil(t, s.GetThread(Key{ChatID: 1, ThreadID: 2}))
}

func TestSetContext_PersistsAndRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topics.json")
	s, err := Open(path)
	require.NoError(t, err)

	key := Key{ChatID: 1, ThreadID: 2}
	ctx := &model.RunContext{Project: "myproj", Branch: "feat"}
	require.NoError(t, s.SetContext(key, ctx, "myproj @feat", true))

	reopened, err := Open(path)
	require.NoError(t, err)
	snap := reopened.GetThread(key)
	require.NotNil(t, snap)
	assert.Equal(t, "myproj", snap.Context.Project)
	assert.Equal(t, "feat", snap.Context.Branch)
	assert.Equal(t, "myproj @feat", snap.TopicTitle)
	assert.True(t, snap.CreatedByBot)
}

func TestSetSessionResume_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topics.json")
	s, err := Open(path)
	require.NoError(t, err)

	key := Key{ChatID: 1, ThreadID: 0}
	require.NoError(t, s.SetSessionResume(key, model.ResumeToken{Value: "r1", Engine: "codex"}))

	tok, ok := s.GetSessionResume(key, "codex")
	require.True(t, ok)
	assert.Equal(t, "r1", tok.Value)

	_, ok = s.GetSessionResume(key, "claude")
	assert.False(t, ok)

	reopened, err := Open(path)
	require.NoError(t, err)
	tok2, ok := reopened.GetSessionResume(key, "codex")
	require.True(t, ok)
	assert.Equal(t, "r1", tok2.Value)
}

func TestClearSessions_LeavesContextIntact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topics.json")
	s, err := Open(path)
	require.NoError(t, err)

	key := Key{ChatID: 1, ThreadID: 0}
	ctx := &model.RunContext{Project: "myproj"}
	require.NoError(t, s.SetContext(key, ctx, "", false))
	require.NoError(t, s.SetSessionResume(key, model.ResumeToken{Value: "r1", Engine: "codex"}))

	require.NoError(t, s.ClearSessions(key))

	snap := s.GetThread(key)
	require.NotNil(t, snap)
	assert.Equal(t, "myproj", snap.Context.Project)
	assert.Empty(t, snap.Sessions)
}

func TestClearContext_LeavesSessionsIntact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topics.json")
	s, err := Open(path)
	require.NoError(t, err)

	key := Key{ChatID: 1, ThreadID: 0}
	require.NoError(t, s.SetContext(key, &model.RunContext{Project: "myproj"}, "", false))
	require.NoError(t, s.SetSessionResume(key, model.ResumeToken{Value: "r1", Engine: "codex"}))

	require.NoError(t, s.ClearContext(key))

	snap := s.GetThread(key)
	require.NotNil(t, snap)
	assert.Nil(t, snap.Context)
	tok, ok := snap.Sessions["codex"]
	require.True(t, ok)
	assert.Equal(t, "r1", tok.Value)
}

func TestFindThreadForContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topics.json")
	s, err := Open(path)
	require.NoError(t, err)

	key := Key{ChatID: 1, ThreadID: 5}
	ctx := &model.RunContext{Project: "myproj", Branch: "feat"}
	require.NoError(t, s.SetContext(key, ctx, "", false))

	found, ok := s.FindThreadForContext(1, ctx)
	require.True(t, ok)
	assert.Equal(t, key, found)

	_, ok = s.FindThreadForContext(1, &model.RunContext{Project: "other"})
	assert.False(t, ok)

	_, ok = s.FindThreadForContext(2, ctx)
	assert.False(t, ok, "different chat never matches")
}

func TestGetThread_ReturnsDeepCopy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topics.json")
	s, err := Open(path)
	require.NoError(t, err)

	key := Key{ChatID: 1, ThreadID: 0}
	require.NoError(t, s.SetContext(key, &model.RunContext{Project: "myproj"}, "", false))

	snap := s.GetThread(key)
	snap.Context.Project = "mutated"

	snap2 := s.GetThread(key)
	assert.Equal(t, "myproj", snap2.Context.Project, "mutating a returned snapshot must not affect the store")
}
