// Package topicstore persists per-(chat, thread) topic bindings and
// per-engine session resume tokens to a single JSON file (spec.md §4.5).
// Grounded on the teacher's internal/sessions.Manager: an in-memory map
// guarded by a mutex, backed by atomic temp-file-then-rename persistence.
package topicstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/p0s/takopi/internal/model"
)

// Key identifies one (chat, thread) pair. ThreadID is 0 for a chat's main
// (non-forum) thread.
type Key struct {
	ChatID   int64
	ThreadID int
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%d", k.ChatID, k.ThreadID)
}

// Store is a persistent, mutex-guarded map of topic thread snapshots.
type Store struct {
	mu       sync.RWMutex
	threads  map[Key]*model.TopicThreadSnapshot
	path     string
}

// fileFormat is the on-disk shape: a flat array so the file stays
// diffable and human-editable, matching the teacher's one-file-per-record
// convention collapsed to one record per thread in a single document.
type fileFormat struct {
	Threads []threadRecord `json:"threads"`
}

type threadRecord struct {
	ChatID       int64                        `json:"chat_id"`
	ThreadID     int                          `json:"thread_id"`
	Project      string                       `json:"project,omitempty"`
	Branch       string                       `json:"branch,omitempty"`
	TopicTitle   string                       `json:"topic_title,omitempty"`
	CreatedByBot bool                         `json:"created_by_bot,omitempty"`
	Sessions     map[string]resumeTokenRecord `json:"sessions,omitempty"`
}

type resumeTokenRecord struct {
	Value  string        `json:"value"`
	Engine model.EngineID `json:"engine"`
}

// Open loads path if it exists and returns a Store backed by it. A
// missing file is not an error: Open starts from an empty store, matching
// first-run behavior.
func Open(path string) (*Store, error) {
	s := &Store{
		threads: make(map[Key]*model.TopicThreadSnapshot),
		path:    path,
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("topicstore: reading %s: %w", path, err)
	}
	var doc fileFormat
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("topicstore: parsing %s: %w", path, err)
	}
	for _, r := range doc.Threads {
		s.threads[Key{ChatID: r.ChatID, ThreadID: r.ThreadID}] = recordToSnapshot(r)
	}
	return s, nil
}

func recordToSnapshot(r threadRecord) *model.TopicThreadSnapshot {
	snap := &model.TopicThreadSnapshot{
		ChatID:       r.ChatID,
		ThreadID:     r.ThreadID,
		TopicTitle:   r.TopicTitle,
		CreatedByBot: r.CreatedByBot,
	}
	if r.Project != "" || r.Branch != "" {
		snap.Context = &model.RunContext{Project: r.Project, Branch: r.Branch}
	}
	if len(r.Sessions) > 0 {
		snap.Sessions = make(map[model.EngineID]model.ResumeToken, len(r.Sessions))
		for engineID, tok := range r.Sessions {
			snap.Sessions[model.EngineID(engineID)] = model.ResumeToken{Value: tok.Value, Engine: tok.Engine}
		}
	}
	return snap
}

func snapshotToRecord(snap *model.TopicThreadSnapshot) threadRecord {
	r := threadRecord{
		ChatID:       snap.ChatID,
		ThreadID:     snap.ThreadID,
		TopicTitle:   snap.TopicTitle,
		CreatedByBot: snap.CreatedByBot,
	}
	if snap.Context != nil {
		r.Project = snap.Context.Project
		r.Branch = snap.Context.Branch
	}
	if len(snap.Sessions) > 0 {
		r.Sessions = make(map[string]resumeTokenRecord, len(snap.Sessions))
		for engineID, tok := range snap.Sessions {
			r.Sessions[string(engineID)] = resumeTokenRecord{Value: tok.Value, Engine: tok.Engine}
		}
	}
	return r
}

// GetThread returns a deep copy of the snapshot for key, or nil if unknown.
func (s *Store) GetThread(key Key) *model.TopicThreadSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.threads[key].Clone()
}

// FindThreadForContext returns the (chat, thread) key whose binding matches
// ctx within chatID, if any. Used by /topic to detect that another topic
// in the chat is already bound to the same project/branch.
func (s *Store) FindThreadForContext(chatID int64, ctx *model.RunContext) (Key, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, snap := range s.threads {
		if k.ChatID != chatID {
			continue
		}
		if snap.Context.Equal(ctx) {
			return k, true
		}
	}
	return Key{}, false
}

// SetContext binds key's topic to ctx, creating the thread record if
// necessary, and persists the store.
func (s *Store) SetContext(key Key, ctx *model.RunContext, topicTitle string, createdByBot bool) error {
	s.mu.Lock()
	snap, ok := s.threads[key]
	if !ok {
		snap = &model.TopicThreadSnapshot{ChatID: key.ChatID, ThreadID: key.ThreadID}
		s.threads[key] = snap
	}
	snap.Context = ctx
	if topicTitle != "" {
		snap.TopicTitle = topicTitle
	}
	snap.CreatedByBot = snap.CreatedByBot || createdByBot
	s.mu.Unlock()
	return s.persist()
}

// ClearContext removes key's project/branch binding while leaving its
// session resume tokens intact.
func (s *Store) ClearContext(key Key) error {
	s.mu.Lock()
	if snap, ok := s.threads[key]; ok {
		snap.Context = nil
	}
	s.mu.Unlock()
	return s.persist()
}

// ClearSessions drops every engine's resume token for key (used by /new),
// leaving the topic binding itself intact.
func (s *Store) ClearSessions(key Key) error {
	s.mu.Lock()
	if snap, ok := s.threads[key]; ok {
		snap.Sessions = nil
	}
	s.mu.Unlock()
	return s.persist()
}

// GetSessionResume returns the resume token engine owns for key, if any.
func (s *Store) GetSessionResume(key Key, engineID model.EngineID) (model.ResumeToken, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.threads[key]
	if !ok || snap.Sessions == nil {
		return model.ResumeToken{}, false
	}
	tok, ok := snap.Sessions[engineID]
	return tok, ok
}

// SetSessionResume records the latest resume token minted by engineID for
// key's thread, creating the thread record if necessary.
func (s *Store) SetSessionResume(key Key, tok model.ResumeToken) error {
	s.mu.Lock()
	snap, ok := s.threads[key]
	if !ok {
		snap = &model.TopicThreadSnapshot{ChatID: key.ChatID, ThreadID: key.ThreadID}
		s.threads[key] = snap
	}
	if snap.Sessions == nil {
		snap.Sessions = make(map[model.EngineID]model.ResumeToken)
	}
	snap.Sessions[tok.Engine] = tok
	s.mu.Unlock()
	return s.persist()
}

// persist serializes the whole store and atomically replaces the backing
// file via a temp-file-then-rename, matching the teacher's session
// persistence idiom.
func (s *Store) persist() error {
	s.mu.RLock()
	doc := fileFormat{Threads: make([]threadRecord, 0, len(s.threads))}
	for _, snap := range s.threads {
		doc.Threads = append(doc.Threads, snapshotToRecord(snap))
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("topicstore: marshaling: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("topicstore: creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "topicstore-*.tmp")
	if err != nil {
		return fmt.Errorf("topicstore: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("topicstore: writing %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("topicstore: syncing %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("topicstore: closing %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("topicstore: renaming into %s: %w", s.path, err)
	}
	cleanup = false
	return nil
}
