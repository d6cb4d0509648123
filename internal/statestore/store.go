// Package statestore persists tool state across process restarts.
//
// The store keeps two buckets: a global bucket shared by all conversations
// (keyed by provider name) and a per-conversation bucket (keyed by
// conversation ID, then provider name). Values are provider-opaque JSON
// trees; after a reload numeric values surface as float64.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/haasonsaas/warden/internal/observability"
)

// GlobalBucket maps provider name to that provider's global state value.
type GlobalBucket map[string]any

// ConversationBucket maps conversation ID to a map of provider name to
// per-conversation state value.
type ConversationBucket map[string]map[string]any

// stateFile is the on-disk layout.
type stateFile struct {
	Global        GlobalBucket       `json:"global"`
	Conversations ConversationBucket `json:"conversations"`
}

// Store reads and writes the single state file under the runtime root.
// All access is serialized by one mutex held across serialize+write, so
// Save may be called from any goroutine.
type Store struct {
	path   string
	logger *observability.Logger
	mu     sync.Mutex
}

// New creates a store backed by the given file path. The file is not touched
// until Load or Save.
func New(path string, logger *observability.Logger) *Store {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Store{
		path:   path,
		logger: logger.WithFields("component", "statestore"),
	}
}

// Path returns the canonical state file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the state file and returns the two buckets. A missing or
// corrupt file is reported and treated as empty; the process continues and
// the operator's remedy for corruption is Reset.
func (s *Store) Load() (GlobalBucket, ConversationBucket) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := context.Background()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn(ctx, "state file unreadable, starting empty", "path", s.path, "error", err)
		}
		return GlobalBucket{}, ConversationBucket{}
	}

	var file stateFile
	if err := json.Unmarshal(data, &file); err != nil {
		s.logger.Error(ctx, "state file corrupt, starting empty", "path", s.path, "error", err)
		return GlobalBucket{}, ConversationBucket{}
	}
	if file.Global == nil {
		file.Global = GlobalBucket{}
	}
	if file.Conversations == nil {
		file.Conversations = ConversationBucket{}
	}
	return file.Global, file.Conversations
}

// Save writes both buckets atomically: serialize to a sibling temp file,
// fsync, then rename over the canonical path. A failure is returned to the
// caller but is non-fatal; the in-memory buckets stay authoritative and the
// next mutation re-attempts.
func (s *Store) Save(global GlobalBucket, conversations ConversationBucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(stateFile{Global: global, Conversations: conversations}, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}

// Reset deletes the state file and returns empty buckets.
func (s *Store) Reset() (GlobalBucket, ConversationBucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, nil, fmt.Errorf("remove state file: %w", err)
	}
	return GlobalBucket{}, ConversationBucket{}, nil
}
