// Package runtime manages the on-disk layout under the runtime root:
//
//	<root>/
//	  state.json                              persisted tool state
//	  agent-working-directory/<conv_id>/      per-conversation scratch
//	  agent-memory/                           shared across conversations
//	  conversation-data/<conv_id>/            per-conversation data files
package runtime

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

const (
	stateFileName    = "state.json"
	workingDirName   = "agent-working-directory"
	memoryDirName    = "agent-memory"
	convDataDirName  = "conversation-data"
	defaultDirPerm   = 0o755
	defaultStatePerm = 0o644
)

// Layout resolves paths under a runtime root and creates directories on
// demand. It holds no open handles; it is safe to share across goroutines.
type Layout struct {
	root string
}

// NewLayout creates the runtime root (and its fixed subdirectories) if absent.
func NewLayout(root string) (*Layout, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve runtime root: %w", err)
	}
	l := &Layout{root: abs}
	for _, dir := range []string{abs, l.WorkingRoot(), l.MemoryDir(), l.convDataRoot()} {
		if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
			return nil, fmt.Errorf("create runtime dir %s: %w", dir, err)
		}
	}
	return l, nil
}

// Root returns the absolute runtime root path.
func (l *Layout) Root() string { return l.root }

// StatePath returns the path of the persisted state file.
func (l *Layout) StatePath() string { return filepath.Join(l.root, stateFileName) }

// WorkingRoot returns the directory holding all per-conversation scratch dirs.
func (l *Layout) WorkingRoot() string { return filepath.Join(l.root, workingDirName) }

// MemoryDir returns the shared agent memory directory.
func (l *Layout) MemoryDir() string { return filepath.Join(l.root, memoryDirName) }

func (l *Layout) convDataRoot() string { return filepath.Join(l.root, convDataDirName) }

// WorkingDir returns the scratch directory for a conversation, creating it
// 0755 if absent. This directory is the bind-mount source for the
// container's /mnt volume.
func (l *Layout) WorkingDir(conversationID string) (string, error) {
	dir := filepath.Join(l.WorkingRoot(), conversationID)
	if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
		return "", fmt.Errorf("create working dir for %s: %w", conversationID, err)
	}
	return dir, nil
}

// ConversationDataDir returns the per-conversation data directory, creating
// it if absent.
func (l *Layout) ConversationDataDir(conversationID string) (string, error) {
	dir := filepath.Join(l.convDataRoot(), conversationID)
	if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
		return "", fmt.Errorf("create data dir for %s: %w", conversationID, err)
	}
	return dir, nil
}

// ListConversations returns the IDs that have a scratch directory, sorted.
func (l *Layout) ListConversations() ([]string, error) {
	entries, err := os.ReadDir(l.WorkingRoot())
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// RemoveConversation deletes a conversation's scratch and data directories.
func (l *Layout) RemoveConversation(conversationID string) error {
	if err := os.RemoveAll(filepath.Join(l.WorkingRoot(), conversationID)); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(l.convDataRoot(), conversationID))
}

// ResetAll wipes every conversation directory, the shared memory contents,
// and the state file. The runtime root itself survives.
func (l *Layout) ResetAll() error {
	for _, dir := range []string{l.WorkingRoot(), l.MemoryDir(), l.convDataRoot()} {
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
		if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
			return err
		}
	}
	if err := os.Remove(l.StatePath()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
