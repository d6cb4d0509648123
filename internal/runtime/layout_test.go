package runtime

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestNewLayoutCreatesDirectories(t *testing.T) {
	root := filepath.Join(t.TempDir(), "rt")
	layout, err := NewLayout(root)
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}

	for _, dir := range []string{layout.WorkingRoot(), layout.MemoryDir()} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("stat %s: %v", dir, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", dir)
		}
	}
}

func TestWorkingDirPerConversation(t *testing.T) {
	layout, err := NewLayout(t.TempDir())
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}

	dir, err := layout.WorkingDir("c1")
	if err != nil {
		t.Fatalf("WorkingDir: %v", err)
	}
	want := filepath.Join(layout.WorkingRoot(), "c1")
	if dir != want {
		t.Errorf("WorkingDir = %q, want %q", dir, want)
	}

	// Idempotent.
	if _, err := layout.WorkingDir("c1"); err != nil {
		t.Errorf("second WorkingDir: %v", err)
	}
}

func TestListAndRemoveConversations(t *testing.T) {
	layout, err := NewLayout(t.TempDir())
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}
	for _, id := range []string{"b", "a", "c"} {
		if _, err := layout.WorkingDir(id); err != nil {
			t.Fatal(err)
		}
	}

	ids, err := layout.ListConversations()
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(ids, want) {
		t.Errorf("ListConversations = %v, want %v", ids, want)
	}

	if err := layout.RemoveConversation("b"); err != nil {
		t.Fatalf("RemoveConversation: %v", err)
	}
	ids, _ = layout.ListConversations()
	if want := []string{"a", "c"}; !reflect.DeepEqual(ids, want) {
		t.Errorf("after remove, ListConversations = %v, want %v", ids, want)
	}
}

func TestResetAll(t *testing.T) {
	layout, err := NewLayout(t.TempDir())
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}
	if _, err := layout.WorkingDir("c1"); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(layout.StatePath(), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(layout.MemoryDir(), "user_facts.txt"), []byte("fact\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := layout.ResetAll(); err != nil {
		t.Fatalf("ResetAll: %v", err)
	}

	ids, err := layout.ListConversations()
	if err != nil {
		t.Fatalf("ListConversations after reset: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("conversations survived reset: %v", ids)
	}
	if _, err := os.Stat(layout.StatePath()); !os.IsNotExist(err) {
		t.Error("state file survived reset")
	}
	entries, _ := os.ReadDir(layout.MemoryDir())
	if len(entries) != 0 {
		t.Error("memory contents survived reset")
	}
}
