package statestore

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "state.json"), nil)
}

func TestLoadMissingFileReturnsEmpty(t *testing.T) {
	store := newTestStore(t)
	global, convs := store.Load()
	if len(global) != 0 || len(convs) != 0 {
		t.Errorf("expected empty buckets, got %v / %v", global, convs)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)

	global := GlobalBucket{
		"weather": map[string]any{"api_calls_count": float64(3)},
	}
	convs := ConversationBucket{
		"c1": {
			"shell": map[string]any{
				"command_count":      float64(4),
				"_conversation_id":   "c1",
				"_working_directory": "/tmp/c1",
			},
		},
	}

	if err := store.Save(global, convs); err != nil {
		t.Fatalf("Save: %v", err)
	}

	gotGlobal, gotConvs := store.Load()
	if !reflect.DeepEqual(gotGlobal, global) {
		t.Errorf("global bucket round trip mismatch:\n got %#v\nwant %#v", gotGlobal, global)
	}
	if !reflect.DeepEqual(gotConvs, convs) {
		t.Errorf("conversation bucket round trip mismatch:\n got %#v\nwant %#v", gotConvs, convs)
	}
}

func TestLoadCorruptFileReturnsEmpty(t *testing.T) {
	store := newTestStore(t)
	if err := os.WriteFile(store.Path(), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	global, convs := store.Load()
	if len(global) != 0 || len(convs) != 0 {
		t.Errorf("corrupt file should yield empty buckets, got %v / %v", global, convs)
	}
}

func TestResetDeletesFile(t *testing.T) {
	store := newTestStore(t)
	if err := store.Save(GlobalBucket{"p": "v"}, ConversationBucket{}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	global, convs, err := store.Reset()
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if len(global) != 0 || len(convs) != 0 {
		t.Error("Reset should return empty buckets")
	}
	if _, err := os.Stat(store.Path()); !os.IsNotExist(err) {
		t.Errorf("state file still exists after Reset: %v", err)
	}

	// Reset with no file present is not an error.
	if _, _, err := store.Reset(); err != nil {
		t.Errorf("second Reset: %v", err)
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	store := newTestStore(t)
	if err := store.Save(GlobalBucket{}, ConversationBucket{}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	entries, err := os.ReadDir(filepath.Dir(store.Path()))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != filepath.Base(store.Path()) {
			t.Errorf("stray file after Save: %s", e.Name())
		}
	}
}
