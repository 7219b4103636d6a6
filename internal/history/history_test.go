package history

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/erg0nix/ctxbudget/internal/core"
)

func TestFile_LoadAll_NonExistent(t *testing.T) {
	f := NewFile("/nonexistent/path/file.jsonl")
	msgs, err := f.LoadAll()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msgs != nil {
		t.Errorf("expected nil for non-existent file, got %v", msgs)
	}
}

func TestFile_LoadAll_SkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	content := `{"role":"user","content":"first"}
not json
{"role":"assistant","content":"second"}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	msgs, err := NewFile(path).LoadAll()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[1].Content != "second" {
		t.Errorf("expected 'second', got %q", msgs[1].Content)
	}
}

func TestHistory_PersistsAppendsEditsAndDeletes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conv", "history.jsonl")

	h, err := Open(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	for _, content := range []string{"one", "two", "three"} {
		if _, err := h.Append(core.Message{Role: core.RoleUser, Content: content}); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	if err := h.Edit(1, "TWO"); err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	if err := h.Delete(0); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	h.Update(0, func(m *core.Message) { m.Annotations.Excluded = true })
	if err := h.Flush(); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}

	got := reopened.Snapshot()
	if len(got) != 2 {
		t.Fatalf("expected 2 messages after reopen, got %d", len(got))
	}
	if got[0].Content != "TWO" || !got[0].Annotations.Excluded {
		t.Errorf("unexpected first message: %+v", got[0])
	}
	if got[1].Content != "three" {
		t.Errorf("expected 'three', got %q", got[1].Content)
	}
}

func TestHistory_AppendAfterUpdateKeepsAnnotations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	h, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := h.Append(core.Message{Role: core.RoleUser, Content: "a"}); err != nil {
		t.Fatal(err)
	}
	h.Update(0, func(m *core.Message) { m.Annotations.Summary = "sum" })
	if _, err := h.Append(core.Message{Role: core.RoleAssistant, Content: "b"}); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}

	got := reopened.Snapshot()
	if len(got) != 2 || got[0].Annotations.Summary != "sum" {
		t.Errorf("expected annotation to survive append, got %+v", got)
	}
}

func TestHistory_OutOfRange(t *testing.T) {
	h := New(nil)

	if err := h.Delete(0); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("expected ErrIndexOutOfRange, got %v", err)
	}
	if err := h.Edit(3, "x"); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("expected ErrIndexOutOfRange, got %v", err)
	}
	if h.Update(0, func(*core.Message) {}) {
		t.Error("update on empty history should report false")
	}
	if _, ok := h.Get(-1); ok {
		t.Error("get(-1) should report false")
	}
}

func TestHistory_SnapshotIsACopy(t *testing.T) {
	h := New([]core.Message{{Role: core.RoleUser, Content: "a"}})

	snap := h.Snapshot()
	snap[0].Content = "changed"

	if msg, _ := h.Get(0); msg.Content != "a" {
		t.Errorf("snapshot mutation leaked into history: %q", msg.Content)
	}
}

func TestHistory_ConcurrentUpdates(t *testing.T) {
	h := New(make([]core.Message, 50))

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			h.Update(idx, func(m *core.Message) { m.Annotations.Vectorized = true })
		}(i)
	}
	wg.Wait()

	for i, msg := range h.Snapshot() {
		if !msg.Annotations.Vectorized {
			t.Fatalf("message %d missing update", i)
		}
	}
}

func TestHistory_DiscardRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")

	h, err := Open(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := h.Append(core.Message{Role: core.RoleUser, Content: "hello"}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	if err := h.Discard(); err != nil {
		t.Fatalf("discard failed: %v", err)
	}
	if h.Len() != 0 {
		t.Errorf("expected empty history, got %d messages", h.Len())
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected file to be removed, stat err = %v", err)
	}

	if err := New(nil).Discard(); err != nil {
		t.Errorf("discard of unpersisted history: %v", err)
	}
}
