// Package history is the ordered message list of one conversation.
package history

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"

	"github.com/erg0nix/ctxbudget/internal/core"
)

var ErrIndexOutOfRange = errors.New("message index out of range")

// History is safe for concurrent use. Annotation updates are kept in memory
// until Flush; appends are written through immediately.
type History struct {
	mu       sync.RWMutex
	messages []core.Message
	file     *File
	dirty    bool
}

// New returns an unpersisted history.
func New(messages []core.Message) *History {
	return &History{messages: slices.Clone(messages)}
}

// Open loads a history persisted at path, or starts an empty one.
func Open(path string) (*History, error) {
	file := NewFile(path)

	messages, err := file.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	return &History{messages: messages, file: file}, nil
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}

// Snapshot returns a copy safe to read without holding the lock.
func (h *History) Snapshot() []core.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Clone(h.messages)
}

func (h *History) Get(index int) (core.Message, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if index < 0 || index >= len(h.messages) {
		return core.Message{}, false
	}
	return h.messages[index], true
}

// Update applies fn to the message at index under the write lock.
func (h *History) Update(index int, fn func(*core.Message)) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if index < 0 || index >= len(h.messages) {
		return false
	}

	fn(&h.messages[index])
	h.dirty = true
	return true
}

// Append adds msg and returns its index.
func (h *History) Append(msg core.Message) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.messages = append(h.messages, msg)
	index := len(h.messages) - 1

	if h.file != nil && !h.dirty {
		if err := h.file.Append(msg); err != nil {
			return index, fmt.Errorf("append message: %w", err)
		}
	} else if h.file != nil {
		if err := h.flushLocked(); err != nil {
			return index, err
		}
	}

	return index, nil
}

// Edit replaces the content of a message in place. Annotations are kept so
// the stale summary can be detected by hash.
func (h *History) Edit(index int, content string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if index < 0 || index >= len(h.messages) {
		return fmt.Errorf("edit %d: %w", index, ErrIndexOutOfRange)
	}

	h.messages[index].Content = content
	h.dirty = true
	return h.flushLocked()
}

func (h *History) Delete(index int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if index < 0 || index >= len(h.messages) {
		return fmt.Errorf("delete %d: %w", index, ErrIndexOutOfRange)
	}

	h.messages = slices.Delete(h.messages, index, index+1)
	h.dirty = true
	return h.flushLocked()
}

// Replace swaps the whole list, used when the host resends the conversation.
func (h *History) Replace(messages []core.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.messages = slices.Clone(messages)
	h.dirty = true
	return h.flushLocked()
}

// Discard empties the history and removes its file.
func (h *History) Discard() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.messages = nil
	h.dirty = false
	if h.file == nil {
		return nil
	}
	if err := os.Remove(h.file.Path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove history: %w", err)
	}
	return nil
}

// Flush persists pending annotation updates.
func (h *History) Flush() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.flushLocked()
}

func (h *History) flushLocked() error {
	if h.file == nil || !h.dirty {
		return nil
	}
	if err := h.file.Rewrite(h.messages); err != nil {
		return fmt.Errorf("rewrite history: %w", err)
	}
	h.dirty = false
	return nil
}
