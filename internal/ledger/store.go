package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/erg0nix/ctxbudget/internal/core"
)

// Store persists one ledger per conversation.
type Store interface {
	Load(id core.ConversationID) (*Ledger, error)
	Save(l *Ledger) error
	Delete(id core.ConversationID) error
}

// FileStore implements Store with one JSON document per conversation on disk.
type FileStore struct {
	BaseDir string
	mu      sync.Mutex
}

func NewFileStore(baseDir string) *FileStore {
	return &FileStore{BaseDir: baseDir}
}

func (store *FileStore) ledgerDir() string {
	return filepath.Join(store.BaseDir, "ledgers")
}

func (store *FileStore) ledgerPath(id core.ConversationID) string {
	return filepath.Join(store.ledgerDir(), id.FileName()+".json")
}

// Load returns nil without error when the conversation has no stored ledger.
func (store *FileStore) Load(id core.ConversationID) (*Ledger, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	data, err := os.ReadFile(store.ledgerPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read ledger: %w", err)
	}

	var l Ledger
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("parse ledger: %w", err)
	}

	if l.Version != SchemaVersion {
		return nil, fmt.Errorf("ledger %s: unsupported version %d", id, l.Version)
	}
	if l.CorrectionFactor <= 0 {
		l.CorrectionFactor = 1.0
	}

	return &l, nil
}

func (store *FileStore) Save(l *Ledger) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if err := os.MkdirAll(store.ledgerDir(), 0o755); err != nil {
		return fmt.Errorf("create ledger directory: %w", err)
	}

	l.Version = SchemaVersion
	l.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}

	path := store.ledgerPath(l.ConversationID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace ledger: %w", err)
	}

	return nil
}

func (store *FileStore) Delete(id core.ConversationID) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if err := os.Remove(store.ledgerPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete ledger: %w", err)
	}
	return nil
}

// MemoryStore keeps ledgers in process. Used by the simulator and tests.
type MemoryStore struct {
	mu      sync.Mutex
	ledgers map[core.ConversationID]Ledger
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ledgers: make(map[core.ConversationID]Ledger)}
}

func (store *MemoryStore) Load(id core.ConversationID) (*Ledger, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	l, ok := store.ledgers[id]
	if !ok {
		return nil, nil
	}
	return cloneLedger(l), nil
}

func (store *MemoryStore) Save(l *Ledger) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.ledgers[l.ConversationID] = *cloneLedger(*l)
	return nil
}

func (store *MemoryStore) Delete(id core.ConversationID) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	delete(store.ledgers, id)
	return nil
}

func cloneLedger(l Ledger) *Ledger {
	l.MemoryTokens = append([]int(nil), l.MemoryTokens...)
	l.Snapshot.Hashes = append([]string(nil), l.Snapshot.Hashes...)
	if l.Pending != nil {
		pending := *l.Pending
		l.Pending = &pending
	}
	return &l
}
