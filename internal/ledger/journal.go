package ledger

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/erg0nix/ctxbudget/internal/core"
)

// JournalEntry records one completed generation for later inspection.
type JournalEntry struct {
	Timestamp      time.Time           `json:"ts"`
	ConversationID core.ConversationID `json:"conversation_id"`
	Event          string              `json:"event"`
	Phase          Phase               `json:"phase"`
	Cutoff         int                 `json:"cutoff"`
	TargetTokens   int                 `json:"target_tokens"`
	Factor         float64             `json:"factor"`
	Predicted      int                 `json:"predicted,omitempty"`
	Actual         int                 `json:"actual,omitempty"`
	ErrorPercent   float64             `json:"error_percent,omitempty"`
	Tolerance      float64             `json:"tolerance,omitempty"`
	MemoryTokens   int                 `json:"memory_tokens,omitempty"`
	Note           string              `json:"note,omitempty"`
}

// Journal appends JSONL entries under <base>/journal/<conversation>.jsonl.
type Journal struct {
	baseDir string
	mu      sync.Mutex
}

func NewJournal(baseDir string) *Journal {
	return &Journal{baseDir: baseDir}
}

func (j *Journal) path(id core.ConversationID) string {
	return filepath.Join(j.baseDir, "journal", id.FileName()+".jsonl")
}

func (j *Journal) Write(entry JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	path := j.path(entry.ConversationID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	return json.NewEncoder(file).Encode(entry)
}

// Tail returns up to limit of the most recent entries, oldest first.
func (j *Journal) Tail(id core.ConversationID, limit int) ([]JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	file, err := os.Open(j.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	fileInfo, err := file.Stat()
	if err != nil {
		return nil, err
	}
	if fileInfo.Size() == 0 || limit <= 0 {
		return nil, nil
	}

	lines, err := readLinesBackward(file, fileInfo.Size(), limit)
	if err != nil {
		return nil, err
	}

	entries := make([]JournalEntry, 0, len(lines))
	for _, line := range lines {
		var entry JournalEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

const chunkSize = 8 * 1024

// readLinesBackward reads chunks from the end of the file until it has seen
// more than limit newlines, then returns the last limit non-empty lines.
func readLinesBackward(file *os.File, fileSize int64, limit int) ([][]byte, error) {
	var data []byte
	remaining := fileSize

	for remaining > 0 {
		readSize := min(int64(chunkSize), remaining)
		offset := remaining - readSize
		chunk := make([]byte, readSize)

		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(file, chunk); err != nil {
			return nil, err
		}

		data = append(chunk, data...)
		remaining = offset

		if countNewlines(data) > limit {
			break
		}
	}

	var lines [][]byte
	start := 0
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}

	// The first line may be a partial record when reading stopped early.
	if remaining > 0 && len(lines) > 0 {
		lines = lines[1:]
	}
	if len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}

	return lines, nil
}

func countNewlines(data []byte) int {
	n := 0
	for _, b := range data {
		if b == '\n' {
			n++
		}
	}
	return n
}
