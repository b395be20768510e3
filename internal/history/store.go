// Package history keeps an append-only log of finished sessions as JSON
// lines in a local file.
package history

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// Record describes one finished session.
type Record struct {
	SessionID string    `json:"session_id"`
	Transport string    `json:"transport"`
	Model     string    `json:"model,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	State     string    `json:"state"`
	Error     string    `json:"error,omitempty"`
}

// Duration is the wall time between start and end.
func (r Record) Duration() time.Duration { return r.EndedAt.Sub(r.StartedAt) }

// FileStore persists records as JSON lines. Safe for concurrent use.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore returns a store writing to path. The file is created on the
// first Append.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Append writes rec as one line.
func (fs *FileStore) Append(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("history: marshal: %w", err)
	}
	data = append(data, '\n')

	fs.mu.Lock()
	defer fs.mu.Unlock()
	f, err := os.OpenFile(fs.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("history: open file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("history: write: %w", err)
	}
	return nil
}

// Recent returns up to n records, newest first. A missing file yields no
// records. Lines that do not parse are skipped.
func (fs *FileStore) Recent(n int) ([]Record, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	f, err := os.Open(fs.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("history: open file: %w", err)
	}
	defer f.Close()

	var all []Record
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec Record
		if json.Unmarshal(sc.Bytes(), &rec) != nil {
			continue
		}
		all = append(all, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("history: read: %w", err)
	}

	if n <= 0 || n > len(all) {
		n = len(all)
	}
	out := make([]Record, 0, n)
	for i := len(all) - 1; i >= len(all)-n; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

// Store is implemented by [FileStore], [SQLiteStore] and [PGStore].
type Store interface {
	Append(rec Record) error
	Recent(n int) ([]Record, error)
}

var (
	_ Store = (*FileStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PGStore)(nil)
)
