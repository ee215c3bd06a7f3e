// Package journal provides an append-only, fsync'd log of apply/rollback
// operations. On restart the log distinguishes operations that committed from
// ones interrupted mid-flight, so crash recovery can mark the latter failed.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Phase values for journal entries.
const (
	PhaseBegin  = "begin"
	PhaseCommit = "commit"
	PhaseAbort  = "abort"
)

// Entry is a single journaled operation step.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Op        string    `json:"op"` // "apply" or "rollback"
	Phase     string    `json:"phase"`
	PatchID   string    `json:"patch_id"`
	ModelID   string    `json:"model_id"`
	Detail    string    `json:"detail,omitempty"`
}

// Journal appends operation entries to a daily log file.
type Journal struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// Open creates or opens the journal file for the current day.
func Open(dirPath string) (*Journal, error) {
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	path := filepath.Join(dirPath, fmt.Sprintf("ops-%s.log", time.Now().Format("20060102")))

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}

	return &Journal{file: file, path: path}, nil
}

// Record appends one entry with fsync for durability.
func (j *Journal) Record(op, phase, patchID, modelID, detail string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry := Entry{
		Timestamp: time.Now(),
		Op:        op,
		Phase:     phase,
		PatchID:   patchID,
		ModelID:   modelID,
		Detail:    detail,
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}
	if _, err := j.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	return nil
}

// Close flushes and closes the journal.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.file.Sync(); err != nil {
		return err
	}
	return j.file.Close()
}

// Path returns the active journal file path.
func (j *Journal) Path() string {
	return j.path
}

// Replay reads all entries from a journal file, skipping malformed lines.
func Replay(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

// Unfinished returns the begin entries that have no matching commit or abort.
// These operations were interrupted mid-flight; the entry's Op tells recovery
// whether an apply or a rollback was cut short.
func Unfinished(entries []Entry) []Entry {
	open := make(map[string]Entry)
	seen := make(map[string]bool)
	order := make([]string, 0)
	for _, e := range entries {
		switch e.Phase {
		case PhaseBegin:
			if !seen[e.PatchID] {
				seen[e.PatchID] = true
				order = append(order, e.PatchID)
			}
			open[e.PatchID] = e
		case PhaseCommit, PhaseAbort:
			delete(open, e.PatchID)
		}
	}

	var out []Entry
	for _, id := range order {
		if e, ok := open[id]; ok {
			out = append(out, e)
		}
	}
	return out
}
