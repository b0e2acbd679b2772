// Package audit maintains an append-only, hash-chained record of
// security-relevant workflow events: mandate creation, rejections,
// replay detections, voids and settlements. Entries carry mandate ids,
// nonces and principals, never key material or payment-method tokens.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/veridian-labs/mandate/pkg/canonical"
)

// Event is one audit log entry. Hash covers the entry content plus
// PrevHash, chaining entries so truncation or reordering is detectable.
type Event struct {
	Timestamp string `json:"timestamp"`
	Actor     string `json:"actor"`
	Action    string `json:"action"`
	Payload   any    `json:"payload"`
	PrevHash  string `json:"prev_hash"`
	Hash      string `json:"hash"`
}

// Log is an append-only audit sink.
type Log interface {
	Append(actor, action string, payload any) error
	Entries() ([]Event, error)
}

// FileLog persists events as hash-chained JSON lines.
type FileLog struct {
	mu       sync.Mutex
	filePath string
	lastHash string
}

// NewFileLog opens (or creates) the log at path and recovers the chain
// tip from the last existing line.
func NewFileLog(path string) (*FileLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open log: %w", err)
	}
	defer f.Close()

	l := &FileLog{filePath: path}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("audit: corrupt log line: %w", err)
		}
		l.lastHash = ev.Hash
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan log: %w", err)
	}
	return l, nil
}

// Append adds a new chained event to the log.
func (l *FileLog) Append(actor, action string, payload any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev := Event{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Actor:     actor,
		Action:    action,
		Payload:   payload,
		PrevHash:  l.lastHash,
	}
	hash, err := canonical.Hash(ev)
	if err != nil {
		return fmt.Errorf("audit: hash event: %w", err)
	}
	ev.Hash = hash

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}

	f, err := os.OpenFile(l.filePath, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("audit: open for append: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: write event: %w", err)
	}
	l.lastHash = hash
	return nil
}

// Entries reads the full log back.
func (l *FileLog) Entries() ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.filePath)
	if err != nil {
		return nil, fmt.Errorf("audit: open log: %w", err)
	}
	defer f.Close()

	var out []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("audit: corrupt log line: %w", err)
		}
		out = append(out, ev)
	}
	return out, scanner.Err()
}

// VerifyChain walks the log and checks every entry's hash and linkage.
func VerifyChain(events []Event) error {
	prev := ""
	for i, ev := range events {
		if ev.PrevHash != prev {
			return fmt.Errorf("audit: entry %d breaks the chain", i)
		}
		check := ev
		check.Hash = ""
		hash, err := canonical.Hash(check)
		if err != nil {
			return fmt.Errorf("audit: rehash entry %d: %w", i, err)
		}
		if hash != ev.Hash {
			return fmt.Errorf("audit: entry %d hash mismatch", i)
		}
		prev = ev.Hash
	}
	return nil
}

// MemoryLog is an in-process audit sink for tests.
type MemoryLog struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// Append records an event without hashing.
func (l *MemoryLog) Append(actor, action string, payload any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, Event{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Actor:     actor,
		Action:    action,
		Payload:   payload,
	})
	return nil
}

// Entries returns a copy of the recorded events.
func (l *MemoryLog) Entries() ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...), nil
}
