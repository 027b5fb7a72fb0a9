package infrastructure

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DeadLetterEntry records one uplink whose downstream persistence failed,
// kept on disk so `replay` can push it through the pipeline again.
type DeadLetterEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	ICCID     string    `json:"iccid"`
	Payload   string    `json:"payload"` // base64, as received
	Reason    string    `json:"reason"`
	Retries   int       `json:"retries"`
}

// DeadLetterLog is an append-only on-disk log of failed uplinks.
type DeadLetterLog struct {
	path         string
	file         *os.File
	encoder      *json.Encoder
	mu           sync.Mutex
	rotationSize int64
	currentSize  int64
}

// NewDeadLetterLog opens (or creates) the log at path.
func NewDeadLetterLog(path string) (*DeadLetterLog, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create dead-letter directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open dead-letter file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat dead-letter file: %w", err)
	}

	return &DeadLetterLog{
		path:         path,
		file:         file,
		encoder:      json.NewEncoder(file),
		currentSize:  stat.Size(),
		rotationSize: 100 * 1024 * 1024, // 100MB
	}, nil
}

// Append writes a failed uplink to the log.
func (l *DeadLetterLog) Append(iccid, payload, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := DeadLetterEntry{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		ICCID:     iccid,
		Payload:   payload,
		Reason:    reason,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal dead-letter entry: %w", err)
	}

	if err := l.encoder.Encode(entry); err != nil {
		return fmt.Errorf("failed to write dead-letter entry: %w", err)
	}
	l.currentSize += int64(len(data)) + 1

	if l.currentSize >= l.rotationSize {
		return l.rotate()
	}
	return nil
}

// ReadAll returns every entry currently in the log.
func (l *DeadLetterLog) ReadAll() ([]DeadLetterEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dead-letter file: %w", err)
	}
	defer file.Close()

	var entries []DeadLetterEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry DeadLetterEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			// Skip torn writes at the tail.
			continue
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}

// Truncate drops all entries, used after a successful replay.
func (l *DeadLetterLog) Truncate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.file.Truncate(0); err != nil {
		return err
	}
	if _, err := l.file.Seek(0, 0); err != nil {
		return err
	}
	l.currentSize = 0
	return nil
}

// rotate moves the current file aside; callers hold the mutex.
func (l *DeadLetterLog) rotate() error {
	if err := l.file.Close(); err != nil {
		return err
	}

	rotated := fmt.Sprintf("%s.%s", l.path, time.Now().Format("20060102150405"))
	if err := os.Rename(l.path, rotated); err != nil {
		return err
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	l.file = file
	l.encoder = json.NewEncoder(file)
	l.currentSize = 0
	return nil
}

// Close flushes and closes the log file.
func (l *DeadLetterLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
