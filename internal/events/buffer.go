package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"acme/pkg/logging"
)

// bufferedEvent pairs an event with its resolved stream so a flush after
// a route map reload still delivers to the stream chosen at submit time.
type bufferedEvent struct {
	Stream string `json:"stream"`
	Event  Event  `json:"event"`
}

// DiskBuffer is the offline event queue: one JSON object per line,
// appended in arrival order. Capacity is bounded only by disk.
type DiskBuffer struct {
	mu   sync.Mutex
	path string
}

// NewDiskBuffer uses path as the queue file. The file is created lazily
// on first append.
func NewDiskBuffer(path string) *DiskBuffer {
	return &DiskBuffer{path: path}
}

// Append adds an event to the tail of the queue.
func (b *DiskBuffer) Append(stream string, ev Event) error {
	line, err := json.Marshal(bufferedEvent{Stream: stream, Event: ev})
	if err != nil {
		return fmt.Errorf("failed to encode buffered event: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := os.OpenFile(b.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open event buffer: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append to event buffer: %w", err)
	}
	return nil
}

// Len counts the buffered events.
func (b *DiskBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries, _ := b.readLocked()
	return len(entries)
}

// Flush delivers buffered events oldest-first through send, stopping at
// the first failure. Whatever was not delivered stays in the queue.
func (b *DiskBuffer) Flush(send func(stream string, ev Event) error) (flushed int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, readErr := b.readLocked()
	if readErr != nil {
		return 0, readErr
	}
	if len(entries) == 0 {
		return 0, nil
	}

	for i, entry := range entries {
		if sendErr := send(entry.Stream, entry.Event); sendErr != nil {
			if werr := b.writeLocked(entries[i:]); werr != nil {
				logging.Error("Events", werr, "Failed to rewrite event buffer after partial flush")
			}
			return i, sendErr
		}
	}
	return len(entries), b.writeLocked(nil)
}

func (b *DiskBuffer) readLocked() ([]bufferedEvent, error) {
	f, err := os.Open(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open event buffer: %w", err)
	}
	defer f.Close()

	var entries []bufferedEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry bufferedEvent
		if err := json.Unmarshal(line, &entry); err != nil {
			// skip a corrupt line rather than wedging the whole queue
			logging.Warn("Events", "Dropping corrupt buffered event: %v", err)
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("failed to scan event buffer: %w", err)
	}
	return entries, nil
}

func (b *DiskBuffer) writeLocked(entries []bufferedEvent) error {
	if len(entries) == 0 {
		if err := os.Remove(b.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to clear event buffer: %w", err)
		}
		return nil
	}

	tmp := b.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create event buffer: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, entry := range entries {
		line, err := json.Marshal(entry)
		if err != nil {
			f.Close()
			return fmt.Errorf("failed to encode buffered event: %w", err)
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write event buffer: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}
