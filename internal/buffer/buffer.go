// Package buffer implements the agent's offline buffer: a bounded, durable
// FIFO queue of not-yet-delivered upstream messages. It is consulted
// whenever the agent's connection to its Gateway is down, and drained in
// order once the connection is restored.
package buffer

import (
	"bufio"
	"bytes"
	"container/list"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Buffer is a bounded, durable FIFO queue of opaque JSON messages. It is
// safe for concurrent use. When filePath is non-empty, every mutation
// rewrites the file in full so the queue survives an agent restart.
type Buffer struct {
	mu       sync.Mutex
	queue    *list.List // each element is json.RawMessage
	maxSize  int
	filePath string
	logger   *slog.Logger
}

// New creates a Buffer bounded to maxSize entries. If filePath is non-empty
// and exists, its contents (one JSON message per line) are loaded as the
// initial queue contents.
func New(maxSize int, filePath string, logger *slog.Logger) (*Buffer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Buffer{
		queue:    list.New(),
		maxSize:  maxSize,
		filePath: filePath,
		logger:   logger,
	}
	if filePath != "" {
		if err := b.load(); err != nil {
			return nil, fmt.Errorf("buffer: load %q: %w", filePath, err)
		}
	}
	return b, nil
}

// Push appends msg to the back of the queue. If the queue is already at
// maxSize, the oldest entry is evicted and a warning logged before msg is
// appended.
func (b *Buffer) Push(msg json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evictLocked()
	b.queue.PushBack(msg)
	return b.persistLocked()
}

// PushFront re-queues msg at the head of the buffer. It is used when a send
// that popped an item off the front fails partway through delivery, so that
// FIFO order is preserved across the retry rather than the item going to
// the back of the line.
func (b *Buffer) PushFront(msg json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evictLocked()
	b.queue.PushFront(msg)
	return b.persistLocked()
}

// evictLocked drops the oldest entry if the queue is at capacity. Caller
// must hold b.mu.
func (b *Buffer) evictLocked() {
	if b.maxSize <= 0 {
		return
	}
	for b.queue.Len() >= b.maxSize {
		front := b.queue.Front()
		b.queue.Remove(front)
		b.logger.Warn("buffer: full, dropping oldest entry", slog.Int("max_size", b.maxSize))
	}
}

// Pop removes and returns the oldest entry, if any.
func (b *Buffer) Pop() (json.RawMessage, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	front := b.queue.Front()
	if front == nil {
		return nil, false
	}
	b.queue.Remove(front)
	if err := b.persistLocked(); err != nil {
		b.logger.Warn("buffer: persist after pop failed", slog.Any("error", err))
	}
	return front.Value.(json.RawMessage), true
}

// Len returns the number of entries currently buffered.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queue.Len()
}

// IsEmpty reports whether the buffer holds no entries.
func (b *Buffer) IsEmpty() bool {
	return b.Len() == 0
}

// Clear removes every entry and deletes the backing file, if any.
func (b *Buffer) Clear() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue.Init()
	if b.filePath == "" {
		return nil
	}
	if err := os.Remove(b.filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("buffer: clear %q: %w", b.filePath, err)
	}
	return nil
}

// load reads the backing file, one JSON message per line, into the queue.
// Caller must not hold b.mu (called only from New, before publication).
func (b *Buffer) load() error {
	data, err := os.ReadFile(b.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	count := 0
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		msg := make(json.RawMessage, len(line))
		copy(msg, line)
		b.queue.PushBack(msg)
		count++
	}
	if err := sc.Err(); err != nil {
		return err
	}
	b.logger.Info("buffer: loaded entries from disk", slog.Int("count", count), slog.String("path", b.filePath))
	return nil
}

// persistLocked rewrites the backing file in full with the current queue
// contents, one JSON message per line, atomically (write to a temp file in
// the same directory then rename). Caller must hold b.mu.
func (b *Buffer) persistLocked() error {
	if b.filePath == "" {
		return nil
	}
	dir := filepath.Dir(b.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("buffer: mkdir %q: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".buffer-*.tmp")
	if err != nil {
		return fmt.Errorf("buffer: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	w := bufio.NewWriter(tmp)
	for e := b.queue.Front(); e != nil; e = e.Next() {
		if _, err := w.Write(e.Value.(json.RawMessage)); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("buffer: write entry: %w", err)
		}
		if err := w.WriteByte('\n'); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("buffer: write newline: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("buffer: flush: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("buffer: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("buffer: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, b.filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("buffer: rename into place: %w", err)
	}
	return nil
}
