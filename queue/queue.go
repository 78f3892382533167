// Package queue holds user records waiting for device poll.
// Strict FIFO, one record is delivered to at most one poll.
package queue

import (
	"context"
	"fmt"

	"github.com/temoto/maixbridge/log2"
)

var ErrClosed = fmt.Errorf("queue is closed")

type Queue interface {
	Push(record string) error
	// Peek returns head record without removing it, ok=false on empty queue.
	// Single consumer commits delivery with Pop after Peek.
	Peek(ctx context.Context) (record string, ok bool, err error)
	// Pop returns ok=false on empty queue, never waits for new records.
	Pop(ctx context.Context) (record string, ok bool, err error)
	Len() int
	Close() error
}

// Open returns memory queue for empty path, persistent otherwise.
func Open(path string, log *log2.Log) (Queue, error) {
	if path == "" {
		return NewMemory(), nil
	}
	return OpenPersist(path, log)
}
