package queue

import (
	"context"
	"sync"
)

// Memory queue is lost on restart.
type Memory struct {
	mu     sync.Mutex
	closed bool
	items  []string
}

var _ Queue = &Memory{}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Push(record string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.items = append(m.items, record)
	return nil
}

func (m *Memory) Peek(ctx context.Context) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", false, ErrClosed
	}
	if len(m.items) == 0 {
		return "", false, nil
	}
	return m.items[0], true, nil
}

func (m *Memory) Pop(ctx context.Context) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", false, ErrClosed
	}
	if len(m.items) == 0 {
		return "", false, nil
	}
	r := m.items[0]
	m.items[0] = ""
	m.items = m.items[1:]
	if len(m.items) == 0 {
		m.items = nil // release backing array
	}
	return r, true, nil
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.items = nil
	m.mu.Unlock()
	return nil
}
