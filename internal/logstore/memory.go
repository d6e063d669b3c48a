package logstore

import (
	"context"
	"encoding/json"
	"sync"
)

// Memory keeps records in process. Contents are lost on restart.
type Memory struct {
	name string
	cap  int

	mu     sync.Mutex
	recs   []json.RawMessage
	closed bool
}

func NewMemory(name string, capacity int) *Memory {
	return &Memory{name: name, cap: capacity}
}

func (m *Memory) Name() string { return "memory:" + m.name }
func (m *Memory) Cap() int     { return m.cap }

func (m *Memory) Append(_ context.Context, rec json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.recs = trim(append(m.recs, append(json.RawMessage(nil), rec...)), m.cap)
	return nil
}

func (m *Memory) List(_ context.Context) ([]json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return cloneRecords(m.recs), nil
}

func (m *Memory) Replace(_ context.Context, recs []json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.recs = trim(cloneRecords(recs), m.cap)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
