package store

import (
	"context"
	"sync"

	"github.com/stellarlinkco/prospector/internal/account"
	"github.com/stellarlinkco/prospector/internal/bus"
)

// Memory is an in-process Store. Tests inject it through gateway.Options.Store
// in place of the sqlite file.
type Memory struct {
	notifier

	mu       sync.RWMutex
	records  map[Kind]map[string][]byte
	size     int64
	activity []account.AccountStatus
	closed   bool
}

// NewMemory returns an empty store. maxBytes <= 0 disables the size limit.
func NewMemory(hub *bus.Hub, maxBytes int64) *Memory {
	return &Memory{
		notifier: newNotifier(hub, maxBytes),
		records:  make(map[Kind]map[string][]byte),
	}
}

func (m *Memory) Get(ctx context.Context, kind Kind, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	v, ok := m.records[kind][id]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Set(ctx context.Context, kind Kind, id string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validKey(kind, id); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	next := m.size - int64(len(m.records[kind][id])) + int64(len(value))
	if ev := m.admit(kind, id, next); ev != nil {
		m.mu.Unlock()
		return m.refuse(ev)
	}
	if m.records[kind] == nil {
		m.records[kind] = make(map[string][]byte)
	}
	m.records[kind][id] = append([]byte(nil), value...)
	m.size = next
	m.mu.Unlock()

	m.changed(kind, id)
	return nil
}

func (m *Memory) Delete(ctx context.Context, kind Kind, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	v, ok := m.records[kind][id]
	if ok {
		delete(m.records[kind], id)
		m.size -= int64(len(v))
	}
	m.mu.Unlock()
	if ok {
		m.changed(kind, id)
	}
	return nil
}

func (m *Memory) List(ctx context.Context, kind Kind) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]byte, len(m.records[kind]))
	for id, v := range m.records[kind] {
		out[id] = append([]byte(nil), v...)
	}
	return out, nil
}

func (m *Memory) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.records = make(map[Kind]map[string][]byte)
	m.size = 0
	m.activity = nil
	m.mu.Unlock()
	m.changed(KindClear, "")
	return nil
}

func (m *Memory) AppendActivity(ctx context.Context, entry account.AccountStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	next := make([]account.AccountStatus, 0, ActivityLimit)
	next = append(next, entry)
	next = append(next, m.activity...)
	if len(next) > ActivityLimit {
		next = next[:ActivityLimit]
	}
	m.activity = next
	m.mu.Unlock()
	m.changed(KindActivity, entry.CompanyID)
	return nil
}

func (m *Memory) Activity(ctx context.Context, limit int) ([]account.AccountStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.activity)
	if limit > 0 && limit < n {
		n = limit
	}
	return append([]account.AccountStatus(nil), m.activity[:n]...), nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
