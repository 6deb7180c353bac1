package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stellarlinkco/prospector/internal/account"
	"github.com/stellarlinkco/prospector/internal/bus"
)

type backend struct {
	name string
	open func(t *testing.T, maxBytes int64) Store
}

var backends = []backend{
	{"memory", func(t *testing.T, maxBytes int64) Store {
		return NewMemory(nil, maxBytes)
	}},
	{"sqlite", func(t *testing.T, maxBytes int64) Store {
		s, err := OpenSQLite(filepath.Join(t.TempDir(), "nested", "prospector.db"), nil, maxBytes, zap.NewNop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	}},
}

func eachBackend(t *testing.T, fn func(t *testing.T, open func(maxBytes int64) Store)) {
	for _, b := range backends {
		b := b
		t.Run(b.name, func(t *testing.T) {
			fn(t, func(maxBytes int64) Store { return b.open(t, maxBytes) })
		})
	}
}

type recorder struct {
	mu       sync.Mutex
	changes  []bus.Change
	capacity []bus.CapacityEvent
}

func (r *recorder) change(c bus.Change) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
}

func (r *recorder) full(ev bus.CapacityEvent) {
	r.mu.Lock()
	r.capacity = append(r.capacity, ev)
	r.mu.Unlock()
}

func TestStore_GetSetOverwrite(t *testing.T) {
	eachBackend(t, func(t *testing.T, open func(int64) Store) {
		ctx := context.Background()
		st := open(0)

		_, err := st.Get(ctx, KindScore, "acme")
		require.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, st.Set(ctx, KindScore, "acme", []byte(`{"total":30}`)))
		require.NoError(t, st.Set(ctx, KindScore, "acme", []byte(`{"total":41}`)))
		got, err := st.Get(ctx, KindScore, "acme")
		require.NoError(t, err)
		assert.JSONEq(t, `{"total":41}`, string(got))

		_, err = st.Get(ctx, KindEmail, "acme")
		require.ErrorIs(t, err, ErrNotFound, "kinds are separate namespaces")

		all, err := st.List(ctx, KindScore)
		require.NoError(t, err)
		assert.Len(t, all, 1)

		require.NoError(t, st.Delete(ctx, KindScore, "acme"))
		_, err = st.Get(ctx, KindScore, "acme")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_RejectsBadKeys(t *testing.T) {
	eachBackend(t, func(t *testing.T, open func(int64) Store) {
		st := open(0)
		assert.Error(t, st.Set(context.Background(), Kind("bogus"), "x", []byte("1")))
		assert.Error(t, st.Set(context.Background(), KindNote, "", []byte("1")))
	})
}

func TestStore_ChangeNotification(t *testing.T) {
	eachBackend(t, func(t *testing.T, open func(int64) Store) {
		ctx := context.Background()
		st := open(0)
		rec := &recorder{}
		unsub := st.OnChange(rec.change)

		require.NoError(t, st.Set(ctx, KindNote, "acme", []byte(`"call back"`)))
		require.NoError(t, st.AppendActivity(ctx, account.AccountStatus{CompanyID: "acme", Status: account.StatusContacted}))
		require.NoError(t, st.Clear(ctx))

		unsub()
		require.NoError(t, st.Set(ctx, KindNote, "acme", []byte(`"ignored"`)))

		rec.mu.Lock()
		defer rec.mu.Unlock()
		require.Len(t, rec.changes, 3)
		assert.Equal(t, "note", rec.changes[0].Kind)
		assert.Equal(t, "acme", rec.changes[0].ID)
		assert.Equal(t, "activity", rec.changes[1].Kind)
		assert.Equal(t, "clear", rec.changes[2].Kind)
	})
}

func TestStore_CapacityExceeded(t *testing.T) {
	eachBackend(t, func(t *testing.T, open func(int64) Store) {
		ctx := context.Background()
		st := open(20)
		rec := &recorder{}
		st.OnCapacityExceeded(rec.full)
		st.OnChange(rec.change)

		require.NoError(t, st.Set(ctx, KindScore, "a", []byte("0123456789")))
		// Overwriting in place counts only the new value.
		require.NoError(t, st.Set(ctx, KindScore, "a", []byte("0123456789abcdef")))

		err := st.Set(ctx, KindScore, "b", []byte("0123456789"))
		require.ErrorIs(t, err, ErrCapacityExceeded)

		_, err = st.Get(ctx, KindScore, "b")
		require.ErrorIs(t, err, ErrNotFound)

		rec.mu.Lock()
		defer rec.mu.Unlock()
		require.Len(t, rec.capacity, 1)
		assert.Equal(t, bus.CapacityEvent{Kind: "score", ID: "b", Size: 26, Limit: 20}, rec.capacity[0])
		assert.Len(t, rec.changes, 2, "refused write must not notify")
	})
}

func TestStore_CapacitySubscriberCanEvict(t *testing.T) {
	eachBackend(t, func(t *testing.T, open func(int64) Store) {
		ctx := context.Background()
		st := open(10)
		require.NoError(t, st.Set(ctx, KindScore, "old", []byte("01234567")))

		evicted := make(chan error, 1)
		st.OnCapacityExceeded(func(bus.CapacityEvent) {
			if _, err := st.Get(ctx, KindScore, "old"); err != nil {
				evicted <- err
				return
			}
			evicted <- st.Clear(ctx)
		})

		done := make(chan error, 1)
		go func() { done <- st.Set(ctx, KindScore, "new", []byte("0123456789abc")) }()

		select {
		case err := <-done:
			require.ErrorIs(t, err, ErrCapacityExceeded)
		case <-time.After(3 * time.Second):
			t.Fatal("Set blocked while a capacity subscriber used the store")
		}
		require.NoError(t, <-evicted)

		_, err := st.Get(ctx, KindScore, "old")
		require.ErrorIs(t, err, ErrNotFound)
		require.NoError(t, st.Set(ctx, KindScore, "new", []byte("0123")))
	})
}

func TestStore_ActivityCapNewestFirst(t *testing.T) {
	eachBackend(t, func(t *testing.T, open func(int64) Store) {
		ctx := context.Background()
		st := open(0)
		base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
		for i := 0; i < ActivityLimit+7; i++ {
			require.NoError(t, st.AppendActivity(ctx, account.AccountStatus{
				ID:        fmt.Sprintf("ev-%d", i),
				CompanyID: fmt.Sprintf("c-%d", i),
				Status:    account.StatusContacted,
				UpdatedAt: base.Add(time.Duration(i) * time.Minute),
			}))
		}

		all, err := st.Activity(ctx, 0)
		require.NoError(t, err)
		require.Len(t, all, ActivityLimit)
		assert.Equal(t, "c-56", all[0].CompanyID)
		assert.Equal(t, "ev-56", all[0].ID)
		assert.Equal(t, "c-7", all[len(all)-1].CompanyID)
		assert.True(t, all[0].UpdatedAt.Equal(base.Add(56*time.Minute)))

		recent, err := st.Activity(ctx, 3)
		require.NoError(t, err)
		require.Len(t, recent, 3)
		assert.Equal(t, "c-54", recent[2].CompanyID)
	})
}

func TestSQLite_Persists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "p.db")

	first, err := OpenSQLite(path, nil, 0, nil)
	require.NoError(t, err)
	require.NoError(t, first.Set(ctx, KindEmail, "acme", []byte(`{"subject":"hi"}`)))
	require.NoError(t, first.AppendActivity(ctx, account.AccountStatus{CompanyID: "acme", Status: account.StatusReplied}))
	require.NoError(t, first.Close())

	second, err := OpenSQLite(path, nil, 0, nil)
	require.NoError(t, err)
	defer second.Close()
	got, err := second.Get(ctx, KindEmail, "acme")
	require.NoError(t, err)
	assert.JSONEq(t, `{"subject":"hi"}`, string(got))
	act, err := second.Activity(ctx, 0)
	require.NoError(t, err)
	require.Len(t, act, 1)
	assert.Equal(t, account.StatusReplied, act[0].Status)
}

func TestMemory_ClosedAndCanceled(t *testing.T) {
	st := NewMemory(nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, errors.Is(st.Set(ctx, KindNote, "a", []byte(`"x"`)), context.Canceled))

	require.NoError(t, st.Close())
	_, err := st.Get(context.Background(), KindNote, "a")
	assert.ErrorIs(t, err, ErrClosed)
}
