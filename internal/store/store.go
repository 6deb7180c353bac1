// Package store persists one record per (kind, company id) plus a capped
// activity log, and signals changes and capacity refusals to subscribers.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/stellarlinkco/prospector/internal/account"
	"github.com/stellarlinkco/prospector/internal/bus"
)

// Kind names a record family.
type Kind string

const (
	KindScore  Kind = "score"
	KindEmail  Kind = "email"
	KindStatus Kind = "status"
	KindNote   Kind = "note"

	// KindActivity and KindClear only appear in change notifications.
	KindActivity Kind = "activity"
	KindClear    Kind = "clear"
)

// Kinds lists the record families, in the order ClearAll removes them.
var Kinds = []Kind{KindScore, KindEmail, KindStatus, KindNote}

// ActivityLimit caps the activity log; older entries are dropped.
const ActivityLimit = 50

var (
	ErrNotFound         = errors.New("store: record not found")
	ErrCapacityExceeded = errors.New("store: capacity exceeded")
	ErrClosed           = errors.New("store: closed")
)

// Store is the persistence collaborator of the scoring pipeline. Writes are
// whole-value overwrites; the last writer wins.
type Store interface {
	Get(ctx context.Context, kind Kind, id string) ([]byte, error)
	Set(ctx context.Context, kind Kind, id string, value []byte) error
	Delete(ctx context.Context, kind Kind, id string) error
	List(ctx context.Context, kind Kind) (map[string][]byte, error)
	Clear(ctx context.Context) error

	// AppendActivity records an entry at the head of the log.
	AppendActivity(ctx context.Context, entry account.AccountStatus) error
	// Activity returns up to limit entries, newest first. limit <= 0 means all.
	Activity(ctx context.Context, limit int) ([]account.AccountStatus, error)

	OnChange(fn func(bus.Change)) (unsubscribe func())
	OnCapacityExceeded(fn func(bus.CapacityEvent)) (unsubscribe func())

	Close() error
}

// notifier is shared by the backends for subscription and the size limit.
type notifier struct {
	hub      *bus.Hub
	maxBytes int64
}

func newNotifier(hub *bus.Hub, maxBytes int64) notifier {
	if hub == nil {
		hub = bus.NewHub()
	}
	return notifier{hub: hub, maxBytes: maxBytes}
}

func (n notifier) OnChange(fn func(bus.Change)) func() { return n.hub.OnChange(fn) }

func (n notifier) OnCapacityExceeded(fn func(bus.CapacityEvent)) func() {
	return n.hub.OnCapacityExceeded(fn)
}

func (n notifier) changed(kind Kind, id string) {
	n.hub.PublishChange(bus.Change{Kind: string(kind), ID: id})
}

// admit checks a write that would bring the stored total to size bytes.
// A non-nil event means the write is refused; callers hand it to refuse
// after releasing their own lock.
func (n notifier) admit(kind Kind, id string, size int64) *bus.CapacityEvent {
	if n.maxBytes <= 0 || size <= n.maxBytes {
		return nil
	}
	return &bus.CapacityEvent{Kind: string(kind), ID: id, Size: size, Limit: n.maxBytes}
}

func (n notifier) refuse(ev *bus.CapacityEvent) error {
	n.hub.PublishCapacity(*ev)
	return fmt.Errorf("%w: %s/%s needs %d of %d bytes", ErrCapacityExceeded, ev.Kind, ev.ID, ev.Size, ev.Limit)
}

func validKey(kind Kind, id string) error {
	switch kind {
	case KindScore, KindEmail, KindStatus, KindNote:
	default:
		return fmt.Errorf("store: unknown kind %q", kind)
	}
	if id == "" {
		return errors.New("store: empty id")
	}
	return nil
}
