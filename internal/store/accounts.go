package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stellarlinkco/prospector/internal/account"
)

// RecentLimit is how many activity entries RecentActivity returns.
const RecentLimit = 10

// Accounts is the typed view over a Store used by the pipeline and the API.
type Accounts struct {
	st    Store
	now   func() time.Time
	newID func() string
}

func NewAccounts(st Store) *Accounts {
	return &Accounts{st: st, now: time.Now, newID: uuid.NewString}
}

// Store exposes the underlying store for subscriptions.
func (a *Accounts) Store() Store { return a.st }

// Snapshot is every stored record, keyed by company id.
type Snapshot struct {
	Scores   map[string]account.DriveScore    `json:"scores"`
	Emails   map[string]account.OutboundEmail `json:"emails"`
	Statuses map[string]account.AccountStatus `json:"statuses"`
	Notes    map[string]string                `json:"notes"`
	Activity []account.AccountStatus          `json:"activity"`
}

func getJSON[T any](ctx context.Context, st Store, kind Kind, id string) (T, bool, error) {
	var v T
	raw, err := st.Get(ctx, kind, id)
	if errors.Is(err, ErrNotFound) {
		return v, false, nil
	}
	if err != nil {
		return v, false, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false, fmt.Errorf("decode %s/%s: %w", kind, id, err)
	}
	return v, true, nil
}

func setJSON(ctx context.Context, st Store, kind Kind, id string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", kind, id, err)
	}
	return st.Set(ctx, kind, id, raw)
}

// listJSON skips records that no longer decode rather than failing the whole view.
func listJSON[T any](ctx context.Context, st Store, kind Kind) (map[string]T, error) {
	raw, err := st.List(ctx, kind)
	if err != nil {
		return nil, err
	}
	out := make(map[string]T, len(raw))
	for id, b := range raw {
		var v T
		if json.Unmarshal(b, &v) == nil {
			out[id] = v
		}
	}
	return out, nil
}

func (a *Accounts) Score(ctx context.Context, id string) (account.DriveScore, bool, error) {
	return getJSON[account.DriveScore](ctx, a.st, KindScore, id)
}

func (a *Accounts) SaveScore(ctx context.Context, id string, s account.DriveScore) error {
	return setJSON(ctx, a.st, KindScore, id, s)
}

func (a *Accounts) Scores(ctx context.Context) (map[string]account.DriveScore, error) {
	return listJSON[account.DriveScore](ctx, a.st, KindScore)
}

func (a *Accounts) Email(ctx context.Context, id string) (account.OutboundEmail, bool, error) {
	return getJSON[account.OutboundEmail](ctx, a.st, KindEmail, id)
}

func (a *Accounts) SaveEmail(ctx context.Context, id string, e account.OutboundEmail) error {
	return setJSON(ctx, a.st, KindEmail, id, e)
}

// Status returns the stored status, or an implicit queued record.
func (a *Accounts) Status(ctx context.Context, id string) (account.AccountStatus, error) {
	st, ok, err := getJSON[account.AccountStatus](ctx, a.st, KindStatus, id)
	if err != nil {
		return account.AccountStatus{}, err
	}
	if !ok {
		return account.AccountStatus{CompanyID: id, Status: account.StatusQueued}, nil
	}
	return st, nil
}

func (a *Accounts) Statuses(ctx context.Context) (map[string]account.AccountStatus, error) {
	return listJSON[account.AccountStatus](ctx, a.st, KindStatus)
}

// SetStatus overwrites the company's status and appends the change to the
// activity log. A zero UpdatedAt is stamped with the current time.
func (a *Accounts) SetStatus(ctx context.Context, st account.AccountStatus) (account.AccountStatus, error) {
	if !st.Status.Valid() {
		return account.AccountStatus{}, fmt.Errorf("invalid status %q", st.Status)
	}
	if st.CompanyID == "" {
		return account.AccountStatus{}, errors.New("status: empty company id")
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = a.now()
	}
	st.ID = a.newID()
	if err := setJSON(ctx, a.st, KindStatus, st.CompanyID, st); err != nil {
		return st, err
	}
	if err := a.st.AppendActivity(ctx, st); err != nil {
		return st, fmt.Errorf("record activity: %w", err)
	}
	return st, nil
}

// Note returns "" when none is stored.
func (a *Accounts) Note(ctx context.Context, id string) (string, error) {
	n, _, err := getJSON[string](ctx, a.st, KindNote, id)
	return n, err
}

func (a *Accounts) SaveNote(ctx context.Context, id, note string) error {
	return setJSON(ctx, a.st, KindNote, id, note)
}

// RecentActivity returns the newest RecentLimit activity entries.
func (a *Accounts) RecentActivity(ctx context.Context) ([]account.AccountStatus, error) {
	return a.st.Activity(ctx, RecentLimit)
}

// Snapshot reads every record family and the full activity log.
func (a *Accounts) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	var err error
	if snap.Scores, err = a.Scores(ctx); err != nil {
		return snap, err
	}
	if snap.Emails, err = listJSON[account.OutboundEmail](ctx, a.st, KindEmail); err != nil {
		return snap, err
	}
	if snap.Statuses, err = a.Statuses(ctx); err != nil {
		return snap, err
	}
	if snap.Notes, err = listJSON[string](ctx, a.st, KindNote); err != nil {
		return snap, err
	}
	if snap.Activity, err = a.st.Activity(ctx, ActivityLimit); err != nil {
		return snap, err
	}
	return snap, nil
}

// ClearAll removes every record and the activity log.
func (a *Accounts) ClearAll(ctx context.Context) error {
	return a.st.Clear(ctx)
}
