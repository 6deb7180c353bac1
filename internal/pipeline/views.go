package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/stellarlinkco/prospector/internal/account"
	"github.com/stellarlinkco/prospector/internal/ranking"
	"github.com/stellarlinkco/prospector/internal/rotation"
	"github.com/stellarlinkco/prospector/internal/scoring"
)

// WeekWindow is how far back the weekly stats look.
const WeekWindow = 7 * 24 * time.Hour

// Worklist ranks the segment active on date.
func (s *Service) Worklist(ctx context.Context, date time.Time, filters ranking.Filters) (ranking.Result, error) {
	scores, err := s.accounts.Scores(ctx)
	if err != nil {
		return ranking.Result{}, fmt.Errorf("load scores: %w", err)
	}
	statuses, err := s.accounts.Statuses(ctx)
	if err != nil {
		return ranking.Result{}, fmt.Errorf("load statuses: %w", err)
	}
	return ranking.Rank(ranking.Input{
		Companies: s.catalog.Companies(),
		Segment:   s.schedule.ForDate(date),
		Scores:    scores,
		Statuses:  statuses,
		Filters:   filters,
		Now:       s.now(),
	}), nil
}

// DiscoverView is the heuristic-only look at a day's segment.
type DiscoverView struct {
	Rotation rotation.Segment  `json:"rotation"`
	Total    int               `json:"total"`
	TopFive  []account.Company `json:"topFive"`
	Accounts []ranking.Item    `json:"accounts"`
}

func (s *Service) Discover(date time.Time) DiscoverView {
	seg := s.schedule.ForDate(date)
	items := ranking.Discover(s.catalog.Companies(), seg)
	top := make([]account.Company, 0, ranking.PrioritySize)
	for i := 0; i < len(items) && i < ranking.PrioritySize; i++ {
		top = append(top, items[i].Company)
	}
	return DiscoverView{Rotation: seg, Total: len(items), TopFive: top, Accounts: items}
}

// StatusUpdate moves a catalog company to a new outreach state.
type StatusUpdate struct {
	CompanyID  string         `json:"companyId"`
	Status     account.Status `json:"status"`
	LastAction string         `json:"lastAction,omitempty"`
	Notes      string         `json:"notes,omitempty"`
}

func (s *Service) UpdateStatus(ctx context.Context, u StatusUpdate) (account.AccountStatus, error) {
	if _, err := s.catalog.Get(u.CompanyID); err != nil {
		return account.AccountStatus{}, err
	}
	return s.accounts.SetStatus(ctx, account.AccountStatus{
		CompanyID:  u.CompanyID,
		Status:     u.Status,
		LastAction: u.LastAction,
		Notes:      u.Notes,
		UpdatedAt:  s.now(),
	})
}

// WeeklyStats counts status changes logged within WeekWindow.
type WeeklyStats struct {
	Contacted     int `json:"contacted"`
	Replied       int `json:"replied"`
	MeetingBooked int `json:"meetingBooked"`
}

// Card is one company on the pipeline board.
type Card struct {
	Company   account.Company       `json:"company"`
	Status    account.AccountStatus `json:"status"`
	Score     int                   `json:"score"`
	Estimated bool                  `json:"estimated"`
}

type Column struct {
	Status account.Status `json:"status"`
	Cards  []Card         `json:"cards"`
}

// Board groups every catalog company by outreach status.
type Board struct {
	Columns []Column    `json:"columns"`
	Weekly  WeeklyStats `json:"weekly"`
}

// Board builds the pipeline view. A non-empty only keeps that one column.
func (s *Service) Board(ctx context.Context, only account.Status) (Board, error) {
	if only != "" && !only.Valid() {
		return Board{}, fmt.Errorf("invalid status %q", only)
	}
	statuses, err := s.accounts.Statuses(ctx)
	if err != nil {
		return Board{}, fmt.Errorf("load statuses: %w", err)
	}
	scores, err := s.accounts.Scores(ctx)
	if err != nil {
		return Board{}, fmt.Errorf("load scores: %w", err)
	}

	byStatus := make(map[account.Status][]Card, len(account.Statuses))
	for _, c := range s.catalog.Companies() {
		st, ok := statuses[c.ID]
		if !ok || st.Status == "" {
			st = account.AccountStatus{CompanyID: c.ID, Status: account.StatusQueued}
		}
		card := Card{Company: c, Status: st, Score: scoring.Estimate(c), Estimated: true}
		if cached, ok := scores[c.ID]; ok {
			card.Score = cached.Total
			card.Estimated = cached.Estimated
		}
		byStatus[st.Status] = append(byStatus[st.Status], card)
	}

	board := Board{}
	for _, st := range account.Statuses {
		if only != "" && st != only {
			continue
		}
		cards := byStatus[st]
		if cards == nil {
			cards = []Card{}
		}
		board.Columns = append(board.Columns, Column{Status: st, Cards: cards})
	}
	board.Weekly, err = s.Weekly(ctx)
	return board, err
}

// Weekly counts contacted, replied and booked changes in the activity log.
func (s *Service) Weekly(ctx context.Context) (WeeklyStats, error) {
	entries, err := s.accounts.Store().Activity(ctx, 0)
	if err != nil {
		return WeeklyStats{}, fmt.Errorf("load activity: %w", err)
	}
	cutoff := s.now().Add(-WeekWindow)
	var w WeeklyStats
	for _, e := range entries {
		if e.UpdatedAt.Before(cutoff) {
			continue
		}
		switch e.Status {
		case account.StatusContacted:
			w.Contacted++
		case account.StatusReplied:
			w.Replied++
		case account.StatusMeetingBooked:
			w.MeetingBooked++
		}
	}
	return w, nil
}

// Digest is the morning summary pushed to chat.
type Digest struct {
	Date     time.Time        `json:"date"`
	Segment  rotation.Segment `json:"segment"`
	Priority []ranking.Item   `json:"priority"`
	Total    int              `json:"total"`
	Overdue  int              `json:"overdue"`
	Weekly   WeeklyStats      `json:"weekly"`
}

func (s *Service) Digest(ctx context.Context, date time.Time) (Digest, error) {
	list, err := s.Worklist(ctx, date, ranking.Filters{})
	if err != nil {
		return Digest{}, err
	}
	weekly, err := s.Weekly(ctx)
	if err != nil {
		return Digest{}, err
	}
	d := Digest{Date: date, Segment: list.Segment, Priority: list.Priority, Weekly: weekly}
	for _, item := range list.All() {
		d.Total++
		if item.Overdue {
			d.Overdue++
		}
	}
	return d, nil
}
