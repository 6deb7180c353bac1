// Package ranking orders a day's accounts by DRIVE score, preferring stored
// model scores and falling back to the heuristic estimate.
package ranking

import (
	"sort"
	"time"

	"github.com/stellarlinkco/prospector/internal/account"
	"github.com/stellarlinkco/prospector/internal/rotation"
	"github.com/stellarlinkco/prospector/internal/scoring"
)

const (
	// PrioritySize is how many queued accounts lead the worklist.
	PrioritySize = 5
	// OverdueAfter is how long a queued account may sit untouched.
	OverdueAfter = 48 * time.Hour
)

// Filters narrow the rotation segment further. Zero values match everything.
type Filters struct {
	Region account.Region    `json:"region,omitempty"`
	Size   rotation.SizeBand `json:"size,omitempty"`
	Status account.Status    `json:"status,omitempty"`
}

func (f Filters) match(c account.Company, st account.Status) bool {
	if f.Region != "" && c.Region != f.Region {
		return false
	}
	if !f.Size.Contains(c.EmployeeCount) {
		return false
	}
	return f.Status == "" || st == f.Status
}

// Item is one ranked account.
type Item struct {
	Company   account.Company `json:"company"`
	Score     int             `json:"score"`
	Estimated bool            `json:"estimated"`
	Status    account.Status  `json:"status"`
	Overdue   bool            `json:"overdue"`
}

// Result is the partitioned worklist.
type Result struct {
	Segment   rotation.Segment `json:"segment"`
	Priority  []Item           `json:"priority"`
	Remaining []Item           `json:"remaining"`
}

// All returns every ranked item in score order.
func (r Result) All() []Item {
	out := make([]Item, 0, len(r.Priority)+len(r.Remaining))
	out = append(out, r.Priority...)
	return append(out, r.Remaining...)
}

// Input is everything Rank reads. Now anchors the overdue check.
type Input struct {
	Companies []account.Company
	Segment   rotation.Segment
	Scores    map[string]account.DriveScore
	Statuses  map[string]account.AccountStatus
	Filters   Filters
	Now       time.Time
}

// Rank filters by segment then by Filters, resolves a score for each
// survivor, sorts descending with ties kept in input order, and moves the
// first PrioritySize queued items into Priority. Both lists stay in score order.
func Rank(in Input) Result {
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}

	var items []Item
	for _, c := range rotation.Filter(in.Companies, in.Segment) {
		st := account.StatusOf(in.Statuses, c.ID)
		if !in.Filters.match(c, st) {
			continue
		}
		item := Item{Company: c, Status: st, Overdue: overdue(in.Statuses, c.ID, now)}
		if cached, ok := in.Scores[c.ID]; ok {
			item.Score = cached.Total
			item.Estimated = cached.Estimated
		} else {
			item.Score = scoring.Estimate(c)
			item.Estimated = true
		}
		items = append(items, item)
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Score > items[j].Score
	})

	res := Result{Segment: in.Segment, Priority: []Item{}, Remaining: []Item{}}
	for _, item := range items {
		if item.Status == account.StatusQueued && len(res.Priority) < PrioritySize {
			res.Priority = append(res.Priority, item)
			continue
		}
		res.Remaining = append(res.Remaining, item)
	}
	return res
}

// Discover orders the segment by heuristic estimate alone, ignoring stored scores.
func Discover(companies []account.Company, seg rotation.Segment) []Item {
	items := make([]Item, 0, len(companies))
	for _, c := range rotation.Filter(companies, seg) {
		items = append(items, Item{Company: c, Score: scoring.Estimate(c), Estimated: true, Status: account.StatusQueued})
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Score > items[j].Score
	})
	return items
}

func overdue(statuses map[string]account.AccountStatus, id string, now time.Time) bool {
	st, ok := statuses[id]
	if !ok {
		return true
	}
	if account.StatusOf(statuses, id) != account.StatusQueued {
		return false
	}
	return st.UpdatedAt.IsZero() || now.Sub(st.UpdatedAt) > OverdueAfter
}
