// Package rotation maps each weekday to the account segment worked that day.
package rotation

import (
	"time"

	"github.com/stellarlinkco/prospector/internal/account"
)

// Segment is one weekday's slice of the account list. An empty Region matches
// any region and a zero MaxEmployees leaves the size range open above.
type Segment struct {
	Region       account.Region `json:"region,omitempty" yaml:"region,omitempty"`
	MinEmployees int            `json:"minEmployees" yaml:"min"`
	MaxEmployees int            `json:"maxEmployees,omitempty" yaml:"max,omitempty"`
	Label        string         `json:"label" yaml:"label"`
}

// Unbounded reports whether the segment has no upper size limit.
func (s Segment) Unbounded() bool { return s.MaxEmployees <= 0 }

// Contains reports whether the company falls in the segment: region match when
// one is set, and MinEmployees <= employees < MaxEmployees.
func (s Segment) Contains(c account.Company) bool {
	if s.Region != "" && c.Region != s.Region {
		return false
	}
	if c.EmployeeCount < s.MinEmployees {
		return false
	}
	return s.Unbounded() || c.EmployeeCount < s.MaxEmployees
}

// Schedule is indexed by time.Weekday.
type Schedule [7]Segment

var allAccounts = Segment{Label: "All Accounts"}

// DefaultSchedule is the standard weekly rotation. Weekends cover every account.
var DefaultSchedule = Schedule{
	time.Sunday:    allAccounts,
	time.Monday:    {Region: account.RegionNAM, MinEmployees: 100, MaxEmployees: 500, Label: "NAM Mid-Market"},
	time.Tuesday:   {Region: account.RegionNAM, MinEmployees: 500, Label: "NAM Enterprise"},
	time.Wednesday: {Region: account.RegionEMEA, MinEmployees: 100, MaxEmployees: 500, Label: "EMEA Mid-Market"},
	time.Thursday:  {Region: account.RegionNAM, MinEmployees: 50, MaxEmployees: 100, Label: "NAM Growth"},
	time.Friday:    {Region: account.RegionAPAC, MinEmployees: 100, MaxEmployees: 500, Label: "APAC Mid-Market"},
	time.Saturday:  allAccounts,
}

// ForDate returns the segment for t's weekday in t's own location.
func (s Schedule) ForDate(t time.Time) Segment {
	return s[t.Weekday()]
}

// ForDate looks t up in DefaultSchedule.
func ForDate(t time.Time) Segment {
	return DefaultSchedule.ForDate(t)
}

// Filter keeps the companies inside seg, preserving input order.
func Filter(companies []account.Company, seg Segment) []account.Company {
	out := make([]account.Company, 0, len(companies))
	for _, c := range companies {
		if seg.Contains(c) {
			out = append(out, c)
		}
	}
	return out
}
