// Package scoring holds the network-free DRIVE estimate used wherever no model
// score exists, and the normalization applied to model scores.
package scoring

import (
	"regexp"

	"github.com/stellarlinkco/prospector/internal/account"
)

const (
	MinComponent = 1
	MaxComponent = 10

	// Low and High are the only two values a heuristic term can take.
	Low  = 6
	High = 8

	MinEstimate = 5 * Low
	MaxEstimate = 5 * High
)

var adSpendIndustry = regexp.MustCompile(`(?i)marketing|revenue|crm|sales|intent|demo`)

// Terms returns the five heuristic terms in DRIVE order.
func Terms(c account.Company) [5]int {
	return [5]int{
		pick(c.HasDemoPage()),
		pick(adSpendIndustry.MatchString(c.Industry)),
		pick(c.ProductCount() >= 3),
		pick(c.EmployeeCount >= 300),
		pick(c.HiringSignalCount() >= 2),
	}
}

// Estimate is the heuristic DRIVE total, always within [MinEstimate, MaxEstimate].
func Estimate(c account.Company) int {
	total := 0
	for _, term := range Terms(c) {
		total += Clamp(term)
	}
	return total
}

// EstimateScore expresses the heuristic as a full DriveScore marked Estimated.
func EstimateScore(c account.Company) account.DriveScore {
	t := Terms(c)
	s := account.DriveScore{
		Demo:             t[0],
		RealAdSpend:      t[1],
		IntricateRouting: t[2],
		Velocity:         t[3],
		Evidence:         t[4],
		Summary:          "Heuristic estimate from profile signals; generate a DRIVE score for a verified judgment.",
		Estimated:        true,
	}
	return Normalize(s)
}

func pick(high bool) int {
	if high {
		return High
	}
	return Low
}

// Clamp bounds a component to [MinComponent, MaxComponent].
func Clamp(v int) int {
	if v < MinComponent {
		return MinComponent
	}
	if v > MaxComponent {
		return MaxComponent
	}
	return v
}

// Normalize clamps every component and recomputes Total from them.
func Normalize(s account.DriveScore) account.DriveScore {
	s.Demo = Clamp(s.Demo)
	s.RealAdSpend = Clamp(s.RealAdSpend)
	s.IntricateRouting = Clamp(s.IntricateRouting)
	s.Velocity = Clamp(s.Velocity)
	s.Evidence = Clamp(s.Evidence)
	s.Total = s.Demo + s.RealAdSpend + s.IntricateRouting + s.Velocity + s.Evidence
	return s
}
