package rotation

import (
	"fmt"
	"strings"
)

// SizeBand is a named employee-count bucket used by worklist filters.
type SizeBand string

const (
	SizeAll        SizeBand = ""
	SizeEarly      SizeBand = "Early"
	SizeGrowth     SizeBand = "Growth"
	SizeMidMarket  SizeBand = "Mid-Market"
	SizeEnterprise SizeBand = "Enterprise"
)

// Contains uses the same half-open bounds as the rotation table.
func (b SizeBand) Contains(employees int) bool {
	switch b {
	case SizeAll:
		return true
	case SizeEarly:
		return employees < 50
	case SizeGrowth:
		return employees >= 50 && employees < 100
	case SizeMidMarket:
		return employees >= 100 && employees < 500
	case SizeEnterprise:
		return employees >= 500
	}
	return false
}

// BandOf names the bucket a headcount falls into.
func BandOf(employees int) SizeBand {
	switch {
	case employees >= 500:
		return SizeEnterprise
	case employees >= 100:
		return SizeMidMarket
	case employees >= 50:
		return SizeGrowth
	default:
		return SizeEarly
	}
}

// ParseSizeBand accepts the band names case-insensitively; "" and "all" mean no filter.
func ParseSizeBand(s string) (SizeBand, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return SizeAll, nil
	case "early":
		return SizeEarly, nil
	case "growth":
		return SizeGrowth, nil
	case "mid-market", "midmarket", "mid":
		return SizeMidMarket, nil
	case "enterprise":
		return SizeEnterprise, nil
	}
	return SizeAll, fmt.Errorf("unknown size band %q", s)
}
