package scoring

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/stellarlinkco/prospector/internal/account"
)

type wireScore struct {
	Demo             float64           `json:"demo"`
	RealAdSpend      float64           `json:"realAdSpend"`
	IntricateRouting float64           `json:"intricateRouting"`
	Velocity         float64           `json:"velocity"`
	Evidence         float64           `json:"evidence"`
	Reasoning        account.Reasoning `json:"reasoning"`
	TopPainSignal    string            `json:"topPainSignal"`
	Summary          string            `json:"summary"`
}

// DecodeScore reads a model answer into a DriveScore. Fractional components
// are rounded, then the score is normalized; the model's own total is ignored.
func DecodeScore(raw json.RawMessage) (account.DriveScore, error) {
	var w wireScore
	if err := json.Unmarshal(raw, &w); err != nil {
		return account.DriveScore{}, fmt.Errorf("decode drive score: %w", err)
	}
	return Normalize(account.DriveScore{
		Demo:             round(w.Demo),
		RealAdSpend:      round(w.RealAdSpend),
		IntricateRouting: round(w.IntricateRouting),
		Velocity:         round(w.Velocity),
		Evidence:         round(w.Evidence),
		Reasoning:        w.Reasoning,
		TopPainSignal:    w.TopPainSignal,
		Summary:          w.Summary,
	}), nil
}

func round(v float64) int {
	if math.IsNaN(v) {
		return MinComponent
	}
	r := math.Round(v)
	if r > MaxComponent {
		return MaxComponent
	}
	if r < MinComponent {
		return MinComponent
	}
	return int(r)
}
