package detect

import (
	"context"
	"fmt"
	"math"
)

// AfterHoursRule flags users with activity outside the business-hours band.
// The aggregate covers the full available history; ten or more violations
// saturate the score.
type AfterHoursRule struct{}

func (AfterHoursRule) Name() string { return "after_hours" }

func (r AfterHoursRule) Run(ctx context.Context, rc *RunContext) ([]Candidate, error) {
	counts, err := rc.Events.AfterHoursCounts(ctx, rc.Tx, rc.Cfg.OpenHour, rc.Cfg.CloseHour)
	if err != nil {
		return nil, fmt.Errorf("after_hours: %w", err)
	}

	out := make([]Candidate, 0, len(counts))
	for _, c := range counts {
		if c.Count <= 0 {
			continue
		}
		score := math.Min(1.0, float64(c.Count)/10.0)
		out = append(out, Candidate{
			UserID:     c.UserID,
			TypeCode:   r.Name(),
			Score:      score,
			Risk:       round2(100 * (0.6*score + 0.4*0.5)),
			Confidence: 0.6,
			Evidence:   map[string]interface{}{"violations": c.Count},
		})
	}
	return out, nil
}
