package detect

import (
	"context"
	"fmt"
	"math"
)

// FailedLoginsRule flags users with repeated failed logins in the trailing
// window. Users below the threshold are filtered out by the aggregation
// query and never reach scoring.
type FailedLoginsRule struct{}

func (FailedLoginsRule) Name() string { return "failed_logins" }

func (r FailedLoginsRule) Run(ctx context.Context, rc *RunContext) ([]Candidate, error) {
	threshold := rc.Cfg.FailedLoginThreshold
	counts, err := rc.Events.FailedLoginCounts(ctx, rc.Tx, rc.Cfg.FailedLoginWindow, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed_logins: %w", err)
	}

	out := make([]Candidate, 0, len(counts))
	for _, c := range counts {
		// At the threshold the score is 0.5, doubling the threshold caps it.
		score := math.Min(1.0, float64(c.Count)/float64(threshold)*0.5)
		out = append(out, Candidate{
			UserID:     c.UserID,
			TypeCode:   r.Name(),
			Score:      score,
			Risk:       round2(100 * (0.7*score + 0.3*0.6)),
			Confidence: 0.7,
			Evidence:   map[string]interface{}{"failed_logins_24h": c.Count},
		})
	}
	return out, nil
}
