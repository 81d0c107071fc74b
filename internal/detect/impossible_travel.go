package detect

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/nelssec/ueba/internal/geo"
	"github.com/nelssec/ueba/internal/store"
)

// ImpossibleTravelRule walks each user's chronological login sequence and
// flags consecutive pairs whose implied travel velocity is implausible.
// When geolocation is unavailable for either endpoint it falls back to a
// subnet-jump heuristic: different /24 networks within a short window.
// Flagged candidates are back-dated to the later login's timestamp.
type ImpossibleTravelRule struct{}

func (ImpossibleTravelRule) Name() string { return "impossible_travel" }

func (r ImpossibleTravelRule) Run(ctx context.Context, rc *RunContext) ([]Candidate, error) {
	logins, err := rc.Events.RecentLogins(ctx, rc.Tx, rc.Cfg.TravelWindow, rc.Cfg.MaxLoginsPerUser)
	if err != nil {
		return nil, fmt.Errorf("impossible_travel: %w", err)
	}

	byUser := make(map[int64][]store.LoginEvent)
	var order []int64
	for _, l := range logins {
		if _, seen := byUser[l.UserID]; !seen {
			order = append(order, l.UserID)
		}
		byUser[l.UserID] = append(byUser[l.UserID], l)
	}

	var out []Candidate
	for _, userID := range order {
		seq := byUser[userID]
		if len(seq) < 2 {
			continue
		}

		prev := seq[0]
		prevLoc, prevOK := rc.Geo.Locate(prev.SourceIP)

		for _, curr := range seq[1:] {
			currLoc, currOK := rc.Geo.Locate(curr.SourceIP)

			if cand, flagged := r.evaluatePair(rc, userID, prev, prevLoc, prevOK, curr, currLoc, currOK); flagged {
				out = append(out, cand)
			}

			prev, prevLoc, prevOK = curr, currLoc, currOK
		}
	}
	return out, nil
}

func (r ImpossibleTravelRule) evaluatePair(
	rc *RunContext, userID int64,
	prev store.LoginEvent, prevLoc geo.Location, prevOK bool,
	curr store.LoginEvent, currLoc geo.Location, currOK bool,
) (Candidate, bool) {
	evidence := map[string]interface{}{
		"prev_ip": prev.SourceIP,
		"curr_ip": curr.SourceIP,
		"prev_ts": prev.Timestamp.Format(time.RFC3339),
		"curr_ts": curr.Timestamp.Format(time.RFC3339),
	}

	flagged := false
	if prevOK && currOK {
		speed, ok := geo.Velocity(prevLoc, prev.Timestamp, currLoc, curr.Timestamp)
		if ok && speed > rc.Cfg.SpeedThresholdKmph {
			flagged = true
			evidence["speed_kmph"] = round2(speed)
			evidence["prev_country"] = prevLoc.Country
			evidence["curr_country"] = currLoc.Country
		}
	} else {
		deltaMin := math.Abs(curr.Timestamp.Sub(prev.Timestamp).Minutes())
		if prev.SourceIP != "" && curr.SourceIP != "" &&
			!geo.SameSubnet24(prev.SourceIP, curr.SourceIP) &&
			deltaMin <= rc.Cfg.SubnetFallback.Minutes() {
			flagged = true
			evidence["delta_minutes"] = int(deltaMin)
			evidence["subnet_jump"] = true
		}
	}

	if !flagged {
		return Candidate{}, false
	}

	return Candidate{
		UserID:     userID,
		TypeCode:   r.Name(),
		Score:      0.8,
		Risk:       85.0,
		Confidence: 0.75,
		DetectedAt: curr.Timestamp,
		Evidence:   evidence,
	}, true
}
