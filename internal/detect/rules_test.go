package detect

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nelssec/ueba/internal/config"
	"github.com/nelssec/ueba/internal/geo"
	"github.com/nelssec/ueba/internal/models"
	"github.com/nelssec/ueba/internal/store"
)

// fakeEvents satisfies EventReader with canned aggregates.
type fakeEvents struct {
	afterHours []store.UserCount
	failed     []store.UserCount
	logins     []store.LoginEvent
	features   []models.FeatureRow
	err        error
}

func (f *fakeEvents) AfterHoursCounts(ctx context.Context, q sqlx.ExtContext, openStart, openEnd int) ([]store.UserCount, error) {
	return f.afterHours, f.err
}

func (f *fakeEvents) FailedLoginCounts(ctx context.Context, q sqlx.ExtContext, window time.Duration, minCount int) ([]store.UserCount, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]store.UserCount, 0, len(f.failed))
	for _, c := range f.failed {
		if c.Count >= minCount {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeEvents) RecentLogins(ctx context.Context, q sqlx.ExtContext, window time.Duration, maxPerUser int) ([]store.LoginEvent, error) {
	return f.logins, f.err
}

func (f *fakeEvents) UserFeatures(ctx context.Context, q sqlx.ExtContext, window time.Duration) ([]models.FeatureRow, error) {
	return f.features, f.err
}

// fakeLocator resolves only the IPs in its table.
type fakeLocator map[string]geo.Location

func (f fakeLocator) Locate(ip string) (geo.Location, bool) {
	loc, ok := f[ip]
	return loc, ok
}

func testConfig() config.DetectionConfig {
	return config.DetectionConfig{
		OpenHour:             8,
		CloseHour:            18,
		FailedLoginThreshold: 3,
		FailedLoginWindow:    24 * time.Hour,
		TravelWindow:         48 * time.Hour,
		MaxLoginsPerUser:     500,
		SpeedThresholdKmph:   900,
		SubnetFallback:       30 * time.Minute,
		FeatureWindow:        24 * time.Hour,
		RunTimeout:           time.Minute,
	}
}

func newRunContext(events EventReader, locator Locator) *RunContext {
	if locator == nil {
		locator = fakeLocator{}
	}
	return &RunContext{Events: events, Geo: locator, Cfg: testConfig()}
}

func TestAfterHoursRule(t *testing.T) {
	events := &fakeEvents{afterHours: []store.UserCount{
		{UserID: 1, Count: 5},
		{UserID: 2, Count: 10},
		{UserID: 3, Count: 25},
		{UserID: 4, Count: 0},
	}}

	cands, err := AfterHoursRule{}.Run(context.Background(), newRunContext(events, nil))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(cands) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(cands))
	}

	// score = min(1, count/10)
	wantScores := []float64{0.5, 1.0, 1.0}
	wantRisks := []float64{50.0, 80.0, 80.0}
	for i, c := range cands {
		if c.TypeCode != "after_hours" {
			t.Errorf("candidate %d: type = %q", i, c.TypeCode)
		}
		if c.Score != wantScores[i] {
			t.Errorf("candidate %d: score = %v, want %v", i, c.Score, wantScores[i])
		}
		if c.Risk != wantRisks[i] {
			t.Errorf("candidate %d: risk = %v, want %v", i, c.Risk, wantRisks[i])
		}
		if c.Confidence != 0.6 {
			t.Errorf("candidate %d: confidence = %v, want 0.6", i, c.Confidence)
		}
		if !c.DetectedAt.IsZero() {
			t.Errorf("candidate %d: expected zero DetectedAt for orchestrator stamping", i)
		}
	}

	if v, ok := cands[0].Evidence["violations"]; !ok || v != 5 {
		t.Errorf("evidence violations = %v, want 5", v)
	}

	// More violations never score lower.
	if cands[0].Score > cands[1].Score {
		t.Error("score not monotonic in violation count")
	}
}

func TestAfterHoursRuleError(t *testing.T) {
	events := &fakeEvents{err: errors.New("boom")}
	if _, err := (AfterHoursRule{}).Run(context.Background(), newRunContext(events, nil)); err == nil {
		t.Fatal("expected query error to propagate")
	}
}

func TestFailedLoginsRule(t *testing.T) {
	events := &fakeEvents{failed: []store.UserCount{
		{UserID: 1, Count: 2},  // below threshold, filtered by the aggregate
		{UserID: 2, Count: 3},  // at threshold
		{UserID: 3, Count: 6},  // double threshold caps score
		{UserID: 4, Count: 12}, // stays capped
	}}

	cands, err := FailedLoginsRule{}.Run(context.Background(), newRunContext(events, nil))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(cands) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(cands))
	}

	wantScores := []float64{0.5, 1.0, 1.0}
	wantRisks := []float64{53.0, 88.0, 88.0}
	for i, c := range cands {
		if c.TypeCode != "failed_logins" {
			t.Errorf("candidate %d: type = %q", i, c.TypeCode)
		}
		if c.Score != wantScores[i] {
			t.Errorf("candidate %d: score = %v, want %v", i, c.Score, wantScores[i])
		}
		if c.Risk != wantRisks[i] {
			t.Errorf("candidate %d: risk = %v, want %v", i, c.Risk, wantRisks[i])
		}
		if c.Confidence != 0.7 {
			t.Errorf("candidate %d: confidence = %v, want 0.7", i, c.Confidence)
		}
	}

	if v, ok := cands[0].Evidence["failed_logins_24h"]; !ok || v != 3 {
		t.Errorf("evidence failed_logins_24h = %v, want 3", v)
	}
}

func TestImpossibleTravelGeoPath(t *testing.T) {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	locator := fakeLocator{
		"198.51.100.1": {Lat: 40.7128, Lon: -74.0060, Country: "US"},
		"203.0.113.9":  {Lat: 51.5074, Lon: -0.1278, Country: "GB"},
		"198.51.100.2": {Lat: 40.7128, Lon: -74.0060, Country: "US"},
	}
	events := &fakeEvents{logins: []store.LoginEvent{
		{UserID: 1, Timestamp: base, SourceIP: "198.51.100.1"},
		{UserID: 1, Timestamp: base.Add(time.Hour), SourceIP: "203.0.113.9"},
		{UserID: 2, Timestamp: base, SourceIP: "198.51.100.1"},
		{UserID: 2, Timestamp: base.Add(time.Hour), SourceIP: "198.51.100.2"},
	}}

	cands, err := ImpossibleTravelRule{}.Run(context.Background(), newRunContext(events, locator))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(cands) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(cands))
	}

	c := cands[0]
	if c.UserID != 1 {
		t.Errorf("user = %d, want 1", c.UserID)
	}
	if c.TypeCode != "impossible_travel" {
		t.Errorf("type = %q", c.TypeCode)
	}
	if c.Score != 0.8 || c.Risk != 85.0 || c.Confidence != 0.75 {
		t.Errorf("score/risk/confidence = %v/%v/%v", c.Score, c.Risk, c.Confidence)
	}
	if !c.DetectedAt.Equal(base.Add(time.Hour)) {
		t.Errorf("DetectedAt = %v, want the later login time", c.DetectedAt)
	}
	speed, ok := c.Evidence["speed_kmph"].(float64)
	if !ok || speed < 5000 {
		t.Errorf("speed_kmph = %v, want > 5000", c.Evidence["speed_kmph"])
	}
	if c.Evidence["prev_country"] != "US" || c.Evidence["curr_country"] != "GB" {
		t.Errorf("countries = %v -> %v", c.Evidence["prev_country"], c.Evidence["curr_country"])
	}
}

func TestImpossibleTravelSubnetFallback(t *testing.T) {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		logins []store.LoginEvent
		want   int
	}{
		{
			name: "subnet jump within window",
			logins: []store.LoginEvent{
				{UserID: 1, Timestamp: base, SourceIP: "10.0.0.1"},
				{UserID: 1, Timestamp: base.Add(10 * time.Minute), SourceIP: "10.0.5.1"},
			},
			want: 1,
		},
		{
			name: "subnet jump outside window",
			logins: []store.LoginEvent{
				{UserID: 1, Timestamp: base, SourceIP: "10.0.0.1"},
				{UserID: 1, Timestamp: base.Add(45 * time.Minute), SourceIP: "10.0.5.1"},
			},
			want: 0,
		},
		{
			name: "same subnet stays quiet",
			logins: []store.LoginEvent{
				{UserID: 1, Timestamp: base, SourceIP: "10.0.0.1"},
				{UserID: 1, Timestamp: base.Add(5 * time.Minute), SourceIP: "10.0.0.99"},
			},
			want: 0,
		},
		{
			name: "missing ip stays quiet",
			logins: []store.LoginEvent{
				{UserID: 1, Timestamp: base, SourceIP: ""},
				{UserID: 1, Timestamp: base.Add(5 * time.Minute), SourceIP: "10.0.5.1"},
			},
			want: 0,
		},
		{
			name: "single login never flags",
			logins: []store.LoginEvent{
				{UserID: 1, Timestamp: base, SourceIP: "10.0.0.1"},
			},
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := &fakeEvents{logins: tt.logins}
			cands, err := ImpossibleTravelRule{}.Run(context.Background(), newRunContext(events, nil))
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if len(cands) != tt.want {
				t.Fatalf("expected %d candidates, got %d", tt.want, len(cands))
			}
			if tt.want == 1 {
				if cands[0].Evidence["subnet_jump"] != true {
					t.Error("expected subnet_jump evidence")
				}
				if cands[0].Evidence["delta_minutes"] != 10 {
					t.Errorf("delta_minutes = %v, want 10", cands[0].Evidence["delta_minutes"])
				}
			}
		})
	}
}

func TestImpossibleTravelConsecutivePairsOnly(t *testing.T) {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	// Three logins: jump, then settle. Only the first pair flags.
	events := &fakeEvents{logins: []store.LoginEvent{
		{UserID: 7, Timestamp: base, SourceIP: "10.0.0.1"},
		{UserID: 7, Timestamp: base.Add(10 * time.Minute), SourceIP: "10.9.0.1"},
		{UserID: 7, Timestamp: base.Add(20 * time.Minute), SourceIP: "10.9.0.2"},
	}}

	cands, err := ImpossibleTravelRule{}.Run(context.Background(), newRunContext(events, nil))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(cands) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(cands))
	}
}

func TestRegistrySelect(t *testing.T) {
	reg := DefaultRegistry()

	t.Run("empty selection runs all in order", func(t *testing.T) {
		rules := reg.Select(nil)
		if len(rules) != 3 {
			t.Fatalf("expected 3 rules, got %d", len(rules))
		}
		want := []string{"after_hours", "failed_logins", "impossible_travel"}
		for i, rule := range rules {
			if rule.Name() != want[i] {
				t.Errorf("rule %d = %q, want %q", i, rule.Name(), want[i])
			}
		}
	})

	t.Run("subset keeps registration order", func(t *testing.T) {
		rules := reg.Select([]string{"impossible_travel", "after_hours"})
		if len(rules) != 2 {
			t.Fatalf("expected 2 rules, got %d", len(rules))
		}
		if rules[0].Name() != "after_hours" || rules[1].Name() != "impossible_travel" {
			t.Errorf("order = %q, %q", rules[0].Name(), rules[1].Name())
		}
	})

	t.Run("unknown names are ignored", func(t *testing.T) {
		rules := reg.Select([]string{"model_insider", "failed_logins"})
		if len(rules) != 1 || rules[0].Name() != "failed_logins" {
			t.Fatalf("expected only failed_logins, got %d rules", len(rules))
		}
	})
}
