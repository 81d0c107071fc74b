// Package detect implements the detection engine: rule evaluators, the
// per-user feature builder and the orchestrator that turns candidates into
// persisted anomalies inside a single transaction.
package detect

import (
	"context"
	"math"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nelssec/ueba/internal/config"
	"github.com/nelssec/ueba/internal/geo"
	"github.com/nelssec/ueba/internal/models"
	"github.com/nelssec/ueba/internal/store"
)

// Candidate is an unpersisted detection result. DetectedAt may be zero, in
// which case the orchestrator stamps evaluation time; rules that can
// back-date to a precise event time set it themselves.
type Candidate struct {
	UserID     int64
	TypeCode   string
	Score      float64
	Risk       float64
	Confidence float64
	DetectedAt time.Time
	Evidence   models.JSONB
}

// EventReader is the windowed-aggregate surface rules read through. The
// queries run against the supplied ExtContext so they stay inside the run
// transaction. *store.Store satisfies it.
type EventReader interface {
	AfterHoursCounts(ctx context.Context, q sqlx.ExtContext, openStart, openEnd int) ([]store.UserCount, error)
	FailedLoginCounts(ctx context.Context, q sqlx.ExtContext, window time.Duration, minCount int) ([]store.UserCount, error)
	RecentLogins(ctx context.Context, q sqlx.ExtContext, window time.Duration, maxPerUser int) ([]store.LoginEvent, error)
	UserFeatures(ctx context.Context, q sqlx.ExtContext, window time.Duration) ([]models.FeatureRow, error)
}

// Locator resolves an IP to an approximate location. *geo.Resolver
// satisfies it; tests substitute fixed tables.
type Locator interface {
	Locate(ip string) (geo.Location, bool)
}

// RunContext carries everything a rule may touch during one evaluation.
// Rules hold no state of their own across calls.
type RunContext struct {
	Tx     sqlx.ExtContext
	Events EventReader
	Geo    Locator
	Cfg    config.DetectionConfig
}

// Rule is a stateless detector. Run reads through the event store adapter
// and emits candidates whose TypeCode equals Name().
type Rule interface {
	Name() string
	Run(ctx context.Context, rc *RunContext) ([]Candidate, error)
}

// Registry holds rule evaluators in stable registration order.
type Registry struct {
	order []string
	rules map[string]Rule
}

func NewRegistry() *Registry {
	return &Registry{rules: make(map[string]Rule)}
}

func (r *Registry) Register(rule Rule) {
	name := rule.Name()
	if _, exists := r.rules[name]; !exists {
		r.order = append(r.order, name)
	}
	r.rules[name] = rule
}

func (r *Registry) Get(name string) (Rule, bool) {
	rule, ok := r.rules[name]
	return rule, ok
}

// Select returns the rules to run, in registration order. A nil or empty
// selection means all registered rules; names that match no rule are
// ignored here (they may name a model detector instead).
func (r *Registry) Select(enabled []string) []Rule {
	if len(enabled) == 0 {
		out := make([]Rule, 0, len(r.order))
		for _, name := range r.order {
			out = append(out, r.rules[name])
		}
		return out
	}

	requested := make(map[string]bool, len(enabled))
	for _, name := range enabled {
		requested[name] = true
	}

	var out []Rule
	for _, name := range r.order {
		if requested[name] {
			out = append(out, r.rules[name])
		}
	}
	return out
}

func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// DefaultRegistry wires the production rule set.
func DefaultRegistry() *Registry {
	reg := NewRegistry()
	reg.Register(AfterHoursRule{})
	reg.Register(FailedLoginsRule{})
	reg.Register(ImpossibleTravelRule{})
	return reg
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
