package detect

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nelssec/ueba/internal/config"
	"github.com/nelssec/ueba/internal/models"
	"github.com/nelssec/ueba/internal/scoring"
)

// Store is the persistence surface a detection run drives: the windowed
// aggregates rules read, plus the transaction boundary, type resolution,
// batch insert and risk fold on the write side. *store.Store satisfies it.
type Store interface {
	EventReader
	WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error
	ResolveAnomalyTypeID(ctx context.Context, q sqlx.ExtContext, code string) (int64, error)
	InsertAnomalies(ctx context.Context, q sqlx.ExtContext, anomalies []models.Anomaly) (int, error)
	BumpUserRisk(ctx context.Context, q sqlx.ExtContext, userID int64, risk float64) error
}

// Service composes rule evaluators and scoring-model detectors into one
// detection run with a single commit boundary: either every anomaly the run
// produced becomes visible, or none do.
type Service struct {
	store    Store
	registry *Registry
	detector map[string]*scoring.Detector
	modelIDs []string
	geo      Locator
	cfg      config.DetectionConfig
	logger   *slog.Logger
}

func NewService(st Store, registry *Registry, geoResolver Locator, cfg config.DetectionConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    st,
		registry: registry,
		detector: make(map[string]*scoring.Detector),
		geo:      geoResolver,
		cfg:      cfg,
		logger:   logger,
	}
}

// RegisterModel adds a scoring-model detector. Models never run by default;
// a run includes one only when its identifier is explicitly requested.
func (s *Service) RegisterModel(d *scoring.Detector) {
	if _, exists := s.detector[d.Name()]; !exists {
		s.modelIDs = append(s.modelIDs, d.Name())
	}
	s.detector[d.Name()] = d
}

// Detectors lists every runnable detector identifier, rules first.
func (s *Service) Detectors() []string {
	return append(s.registry.Names(), s.modelIDs...)
}

// Run executes one detection run over the selected detectors and returns
// the number of anomalies created. An empty selection runs all rule
// evaluators and no models. Rules run first in registry order, then the
// requested models; all candidates are persisted and folded into user risk
// in one transaction.
func (s *Service) Run(ctx context.Context, enabled []string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()

	started := time.Now()
	rules := s.registry.Select(enabled)
	modelNames := s.selectModels(enabled)

	created := 0
	err := s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		rc := &RunContext{Tx: tx, Events: s.store, Geo: s.geo, Cfg: s.cfg}

		var candidates []Candidate
		for _, rule := range rules {
			ruleStart := time.Now()
			cands, err := rule.Run(ctx, rc)
			if err != nil {
				return fmt.Errorf("running rule %s: %w", rule.Name(), err)
			}
			s.logger.Info("rule evaluated",
				"rule", rule.Name(),
				"candidates", len(cands),
				"duration", time.Since(ruleStart))
			candidates = append(candidates, cands...)
		}

		if len(modelNames) > 0 {
			modelCands, err := s.runModels(ctx, rc, modelNames)
			if err != nil {
				return err
			}
			candidates = append(candidates, modelCands...)
		}

		if len(candidates) == 0 {
			return nil
		}

		anomalies, err := s.toAnomalies(ctx, tx, candidates)
		if err != nil {
			return err
		}

		n, err := s.store.InsertAnomalies(ctx, tx, anomalies)
		if err != nil {
			return err
		}

		for _, a := range anomalies {
			if err := s.store.BumpUserRisk(ctx, tx, a.UserID, a.Risk); err != nil {
				return err
			}
		}

		created = n
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info("detection run complete",
		"created", created,
		"rules", len(rules),
		"models", len(modelNames),
		"duration", time.Since(started))

	return created, nil
}

// selectModels returns explicitly requested model identifiers in
// registration order. Unknown names are ignored: they either matched a rule
// already or name a detector this deployment does not carry.
func (s *Service) selectModels(enabled []string) []string {
	if len(enabled) == 0 {
		return nil
	}
	requested := make(map[string]bool, len(enabled))
	for _, name := range enabled {
		requested[name] = true
	}
	var out []string
	for _, name := range s.modelIDs {
		if requested[name] {
			out = append(out, name)
		}
	}
	return out
}

// runModels builds the shared feature rows once and scores them with each
// requested detector. A detector whose artifact is missing is skipped; a
// detector whose inference fails loses its own candidates but does not
// abort the run.
func (s *Service) runModels(ctx context.Context, rc *RunContext, names []string) ([]Candidate, error) {
	rows, err := FeatureBuilder{}.Build(ctx, rc)
	if err != nil {
		return nil, err
	}

	var out []Candidate
	for _, name := range names {
		d := s.detector[name]
		if !d.Available() {
			s.logger.Warn("model artifact not found, skipping detector", "detector", name)
			continue
		}

		results, err := d.Score(rows)
		if err != nil {
			s.logger.Error("model inference failed, discarding detector candidates",
				"detector", name, "error", err)
			continue
		}

		for _, res := range results {
			out = append(out, Candidate{
				UserID:     res.UserID,
				TypeCode:   name,
				Score:      res.Probability,
				Risk:       res.Risk,
				Confidence: res.Confidence,
				Evidence:   res.Evidence,
			})
		}
		s.logger.Info("model evaluated", "detector", name, "scored", len(results))
	}
	return out, nil
}

// toAnomalies resolves type ids (cached per run) and stamps defaults so no
// anomaly ever carries a null score, risk, confidence or evidence.
func (s *Service) toAnomalies(ctx context.Context, tx *sqlx.Tx, candidates []Candidate) ([]models.Anomaly, error) {
	typeIDs := make(map[string]int64)
	now := time.Now().UTC()

	anomalies := make([]models.Anomaly, 0, len(candidates))
	for _, c := range candidates {
		id, ok := typeIDs[c.TypeCode]
		if !ok {
			var err error
			id, err = s.store.ResolveAnomalyTypeID(ctx, tx, c.TypeCode)
			if err != nil {
				return nil, err
			}
			typeIDs[c.TypeCode] = id
		}

		detectedAt := c.DetectedAt
		if detectedAt.IsZero() {
			detectedAt = now
		}
		evidence := c.Evidence
		if evidence == nil {
			evidence = models.JSONB{}
		}

		anomalies = append(anomalies, models.Anomaly{
			UserID:        c.UserID,
			AnomalyTypeID: id,
			Score:         c.Score,
			Risk:          c.Risk,
			Confidence:    c.Confidence,
			Status:        models.AnomalyStatusOpen,
			DetectedAt:    detectedAt,
			Evidence:      evidence,
		})
	}
	return anomalies, nil
}
