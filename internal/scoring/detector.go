package scoring

import (
	"fmt"
	"log/slog"
	"math"
	"os"

	"github.com/nelssec/ueba/internal/models"
)

// Result is one scored feature row, pending conversion to an anomaly
// candidate by the orchestrator.
type Result struct {
	UserID      int64
	Probability float64
	Risk        float64
	Confidence  float64
	Evidence    models.JSONB
}

// Detector scores feature rows with one configured model artifact.
type Detector struct {
	name   string
	path   string
	loader *Loader
	logger *slog.Logger
}

func NewDetector(name, path string, loader *Loader, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{name: name, path: path, loader: loader, logger: logger}
}

func (d *Detector) Name() string { return d.name }

// Available reports whether the configured artifact exists. A missing file
// means the detector is skipped for the run, never an error.
func (d *Detector) Available() bool {
	info, err := os.Stat(d.path)
	return err == nil && !info.IsDir()
}

// Score runs inference over the shared feature rows. The user id is
// stripped before inference and re-attached to each result. Feature values
// are projected onto the model's declared schema when it has one, in
// declared order, unknown columns dropped and missing ones zero-filled;
// schemaless models read the canonical column order.
func (d *Detector) Score(rows []models.FeatureRow) ([]Result, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	model, err := d.loader.Load(d.path)
	if err != nil {
		return nil, fmt.Errorf("detector %s: %w", d.name, err)
	}

	columns := model.ExpectedFeatures
	if len(columns) == 0 {
		columns = models.FeatureNames
	}

	featuresUsed := make([]interface{}, len(columns))
	for i, c := range columns {
		featuresUsed[i] = c
	}

	out := make([]Result, 0, len(rows))
	for _, row := range rows {
		values := row.Values()
		fvals := make([]float64, len(columns))
		for i, col := range columns {
			fvals[i] = values[col]
		}

		p := model.Ensemble.PredictSingle(fvals, 0)
		if p < 0 || p > 1 {
			// Raw margin from an untransformed artifact.
			p = sigmoid(p)
		}

		out = append(out, Result{
			UserID:      row.UserID,
			Probability: p,
			Risk:        math.Round(100*(0.7*p+0.3)*100) / 100,
			Confidence:  0.8,
			Evidence: models.JSONB{
				"features_used": featuresUsed,
				"model_path":    d.path,
			},
		})
	}
	return out, nil
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}
