package detect

import (
	"context"
	"fmt"

	"github.com/nelssec/ueba/internal/models"
)

// FeatureBuilder aggregates per-user behavioral features over the
// configured trailing window. The orchestrator invokes it at most once per
// run and shares the rows across every requested scoring model.
type FeatureBuilder struct{}

func (FeatureBuilder) Build(ctx context.Context, rc *RunContext) ([]models.FeatureRow, error) {
	rows, err := rc.Events.UserFeatures(ctx, rc.Tx, rc.Cfg.FeatureWindow)
	if err != nil {
		return nil, fmt.Errorf("building feature rows: %w", err)
	}
	return rows, nil
}
