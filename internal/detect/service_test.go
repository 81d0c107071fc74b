package detect

import (
	"context"
	"errors"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/nelssec/ueba/internal/models"
	"github.com/nelssec/ueba/internal/scoring"
	"github.com/nelssec/ueba/internal/store"
)

// fakeStore backs a full detection run in memory. The embedded fakeEvents
// serves the rule aggregates; the write side records what a run would have
// committed.
type fakeStore struct {
	fakeEvents

	typeIDs  map[string]int64
	inserted []models.Anomaly
	risk     map[int64]float64
	bumps    int
}

func newFakeStore(events fakeEvents) *fakeStore {
	return &fakeStore{
		fakeEvents: events,
		typeIDs:    make(map[string]int64),
		risk:       make(map[int64]float64),
	}
}

func (f *fakeStore) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return fn(nil)
}

func (f *fakeStore) ResolveAnomalyTypeID(ctx context.Context, q sqlx.ExtContext, code string) (int64, error) {
	if id, ok := f.typeIDs[code]; ok {
		return id, nil
	}
	id := int64(len(f.typeIDs) + 1)
	f.typeIDs[code] = id
	return id, nil
}

func (f *fakeStore) InsertAnomalies(ctx context.Context, q sqlx.ExtContext, anomalies []models.Anomaly) (int, error) {
	f.inserted = append(f.inserted, anomalies...)
	return len(anomalies), nil
}

func (f *fakeStore) BumpUserRisk(ctx context.Context, q sqlx.ExtContext, userID int64, risk float64) error {
	f.bumps++
	if risk > f.risk[userID] {
		f.risk[userID] = risk
	}
	return nil
}

func newServiceForSelection() *Service {
	s := NewService(nil, DefaultRegistry(), fakeLocator{}, testConfig(), nil)
	loader := scoring.NewLoader(nil)
	s.RegisterModel(scoring.NewDetector("model_insider", "models/insider_lgbm.txt", loader, nil))
	s.RegisterModel(scoring.NewDetector("model_ueba", "models/ueba_lgbm.txt", loader, nil))
	return s
}

func TestDetectorsListsRulesThenModels(t *testing.T) {
	s := newServiceForSelection()

	want := []string{"after_hours", "failed_logins", "impossible_travel", "model_insider", "model_ueba"}
	got := s.Detectors()
	if len(got) != len(want) {
		t.Fatalf("Detectors() = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("detector %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSelectModels(t *testing.T) {
	s := newServiceForSelection()

	t.Run("empty selection runs no models", func(t *testing.T) {
		if got := s.selectModels(nil); got != nil {
			t.Errorf("selectModels(nil) = %v, want none", got)
		}
	})

	t.Run("models only run when named", func(t *testing.T) {
		got := s.selectModels([]string{"after_hours"})
		if len(got) != 0 {
			t.Errorf("rule-only selection returned models: %v", got)
		}
	})

	t.Run("requested models in registration order", func(t *testing.T) {
		got := s.selectModels([]string{"model_ueba", "model_insider"})
		if len(got) != 2 || got[0] != "model_insider" || got[1] != "model_ueba" {
			t.Errorf("selectModels = %v", got)
		}
	})

	t.Run("unknown names ignored", func(t *testing.T) {
		got := s.selectModels([]string{"model_catboost", "model_ueba"})
		if len(got) != 1 || got[0] != "model_ueba" {
			t.Errorf("selectModels = %v", got)
		}
	})
}

func TestRunEmptyEventSet(t *testing.T) {
	fs := newFakeStore(fakeEvents{})
	svc := NewService(fs, DefaultRegistry(), fakeLocator{}, testConfig(), nil)

	created, err := svc.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if created != 0 {
		t.Errorf("created = %d, want 0", created)
	}
	if len(fs.inserted) != 0 {
		t.Errorf("anomalies persisted on empty event set: %v", fs.inserted)
	}
	if fs.bumps != 0 {
		t.Errorf("risk folded %d times on empty event set, want 0", fs.bumps)
	}
}

func TestRunPersistsCandidatesAndFoldsRisk(t *testing.T) {
	fs := newFakeStore(fakeEvents{
		afterHours: []store.UserCount{{UserID: 7, Count: 5}},
		failed:     []store.UserCount{{UserID: 7, Count: 6}},
	})
	svc := NewService(fs, DefaultRegistry(), fakeLocator{}, testConfig(), nil)

	created, err := svc.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if created != 2 {
		t.Fatalf("created = %d, want 2", created)
	}
	if len(fs.inserted) != 2 {
		t.Fatalf("persisted %d anomalies, want 2", len(fs.inserted))
	}

	for i, a := range fs.inserted {
		if a.Status != models.AnomalyStatusOpen {
			t.Errorf("anomaly %d: status = %q, want open", i, a.Status)
		}
		if a.DetectedAt.IsZero() {
			t.Errorf("anomaly %d: DetectedAt not stamped", i)
		}
		if a.Evidence == nil {
			t.Errorf("anomaly %d: nil evidence", i)
		}
		if a.AnomalyTypeID == 0 {
			t.Errorf("anomaly %d: type id not resolved", i)
		}
	}
	if fs.inserted[0].AnomalyTypeID == fs.inserted[1].AnomalyTypeID {
		t.Errorf("distinct rule codes resolved to the same type id %d", fs.inserted[0].AnomalyTypeID)
	}

	// after_hours risk 50, failed_logins risk 88; the fold keeps the max.
	if got := fs.risk[7]; got != 88.0 {
		t.Errorf("user risk = %v, want 88", got)
	}
	if fs.bumps != 2 {
		t.Errorf("risk folded %d times, want one per anomaly", fs.bumps)
	}
}

func TestRunRuleErrorAbortsWithoutPersisting(t *testing.T) {
	sentinel := errors.New("aggregate query failed")
	fs := newFakeStore(fakeEvents{err: sentinel})
	svc := NewService(fs, DefaultRegistry(), fakeLocator{}, testConfig(), nil)

	if _, err := svc.Run(context.Background(), nil); !errors.Is(err, sentinel) {
		t.Fatalf("Run error = %v, want wrapped %v", err, sentinel)
	}
	if len(fs.inserted) != 0 {
		t.Errorf("anomalies persisted after failed rule: %v", fs.inserted)
	}
}

func TestRegisterModelIsIdempotent(t *testing.T) {
	s := newServiceForSelection()
	loader := scoring.NewLoader(nil)
	s.RegisterModel(scoring.NewDetector("model_ueba", "models/other.txt", loader, nil))

	count := 0
	for _, name := range s.Detectors() {
		if name == "model_ueba" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("model_ueba listed %d times, want 1", count)
	}
}
