// Package scoring wraps externally trained binary classifiers behind the
// detector contract. Artifacts are LightGBM text models (self-describing
// feature names) or XGBoost binary models (no schema), evaluated in-process
// with the leaves inference engine.
package scoring

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dmitryikh/leaves"
)

// Model is a loaded classifier. ExpectedFeatures is nil when the artifact
// does not declare its input schema; callers then fall back to a canonical
// column order.
type Model struct {
	Path             string
	Ensemble         *leaves.Ensemble
	ExpectedFeatures []string
}

// Loader caches models per path for the process lifetime. First load is
// serialized under the mutex so concurrent runs cannot double-load or
// observe a half-built entry; hits only take the lock briefly.
type Loader struct {
	mu     sync.Mutex
	models map[string]*Model
	logger *slog.Logger
}

func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		models: make(map[string]*Model),
		logger: logger,
	}
}

// Load returns the cached model for path, reading and parsing it on first
// use. The artifact format is chosen by extension: .txt/.model are LightGBM
// text dumps, .bin/.xgb are XGBoost binaries.
func (l *Loader) Load(path string) (*Model, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if m, ok := l.models[path]; ok {
		return m, nil
	}

	var (
		ensemble *leaves.Ensemble
		expected []string
		err      error
	)

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".txt", ".model":
		ensemble, err = leaves.LGEnsembleFromFile(path, true)
		if err != nil {
			return nil, fmt.Errorf("loading lightgbm model %s: %w", path, err)
		}
		expected, err = lightGBMFeatureNames(path)
		if err != nil {
			return nil, fmt.Errorf("reading feature names from %s: %w", path, err)
		}
	case ".bin", ".xgb":
		ensemble, err = leaves.XGEnsembleFromFile(path, true)
		if err != nil {
			return nil, fmt.Errorf("loading xgboost model %s: %w", path, err)
		}
		// Binary artifacts carry no schema; inference uses canonical order.
	default:
		return nil, fmt.Errorf("unsupported model type: %s", path)
	}

	m := &Model{
		Path:             path,
		Ensemble:         ensemble,
		ExpectedFeatures: expected,
	}
	l.models[path] = m

	l.logger.Info("loaded scoring model",
		"path", path,
		"trees", ensemble.NEstimators(),
		"declared_features", len(expected))

	return m, nil
}

// lightGBMFeatureNames pulls the feature_names header line out of a
// LightGBM text dump. Returns nil when the model declares none.
func lightGBMFeatureNames(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "feature_names=") {
			names := strings.Fields(strings.TrimPrefix(line, "feature_names="))
			if len(names) == 0 {
				return nil, nil
			}
			return names, nil
		}
		// The header ends where the first tree begins.
		if strings.HasPrefix(line, "Tree=") {
			break
		}
	}
	return nil, scanner.Err()
}
