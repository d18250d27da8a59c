package scoring

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/provider-qa/internal/model"
)

// Profile is the on-disk form of a scoring model. Missing keys keep their
// defaults.
type Profile struct {
	Threshold     float64            `yaml:"threshold"`
	SourceWeights map[string]float64 `yaml:"source_weights"`
	Placeholders  map[string]float64 `yaml:"placeholders"`
}

// LoadProfile reads a scoring profile from a YAML file with a top-level
// "scoring" key and applies it over the defaults.
func LoadProfile(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "scoring: read profile %s", path)
	}

	var wrapper struct {
		Scoring Profile `yaml:"scoring"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "scoring: parse profile")
	}
	return wrapper.Scoring.Apply(DefaultModel())
}

// Apply overlays the profile on m and validates the result. Source type
// names are matched case-insensitively.
func (p Profile) Apply(m *Model) (*Model, error) {
	if p.Threshold != 0 {
		m.Threshold = p.Threshold
	}
	for family, w := range p.SourceWeights {
		if _, ok := m.Weights[family]; !ok {
			return nil, eris.Errorf("scoring: unknown source family %q", family)
		}
		m.Weights[family] = w
	}
	for name, v := range p.Placeholders {
		st := model.SourceType(strings.ToUpper(name))
		if !st.Valid() {
			return nil, eris.Errorf("scoring: unknown source type %q", name)
		}
		m.Placeholders[st] = v
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks that threshold and weights are probabilities.
func (m *Model) Validate() error {
	if m.Threshold <= 0 || m.Threshold > 1 {
		return eris.Errorf("scoring: threshold must be in (0,1], got %v", m.Threshold)
	}
	for family, w := range m.Weights {
		if w <= 0 || w > 1 {
			return eris.Errorf("scoring: weight for %s must be in (0,1], got %v", family, w)
		}
	}
	return nil
}
