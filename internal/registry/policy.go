package registry

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/tender-cli/internal/model"
)

// Confidence holds the confidence constants of one phase. Values are policy,
// not model signals.
type Confidence struct {
	SingleCall     float64 `yaml:"single_call"`
	MultiCall      float64 `yaml:"multi_call"`
	MultiCallAnnex float64 `yaml:"multi_call_annex"`
	List           float64 `yaml:"list"`
}

// Policy is the confidence table for every phase plus external overrides.
type Policy struct {
	Listing  Confidence `yaml:"listing"`
	Deep     Confidence `yaml:"deep"`
	External float64    `yaml:"external"`
}

// DefaultPolicy returns the built-in confidence table.
func DefaultPolicy() Policy {
	return Policy{
		Listing:  Confidence{SingleCall: 0.90, MultiCall: 0.85, MultiCallAnnex: 0.92, List: 0.85},
		Deep:     Confidence{SingleCall: 0.90, MultiCall: 0.85, MultiCallAnnex: 0.92, List: 0.85},
		External: 0.95,
	}
}

// For returns the confidence constants of a phase.
func (p Policy) For(phase model.Phase) Confidence {
	if phase == model.PhaseDeep {
		return p.Deep
	}
	return p.Listing
}

// Validate checks every constant lies in [0,1] and that external overrides
// outrank every document-derived value.
func (p Policy) Validate() error {
	if p.External < 0 || p.External > 1 {
		return eris.Errorf("registry: external confidence %.2f out of range", p.External)
	}
	for _, c := range []struct {
		phase model.Phase
		conf  Confidence
	}{{model.PhaseListing, p.Listing}, {model.PhaseDeep, p.Deep}} {
		for _, v := range []float64{c.conf.SingleCall, c.conf.MultiCall, c.conf.MultiCallAnnex, c.conf.List} {
			if v < 0 || v > 1 {
				return eris.Errorf("registry: %s confidence %.2f out of range", c.phase, v)
			}
			if v >= p.External {
				return eris.Errorf("registry: %s confidence %.2f must stay below external %.2f", c.phase, v, p.External)
			}
		}
	}
	return nil
}

// LoadPolicy reads a policy file over the defaults. The YAML has a
// top-level "confidence" key; omitted values keep their defaults.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, eris.Wrapf(err, "registry: read policy %s", path)
	}

	wrapper := struct {
		Confidence Policy `yaml:"confidence"`
	}{Confidence: DefaultPolicy()}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return Policy{}, eris.Wrap(err, "registry: parse policy")
	}

	p := wrapper.Confidence
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}
