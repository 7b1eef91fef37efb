// Package generation runs the multi-stage analysis that fulfills a paid
// session. Each tier maps to a fixed plan of sequential stages; every stage's
// output is persisted the moment it completes so a mid-run failure never
// loses finished work.
package generation

import (
	_ "embed"
	"text/template"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/fulfillment-engine/internal/model"
)

//go:embed plans.yaml
var plansYAML []byte

// Stage is one step of an analysis plan.
type Stage struct {
	Name      string `yaml:"name"`
	Model     string `yaml:"model"`
	MaxTokens int64  `yaml:"max_tokens"`
	Prompt    string `yaml:"prompt"`

	tmpl *template.Template
}

// Plan is the full stage sequence for one tier.
type Plan struct {
	Tier             model.Tier
	System           string
	EstimatedMinutes int
	Stages           []Stage
}

// StageNames returns the stage names in execution order.
func (p Plan) StageNames() []string {
	names := make([]string, len(p.Stages))
	for i, s := range p.Stages {
		names[i] = s.Name
	}
	return names
}

// EstimatedDuration is how long the plan is expected to take end to end.
func (p Plan) EstimatedDuration() time.Duration {
	return time.Duration(p.EstimatedMinutes) * time.Minute
}

// PlanSet holds the loaded plans for all tiers.
type PlanSet struct {
	system string
	plans  map[model.Tier]Plan
}

type plansFile struct {
	System string `yaml:"system"`
	Tiers  map[string]struct {
		EstimatedMinutes int     `yaml:"estimated_minutes"`
		Stages           []Stage `yaml:"stages"`
	} `yaml:"tiers"`
}

// LoadPlans parses the embedded plan definitions and compiles the prompt
// templates. Called once at startup.
func LoadPlans() (*PlanSet, error) {
	var pf plansFile
	if err := yaml.Unmarshal(plansYAML, &pf); err != nil {
		return nil, eris.Wrap(err, "generation: parse plans")
	}

	set := &PlanSet{system: pf.System, plans: make(map[model.Tier]Plan, len(pf.Tiers))}
	for name, t := range pf.Tiers {
		tier, err := model.ParseTier(name)
		if err != nil {
			return nil, eris.Wrapf(err, "generation: plan tier %q", name)
		}
		if len(t.Stages) == 0 {
			return nil, eris.Errorf("generation: tier %s has no stages", tier)
		}
		stages := make([]Stage, len(t.Stages))
		for i, s := range t.Stages {
			tmpl, err := template.New(s.Name).Parse(s.Prompt)
			if err != nil {
				return nil, eris.Wrapf(err, "generation: parse prompt for %s stage %q", tier, s.Name)
			}
			s.tmpl = tmpl
			stages[i] = s
		}
		set.plans[tier] = Plan{
			Tier:             tier,
			System:           pf.System,
			EstimatedMinutes: t.EstimatedMinutes,
			Stages:           stages,
		}
	}

	for _, tier := range []model.Tier{model.TierBasic, model.TierStandard, model.TierFull} {
		if _, ok := set.plans[tier]; !ok {
			return nil, eris.Errorf("generation: no plan for tier %s", tier)
		}
	}
	return set, nil
}

// PlanFor returns the plan for a tier.
func (s *PlanSet) PlanFor(tier model.Tier) (Plan, error) {
	plan, ok := s.plans[tier]
	if !ok {
		return Plan{}, eris.Errorf("generation: no plan for tier %s", tier)
	}
	return plan, nil
}

type promptData struct {
	Problem  string
	Previous string
}
