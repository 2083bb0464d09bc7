package catalog

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ashureev/allocation-study/internal/domain"
	"github.com/ashureev/allocation-study/internal/experiment"
)

//go:embed default.yaml
var defaultDefinition []byte

// Distribution is a normal distribution of per-period fund returns.
type Distribution struct {
	Mean   float64 `yaml:"mean"`
	StdDev float64 `yaml:"stddev"`
}

// ScenarioDefinition describes one scenario to seed.
type ScenarioDefinition struct {
	ID              string        `yaml:"id"`
	Name            string        `yaml:"name"`
	AIBias          domain.AIBias `yaml:"ai_bias"`
	Trials          int           `yaml:"trials"`
	PeriodsPerTrial int           `yaml:"periods_per_trial"`
	// InstructedOrdinal overrides the default attention-check placement.
	// Zero disables it.
	InstructedOrdinal *int   `yaml:"instructed_ordinal,omitempty"`
	Description       string `yaml:"description"`
}

// Definition is the input to Generate.
type Definition struct {
	ShortTrials int                  `yaml:"short_trials"`
	LongTrials  int                  `yaml:"long_trials"`
	Sequences   int                  `yaml:"sequences"`
	FundA       Distribution         `yaml:"fund_a"`
	FundB       Distribution         `yaml:"fund_b"`
	Scenarios   []ScenarioDefinition `yaml:"scenarios"`
}

// DefaultDefinition returns the built-in four-scenario catalog.
func DefaultDefinition() (*Definition, error) {
	return ParseDefinition(defaultDefinition)
}

// LoadDefinition reads a definition from a YAML file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog definition: %w", err)
	}
	return ParseDefinition(data)
}

// ParseDefinition decodes and checks a YAML definition.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, domain.Configuration("catalog_definition_invalid", "parse catalog definition: "+err.Error())
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks the definition can produce a usable catalog.
func (d *Definition) Validate() error {
	if d.ShortTrials < 1 || d.LongTrials < 1 {
		return invalid("short_trials and long_trials must be positive")
	}
	if d.Sequences < 1 {
		return invalid("at least one trial sequence is required")
	}
	if d.FundA.StdDev < 0 || d.FundB.StdDev < 0 {
		return invalid("return standard deviations must not be negative")
	}
	if len(d.Scenarios) == 0 {
		return invalid("at least one scenario is required")
	}

	seen := make(map[string]bool, len(d.Scenarios))
	for _, sc := range d.Scenarios {
		switch {
		case sc.ID == "" || sc.Name == "":
			return invalid("every scenario needs an id and a name")
		case seen[sc.ID]:
			return invalid(fmt.Sprintf("duplicate scenario id %q", sc.ID))
		case !sc.AIBias.Valid():
			return invalid(fmt.Sprintf("scenario %s: unknown ai_bias %q", sc.ID, sc.AIBias))
		case sc.Trials != d.ShortTrials && sc.Trials != d.LongTrials:
			return invalid(fmt.Sprintf("scenario %s: trials must be %d or %d", sc.ID, d.ShortTrials, d.LongTrials))
		case sc.PeriodsPerTrial < 1:
			return invalid(fmt.Sprintf("scenario %s: periods_per_trial must be positive", sc.ID))
		case sc.InstructedOrdinal != nil && (*sc.InstructedOrdinal < 0 || *sc.InstructedOrdinal > sc.Trials):
			return invalid(fmt.Sprintf("scenario %s: instructed_ordinal outside 0..%d", sc.ID, sc.Trials))
		}
		seen[sc.ID] = true
	}
	return nil
}

func (sd *ScenarioDefinition) scenario() domain.Scenario {
	instructed := experiment.DefaultInstructedOrdinal(sd.Trials)
	if sd.InstructedOrdinal != nil {
		instructed = *sd.InstructedOrdinal
	}
	return domain.Scenario{
		ScenarioID:        sd.ID,
		Name:              sd.Name,
		AIBias:            sd.AIBias,
		TrialCount:        sd.Trials,
		PeriodsPerTrial:   sd.PeriodsPerTrial,
		InstructedOrdinal: instructed,
		Description:       sd.Description,
	}
}

func invalid(msg string) error {
	return domain.Configuration("catalog_definition_invalid", msg)
}
