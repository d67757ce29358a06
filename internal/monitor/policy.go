package monitor

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Thresholds are the minimum mean success rates, in percent, for each grade.
type Thresholds struct {
	Excellent float64 `yaml:"excellent"`
	Good      float64 `yaml:"good"`
	Fair      float64 `yaml:"fair"`
}

type Recommendations struct {
	// Bottleneck is a format string receiving the channel key.
	Bottleneck string            `yaml:"bottleneck"`
	Health     map[Health]string `yaml:"health"`
}

type Policy struct {
	ActiveWindow    time.Duration   `yaml:"active_window"`
	CompletionFloor float64         `yaml:"completion_floor"`
	Thresholds      Thresholds      `yaml:"thresholds"`
	Recommendations Recommendations `yaml:"recommendations"`
}

func DefaultPolicy() Policy {
	return Policy{
		ActiveWindow:    24 * time.Hour,
		CompletionFloor: 50,
		Thresholds: Thresholds{
			Excellent: 90,
			Good:      75,
			Fair:      50,
		},
		Recommendations: Recommendations{
			Bottleneck: "Unblock %s: completion rate is below the floor; reassign or split its approved tasks",
			Health: map[Health]string{
				HealthExcellent: "All agents are performing well; keep the current approval cadence",
				HealthGood:      "Review rejected proposals to raise approval rates further",
				HealthFair:      "Tighten agent prompts for channels with low approval rates",
				HealthPoor:      "Pause autonomous runs and review agent analysis quality",
			},
		},
	}
}

func (p Policy) Validate() error {
	th := p.Thresholds
	if !(th.Excellent >= th.Good && th.Good >= th.Fair && th.Fair >= 0) {
		return fmt.Errorf("health thresholds must satisfy excellent >= good >= fair >= 0, got %+v", th)
	}
	if p.CompletionFloor < 0 || p.CompletionFloor > 100 {
		return fmt.Errorf("completion floor must be within [0, 100], got %v", p.CompletionFloor)
	}
	if p.ActiveWindow <= 0 {
		return fmt.Errorf("active window must be positive, got %v", p.ActiveWindow)
	}
	return nil
}

// LoadPolicy reads a YAML policy file over base. Keys absent from the file
// keep base's values.
func LoadPolicy(path string, base Policy) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read policy file: %w", err)
	}
	p := base
	p.Recommendations.Health = make(map[Health]string, len(base.Recommendations.Health))
	for k, v := range base.Recommendations.Health {
		p.Recommendations.Health[k] = v
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("failed to parse policy file: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}
