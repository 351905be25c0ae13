package autoscale

import (
	"time"

	"github.com/pkg/errors"

	"github.com/fluxcd/relay/pkg/target"
)

// Policy is a target-tracking scaling policy: keep the average
// utilization of one metric near a target percentage.
type Policy struct {
	Name             string        `json:"name" mapstructure:"name"`
	Metric           target.Metric `json:"metric" mapstructure:"metric"`
	TargetPercent    float64       `json:"targetPercent" mapstructure:"target-percent"`
	ScaleOutCooldown time.Duration `json:"scaleOutCooldown" mapstructure:"scale-out-cooldown"`
	ScaleInCooldown  time.Duration `json:"scaleInCooldown" mapstructure:"scale-in-cooldown"`
}

func (p Policy) Validate() error {
	if p.Name == "" {
		return errors.New("scaling policy has no name")
	}
	if _, err := target.ParseMetric(string(p.Metric)); err != nil {
		return errors.Wrapf(err, "scaling policy %s", p.Name)
	}
	if p.TargetPercent <= 0 || p.TargetPercent > 100 {
		return errors.Errorf("scaling policy %s: target percent %v must be in (0,100]", p.Name, p.TargetPercent)
	}
	if p.ScaleOutCooldown < 0 || p.ScaleInCooldown < 0 {
		return errors.Errorf("scaling policy %s: cooldowns must not be negative", p.Name)
	}
	return nil
}

// DefaultPolicies track CPU and memory separately, each at 50%.
func DefaultPolicies() []Policy {
	return []Policy{
		{
			Name:             "CpuUtilization",
			Metric:           target.MetricCPU,
			TargetPercent:    50,
			ScaleOutCooldown: 60 * time.Second,
			ScaleInCooldown:  300 * time.Second,
		},
		{
			Name:             "MemoryUtilization",
			Metric:           target.MetricMemory,
			TargetPercent:    50,
			ScaleOutCooldown: 60 * time.Second,
			ScaleInCooldown:  300 * time.Second,
		},
	}
}

// ValidatePolicies checks each policy, and that names are unique.
func ValidatePolicies(policies []Policy) error {
	seen := map[string]bool{}
	for _, p := range policies {
		if err := p.Validate(); err != nil {
			return err
		}
		if seen[p.Name] {
			return errors.Errorf("duplicate scaling policy %s", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}
