// Package autoscale adjusts the replica count of a target to keep
// resource utilization near the targets given by scaling policies.
package autoscale

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/fluxcd/relay/pkg/event"
	"github.com/fluxcd/relay/pkg/target"
)

// Decision is the outcome of one evaluation of the policies.
type Decision struct {
	Current int
	Desired int
	// Applied is the count the target accepted; zero if Scale was not
	// called.
	Applied int
	Reason  string
}

type Scaler struct {
	// Events, if set, is told about every change in replica count.
	Events event.EventWriter

	target   target.Target
	policies []Policy
	logger   log.Logger
	now      func() time.Time

	mu           sync.Mutex
	lastScaleOut time.Time
	lastScaleIn  time.Time
}

func NewScaler(t target.Target, policies []Policy, logger log.Logger) (*Scaler, error) {
	if err := ValidatePolicies(policies); err != nil {
		return nil, err
	}
	return &Scaler{
		target:   t,
		policies: policies,
		logger:   logger,
		now:      time.Now,
	}, nil
}

func (s *Scaler) Policies() []Policy {
	return append([]Policy(nil), s.policies...)
}

// usable says whether a utilization reading can be acted upon.
func usable(u float64) bool {
	return !math.IsNaN(u) && !math.IsInf(u, 0) && u >= 0
}

// want is the replica count that would bring the observed utilization
// to the policy's target, assuming load spreads evenly.
func want(current int, observed, targetPercent float64) int {
	n := float64(current) * observed / targetPercent
	// a huge reading would overflow the conversion; any count beyond
	// MaxInt32 is clamped to the maximum later anyway
	if n >= math.MaxInt32 {
		return math.MaxInt32
	}
	// guard against 2*50/50 coming out as 2.0000000001
	return int(math.Ceil(n - 1e-9))
}

// Tick reads each policy's metric and scales the target if called
// for. It scales out if any policy asks for more replicas, and in
// only if every policy has a reading and all of them ask for fewer.
func (s *Scaler) Tick(ctx context.Context) (Decision, error) {
	status, err := s.target.Status(ctx)
	if err != nil {
		return Decision{}, errors.Wrap(err, "getting target status")
	}
	current := status.Desired
	d := Decision{Current: current, Desired: current}
	if status.Status == target.StatusEmpty {
		d.Reason = "nothing deployed"
		return d, nil
	}

	desired := 0
	complete := true
	var outCooldown, inCooldown time.Duration
	for _, p := range s.policies {
		u, err := s.target.Utilization(ctx, p.Metric)
		if err != nil {
			s.logger.Log("policy", p.Name, "metric", p.Metric, "err", err)
			complete = false
			continue
		}
		observeUtilization(p, u)
		if !usable(u) {
			s.logger.Log("policy", p.Name, "metric", p.Metric, "err", "ignoring unusable reading", "value", strconv.FormatFloat(u, 'g', -1, 64))
			complete = false
			continue
		}
		n := want(current, u, p.TargetPercent)
		if n > desired {
			desired = n
		}
		if p.ScaleOutCooldown > outCooldown {
			outCooldown = p.ScaleOutCooldown
		}
		if p.ScaleInCooldown > inCooldown {
			inCooldown = p.ScaleInCooldown
		}
	}

	switch {
	case desired == 0 && !complete:
		d.Reason = "no usable readings"
		return d, nil
	case desired < current && !complete:
		d.Reason = "not every policy has a reading; not scaling in"
		return d, nil
	}
	desired = clamp(desired, status.Min, status.Max)
	d.Desired = desired
	if desired == current {
		d.Reason = "within target"
		return d, nil
	}

	now := s.now()
	s.mu.Lock()
	lastOut, lastIn := s.lastScaleOut, s.lastScaleIn
	s.mu.Unlock()
	if desired > current && !lastOut.IsZero() && now.Sub(lastOut) < outCooldown {
		d.Reason = "scale-out cooldown"
		return d, nil
	}
	if desired < current {
		last := lastIn
		if lastOut.After(last) {
			last = lastOut
		}
		if !last.IsZero() && now.Sub(last) < inCooldown {
			d.Reason = "scale-in cooldown"
			return d, nil
		}
	}

	applied, err := s.target.Scale(ctx, desired)
	if err != nil {
		return d, errors.Wrapf(err, "scaling to %d", desired)
	}
	d.Applied = applied
	s.mu.Lock()
	if desired > current {
		d.Reason = "scale out"
		s.lastScaleOut = now
	} else {
		d.Reason = "scale in"
		s.lastScaleIn = now
	}
	s.mu.Unlock()
	scalingEvents.With("direction", d.Reason).Add(1)
	s.logger.Log("info", d.Reason, "from", current, "to", applied)
	if s.Events != nil {
		if err := s.Events.LogEvent(event.Event{
			Type:      event.EventScale,
			StartedAt: now,
			EndedAt:   now,
			LogLevel:  event.LogLevelInfo,
			Metadata:  &event.ScaleEventMetadata{From: current, To: applied, Reason: d.Reason},
		}); err != nil {
			s.logger.Log("err", errors.Wrap(err, "logging scale event"))
		}
	}
	return d, nil
}

func clamp(n, min, max int) int {
	if n < min {
		return min
	}
	if max > 0 && n > max {
		return max
	}
	return n
}

// Loop evaluates the policies every interval until stopped.
func (s *Scaler) Loop(stop chan struct{}, wg *sync.WaitGroup, interval time.Duration) {
	defer wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			s.logger.Log("stopping", "true")
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			if _, err := s.Tick(ctx); err != nil {
				s.logger.Log("err", err)
			}
			cancel()
		}
	}
}
