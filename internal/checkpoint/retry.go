package checkpoint

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/flowstate-io/flowstate/internal/fault"
	"github.com/flowstate-io/flowstate/internal/state"
)

// RetryPolicy bounds the retry loop for fallible operations. Every field
// has a sane default; the zero policy is usable.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Jitter is the fraction of the delay randomized each attempt.
	Jitter float64
}

// DefaultRetryPolicy is the policy used when fields are zero.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.25,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.Jitter <= 0 {
		p.Jitter = d.Jitter
	}
	return p
}

// WithRetry runs op under the policy, classifying every failure against
// the taxonomy: Retryable kinds are retried within the attempt budget
// (RestoreConflict gets exactly one retry regardless of budget), Fatal
// kinds abort immediately, and Degradable kinds flip the named feature off
// through Degrade and report success-with-warning (a nil error).
//
// Errors with no taxonomy kind count as transient and are retried.
func (m *Manager) WithRetry(ctx context.Context, policy RetryPolicy, feature string, op func(context.Context) error) error {
	policy = policy.withDefaults()
	delay := policy.BaseDelay

	var lastErr error
	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		kind := fault.KindOf(err)
		switch {
		case kind != "" && fault.ClassOf(kind) == fault.Fatal:
			return err
		case fault.IsDegradable(err):
			if feature == "" {
				return err
			}
			if dErr := m.Degrade(ctx, feature); dErr != nil {
				return fmt.Errorf("degrade %q after %v: %w", feature, err, dErr)
			}
			m.log.Warn("feature degraded after error", "feature", feature, "error", err)
			return nil
		}

		budget := policy.MaxAttempts
		if kind == fault.RestoreConflict && budget > 2 {
			budget = 2
		}
		if attempt >= budget {
			return fmt.Errorf("retry budget exhausted after %d attempts: %w", attempt, lastErr)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry aborted: %v (last error: %w)", ctx.Err(), lastErr)
		case <-time.After(jitterDelay(delay, policy.Jitter)):
		}
		delay = time.Duration(float64(delay) * policy.Multiplier)
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
}

// Degrade marks a feature unavailable inside the workflow state so the
// rest of the pipeline continues with reduced functionality instead of
// halting. Degradable failures never abort the calling process.
func (m *Manager) Degrade(ctx context.Context, feature string) error {
	_, err := m.store.Write(ctx, "degrade:"+feature, func(doc *state.Document) error {
		if doc.Degraded == nil {
			doc.Degraded = map[string]bool{}
		}
		doc.Degraded[feature] = true
		return nil
	})
	return err
}

func jitterDelay(d time.Duration, fraction float64) time.Duration {
	if d <= 0 || fraction <= 0 {
		return d
	}
	span := float64(d) * fraction
	return time.Duration(float64(d) - span/2 + rand.Float64()*span)
}
