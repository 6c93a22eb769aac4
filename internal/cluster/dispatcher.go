// Package cluster dispatches tasks to members of a build cluster selected by capability.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"localci/internal/clock"
	"localci/internal/metrics"
)

// RetryPolicy bounds how often and how patiently a failing task is retried.
type RetryPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	MaxAttempts  int
}

// DefaultRetryPolicy retries up to five times with delays doubling from one second to at most thirty.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Factor:       2,
		MaxAttempts:  5,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.InitialDelay <= 0 {
		p.InitialDelay = def.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.Factor < 1 {
		p.Factor = def.Factor
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	return p
}

func (p RetryPolicy) backoff() wait.Backoff {
	return wait.Backoff{
		Duration: p.InitialDelay,
		Factor:   p.Factor,
		Cap:      p.MaxDelay,
		Steps:    p.MaxAttempts,
	}
}

// Membership lists the current members of the cluster.
type Membership interface {
	MembersWithCapability(tag string) []Member
}

// Config describes a Dispatcher. Without Membership every task runs on Local.
type Config struct {
	Membership Membership
	Local      Member
	Retry      RetryPolicy
	Clock      clock.Clock
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Dispatcher submits tasks to cluster members and retries transient failures.
type Dispatcher struct {
	membership Membership
	local      Member
	policy     RetryPolicy
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *metrics.Metrics
	next       atomic.Uint64
}

// NewDispatcher validates cfg and applies defaults.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.Membership == nil && cfg.Local == nil {
		return nil, errors.New("cluster dispatcher: membership or local member is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Dispatcher{
		membership: cfg.Membership,
		local:      cfg.Local,
		policy:     cfg.Retry.normalized(),
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, tag string, call Call) (any, error) {
	backoff := d.policy.backoff()

	for attempt := 1; ; attempt++ {
		member, err := d.pick(tag)
		var value any
		if err == nil {
			value, err = d.attempt(ctx, member, call)
		}
		if err == nil {
			d.metrics.ObserveDispatch("success")
			return value, nil
		}
		if errors.Is(err, ErrInterrupted) {
			d.metrics.ObserveDispatch("interrupted")
			return nil, err
		}
		if IsPermanent(err) {
			d.metrics.ObserveDispatch("permanent")
			return nil, unwrapPermanent(err)
		}

		memberID := ""
		if member != nil {
			memberID = member.ID()
		}
		if attempt >= d.policy.MaxAttempts {
			d.metrics.ObserveDispatch("exhausted")
			d.logger.Error("cluster task failed, giving up",
				"task", call.Name, "tag", tag, "member", memberID, "attempts", attempt, "error", err)
			return nil, err
		}

		delay := backoff.Step()
		d.metrics.ObserveDispatch("retry")
		d.logger.Warn("cluster task attempt failed",
			"task", call.Name, "tag", tag, "member", memberID, "attempt", attempt, "retry_in", delay, "error", err)

		select {
		case <-d.clock.After(delay):
		case <-ctx.Done():
			return nil, interrupted(ctx.Err())
		}
	}
}

// attempt runs call on member. The caller stops waiting when ctx ends; the member's work is
// not cancelled by that.
func (d *Dispatcher) attempt(ctx context.Context, member Member, call Call) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, interrupted(err)
	}

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := member.Execute(context.WithoutCancel(ctx), call)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-ctx.Done():
		return nil, interrupted(ctx.Err())
	}
}

func (d *Dispatcher) pick(tag string) (Member, error) {
	if d.membership == nil {
		if !hasCapability(d.local, tag) {
			return nil, Permanent(fmt.Errorf("%w %q: local member only offers %v", ErrNoMember, tag, d.local.Capabilities()))
		}
		return d.local, nil
	}

	candidates := d.membership.MembersWithCapability(tag)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w %q", ErrNoMember, tag)
	}
	idx := d.next.Add(1) - 1
	return candidates[idx%uint64(len(candidates))], nil
}
