package cloud

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// GuardConfig tunes the client-side limiter and circuit breaker.
type GuardConfig struct {
	RequestsPerSecond float64
	Burst             int
	BreakerFailures   uint32
	BreakerTimeout    time.Duration
}

// Guard rate-limits cloud API calls and stops calling a failing provider
// until the breaker half-opens. Retries stay in the handlers.
type Guard struct {
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// NewGuard creates a new guard
func NewGuard(cfg GuardConfig, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	timeout := cfg.BreakerTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "cloud-provisioner",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Only provider-side trouble should trip the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &Guard{
		cb:      cb,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Do runs fn under the limiter and breaker.
func (g *Guard) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: rate limit wait: %w", op, err)
	}
	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	return err
}

// State returns the breaker state name, for readiness reporting.
func (g *Guard) State() string {
	return g.cb.State().String()
}

// Provisioner wraps next so every call goes through the guard.
func (g *Guard) Provisioner(next Provisioner) Provisioner {
	return &guardedProvisioner{guard: g, next: next}
}

// GrantChecker wraps next so every call goes through the guard.
func (g *Guard) GrantChecker(next GrantChecker) GrantChecker {
	return &guardedGrantChecker{guard: g, next: next}
}

type guardedProvisioner struct {
	guard *Guard
	next  Provisioner
}

func (p *guardedProvisioner) ResolveTarget(ctx context.Context, scope string, hint TargetHint) (Target, error) {
	var target Target
	err := p.guard.Do(ctx, "resolve target", func(ctx context.Context) error {
		var err error
		target, err = p.next.ResolveTarget(ctx, scope, hint)
		return err
	})
	return target, err
}

func (p *guardedProvisioner) FindBastion(ctx context.Context, target Target) (*Bastion, error) {
	var b *Bastion
	err := p.guard.Do(ctx, "find bastion", func(ctx context.Context) error {
		var err error
		b, err = p.next.FindBastion(ctx, target)
		return err
	})
	return b, err
}

func (p *guardedProvisioner) CreateBastion(ctx context.Context, target Target, spec BastionSpec) (*Bastion, error) {
	var b *Bastion
	err := p.guard.Do(ctx, "create bastion", func(ctx context.Context) error {
		var err error
		b, err = p.next.CreateBastion(ctx, target, spec)
		return err
	})
	return b, err
}

func (p *guardedProvisioner) DeleteBastion(ctx context.Context, target Target, bastion *Bastion) error {
	return p.guard.Do(ctx, "delete bastion", func(ctx context.Context) error {
		return p.next.DeleteBastion(ctx, target, bastion)
	})
}

type guardedGrantChecker struct {
	guard *Guard
	next  GrantChecker
}

func (c *guardedGrantChecker) CountGrants(ctx context.Context, roleID, scope string) (int, error) {
	var n int
	err := c.guard.Do(ctx, "count grants", func(ctx context.Context) error {
		var err error
		n, err = c.next.CountGrants(ctx, roleID, scope)
		return err
	})
	return n, err
}
