package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every backend in a [FallbackGroup] failed or
// had an open breaker.
var ErrAllFailed = errors.New("all backends failed")

// FallbackConfig configures the breaker created for each backend in a
// [FallbackGroup].
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// member pairs one backend with its dedicated breaker.
type member[T any] struct {
	name    string
	backend T
	breaker *CircuitBreaker
}

// FallbackGroup chains a primary backend and its fallbacks behind per-backend
// circuit breakers. Calls go to the first member whose breaker admits them
// and that succeeds; an unhealthy primary is skipped without waiting for it.
//
// Members must all be registered before the group is used; AddFallback is not
// safe to call concurrently with Execute.
type FallbackGroup[T any] struct {
	members []member[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a group with primary as its first member.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	g := &FallbackGroup[T]{cfg: cfg}
	g.add(primaryName, primary)
	return g
}

// AddFallback appends a backend tried after all earlier members.
func (g *FallbackGroup[T]) AddFallback(name string, backend T) {
	g.add(name, backend)
}

func (g *FallbackGroup[T]) add(name string, backend T) {
	cbCfg := g.cfg.CircuitBreaker
	cbCfg.Name = name
	g.members = append(g.members, member[T]{
		name:    name,
		backend: backend,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Execute tries fn against each member in order until one succeeds. Members
// with open breakers are skipped. When everything fails the last error is
// wrapped in [ErrAllFailed].
func (g *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(g, func(backend T) (struct{}, error) {
		return struct{}{}, fn(backend)
	})
	return err
}

// ExecuteWithResult tries fn against each member of the group in order until
// one succeeds, returning that member's result. A package-level function
// because methods cannot introduce the result type parameter.
func ExecuteWithResult[T, R any](g *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var lastErr error
	for i := range g.members {
		m := &g.members[i]
		var result R
		err := m.breaker.Execute(func() error {
			var callErr error
			result, callErr = fn(m.backend)
			return callErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("backend skipped, breaker open", "backend", m.name)
		} else {
			slog.Warn("backend failed, trying next", "backend", m.name, "error", err)
		}
	}
	var zero R
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
