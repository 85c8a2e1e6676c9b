/*
Package resilience provides circuit breaker implementation for graceful degradation.

# Overview

This package implements the circuit breaker pattern so that a broken or hanging
external tool (for example git on a stalled network mount) is not re-invoked on
every UI refresh.

# Features

- Three-state circuit breaker (Closed, Open, Half-Open)
- Error classification so caller mistakes do not trip the circuit
- A single probe while half-open
- State change callbacks for logging

# Usage

	breaker := resilience.New("git", resilience.Settings{
		Threshold: 5,
		Cooldown:  30 * time.Second,
		IsFailure: func(err error) bool { return !errors.Is(err, ErrNoRepository) },
		OnStateChange: func(name string, from, to resilience.State) {
			logger.Warn("breaker state change", zap.String("breaker", name),
				zap.Stringer("from", from), zap.Stringer("to", to))
		},
	})

	branch, err := resilience.Do(breaker, func() (string, error) {
		return probe(ctx, dir)
	})

# States

- Closed: Normal operation, requests pass through
- Open: Service unavailable, requests fail immediately
- Half-Open: one probe decides whether to close or reopen

# Pattern

The circuit breaker transitions between states based on success/failure rates:

	Closed --[failures]-> Open --[timeout]-> Half-Open --[success]-> Closed
	                                           |
	                                    [failure]
	                                           |
	                                           v
	                                         Open
*/
package resilience
