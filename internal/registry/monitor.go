package registry

import (
	"context"
	"log"
	"time"
)

// Checker tells whether a connected car still answers.
type Checker interface {
	Check(ctx context.Context, c Car) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, c Car) error

func (f CheckerFunc) Check(ctx context.Context, c Car) error { return f(ctx, c) }

// FailureHandler is implemented by checkers that own the car's connection.
// The monitor hands them an unreachable car instead of marking it Failed
// itself, so the connection can be torn down with it.
type FailureHandler interface {
	Unreachable(c Car, err error)
}

// StartMonitoring checks every Connected car each interval and marks the
// ones that fail as Failed. Cars are never removed.
func (s *Store) StartMonitoring(ctx context.Context, interval time.Duration, chk Checker) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkCars(ctx, chk)
		}
	}
}

func (s *Store) checkCars(ctx context.Context, chk Checker) {
	for _, c := range s.List() {
		if c.Status != StatusConnected {
			continue
		}

		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := chk.Check(cctx, c)
		cancel()
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		log.Printf("[monitor] car #%d (%s) is unreachable: %v", c.Number, c.ID, err)
		if h, ok := chk.(FailureHandler); ok {
			h.Unreachable(c, err)
			continue
		}
		s.SetStatus(c.ID, StatusFailed, err.Error())
	}
}
