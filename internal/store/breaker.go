package store

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	apperrors "dynarepo/pkg/errors"
)

// storeBreaker guards the store transport with a circuit breaker. Conditional
// check failures are successes here: a contended write reaches the store just
// fine, and tripping on contention would turn retry storms into outages.
type storeBreaker struct {
	cb *gobreaker.CircuitBreaker
}

func newStoreBreaker(name string, logger *zap.Logger) *storeBreaker {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "store-" + name,
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= 0.8
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Store circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || apperrors.IsConflict(err)
		},
	})
	return &storeBreaker{cb: cb}
}

// execute runs fn through the breaker, classifying SDK errors into the
// repository taxonomy on the way out.
func (b *storeBreaker) execute(ctx context.Context, fn func(context.Context) error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, classify(fn(ctx))
	})
	switch err {
	case nil:
		return nil
	case gobreaker.ErrOpenState, gobreaker.ErrTooManyRequests:
		return apperrors.NewTransport("store circuit breaker open", err)
	default:
		return err
	}
}
