package timebank

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// runUnit executes fn inside one store transaction, retrying the whole unit
// when the store reports ErrConflict. It returns the number of attempts made.
func (service *Service) runUnit(ctx context.Context, fn func(ctx context.Context, transactionStore Store) error) (int, error) {
	delay := service.retryBaseDelay
	for attempt := 1; ; attempt++ {
		err := service.store.WithTx(ctx, fn)
		if err == nil || !errors.Is(err, ErrConflict) || attempt > service.conflictRetries {
			return attempt, err
		}
		timer := time.NewTimer(withJitter(delay))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, err
		case <-timer.C:
		}
		delay *= 2
	}
}

// withJitter spreads delay by up to a quarter in either direction.
func withJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	spread := int64(delay) / 2
	if spread == 0 {
		return delay
	}
	return delay - time.Duration(spread/2) + time.Duration(rand.Int64N(spread))
}
