package retry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// AuditPublishPolicy is deliberately short lived. Audit delivery is
// best-effort and must never hold up the request path for long.
func AuditPublishPolicy(log *zap.Logger) Policy {
	return Policy{
		Name:     "audit_publish",
		Attempts: 3,
		Backoff:  ExpoJitter{Base: 100 * time.Millisecond, Max: 2 * time.Second, Jitter: 0.2},
		Retryable: func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		},
		OnAttempt: func(i int, err error) {
			if log != nil {
				log.Warn("audit publish retry", zap.Int("attempt", i+1), zap.Error(err))
			}
		},
		OnExhaust: func(err error) {
			if log != nil && !errors.Is(err, context.Canceled) {
				log.Error("audit publish retries exhausted", zap.Error(err))
			}
		},
	}
}
