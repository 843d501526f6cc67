package circuitbreaker

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/bossbrainz/guardrail/internal/logging"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// MaxRetryAfter caps how long an upstream may ask us to wait.
const MaxRetryAfter = 120 * time.Second

// IsTransient reports whether err is worth retrying: network failures,
// per-attempt timeouts, 429 and 5xx responses. Client errors and caller
// cancellation are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == 429 || se.StatusCode >= 500
	}

	switch {
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF):
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// hintedBackOff is an exponential backoff that yields to a server-provided
// Retry-After once, capped at the configured maximum delay.
type hintedBackOff struct {
	*backoff.ExponentialBackOff
	hint time.Duration
}

func (h *hintedBackOff) NextBackOff() time.Duration {
	next := h.ExponentialBackOff.NextBackOff()
	if h.hint > 0 {
		next = h.hint
		if next > h.MaxInterval {
			next = h.MaxInterval
		}
		h.hint = 0
	}
	return next
}

func (b *Breaker) newBackOff() *hintedBackOff {
	eb := backoff.NewExponentialBackOff()
	if b.cfg.InitialDelay > 0 {
		eb.InitialInterval = b.cfg.InitialDelay
	}
	if b.cfg.MaxDelay > 0 {
		eb.MaxInterval = b.cfg.MaxDelay
	}
	eb.Multiplier = 2
	eb.RandomizationFactor = 0.3
	eb.MaxElapsedTime = 0
	eb.Reset()
	return &hintedBackOff{ExponentialBackOff: eb}
}

// retry runs fn up to MaxRetries+1 times. Only transient failures are
// retried, and never once ctx is done.
func (b *Breaker) retry(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	var (
		result  any
		attempt int
	)

	bo := b.newBackOff()
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(max(b.cfg.MaxRetries, 0))), ctx)

	op := func() error {
		attempt++
		v, err := b.call(ctx, fn)
		if err == nil {
			result = v
			return nil
		}
		if ctx.Err() != nil || !IsTransient(err) {
			return backoff.Permanent(err)
		}
		var se *StatusError
		if errors.As(err, &se) {
			bo.hint = se.RetryAfter
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		b.retries.Add(1)
		logging.Warn("Retrying upstream call",
			zap.String("dependency", b.name),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return result, nil
}

func (b *Breaker) call(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if b.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}
	return fn(ctx)
}
