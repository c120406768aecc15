package qdrant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// call runs fn, retrying transient gRPC failures with exponential backoff.
// All calls on a client share one breaker.
func (c *GRPCClient) call(ctx context.Context, op string, fn func(context.Context) error) error {
	if !c.breaker.allow() {
		return ErrCircuitOpen
	}

	if c.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
	}

	wait := c.config.RetryBackoff
	if wait <= 0 {
		wait = time.Second
	}
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(ctx); err == nil {
			c.breaker.success()
			if attempt > 0 {
				c.logger.Info(ctx, "qdrant call recovered", zap.String("op", op), zap.Int("retries", attempt))
			}
			return nil
		}
		if !IsTransientError(err) {
			return err
		}
		if c.breaker.failure() {
			c.logger.Warn(ctx, "qdrant circuit breaker opened",
				zap.String("op", op),
				zap.Int("consecutive_failures", c.breaker.threshold),
				zap.Duration("cooldown", c.breaker.cooldown),
				zap.Error(err))
			return fmt.Errorf("%w: %w", ErrCircuitOpen, err)
		}
		if attempt >= c.config.RetryAttempts {
			break
		}

		c.logger.Debug(ctx, "retrying qdrant call",
			zap.String("op", op), zap.Int("attempt", attempt+1), zap.Duration("backoff", wait), zap.Error(err))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("qdrant %s canceled: %w", op, ctx.Err())
		case <-t.C:
		}
		wait *= 2
	}

	c.logger.Warn(ctx, "qdrant call failed after retries",
		zap.String("op", op), zap.Int("attempts", c.config.RetryAttempts+1), zap.Error(err))
	return fmt.Errorf("qdrant %s failed after %d retries: %w", op, c.config.RetryAttempts, err)
}

// breaker is a consecutive-failure circuit breaker. After cooldown it lets
// one trial call through; a failed trial call reopens it. A zero threshold disables it.
type breaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	failures int
	openedAt time.Time
}

func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.threshold <= 0 || b.failures < b.threshold {
		return true
	}
	if b.now().Sub(b.openedAt) < b.cooldown {
		return false
	}
	b.failures = b.threshold - 1
	return true
}

func (b *breaker) success() {
	b.mu.Lock()
	b.failures = 0
	b.mu.Unlock()
}

// failure reports whether this failure opened the circuit.
func (b *breaker) failure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.threshold <= 0 {
		return false
	}
	b.failures++
	if b.failures < b.threshold {
		return false
	}
	b.openedAt = b.now()
	return true
}

// IsTransientError reports whether err is worth retrying: an open breaker
// or a gRPC status that signals overload or a lost connection.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return true
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
		return true
	}
	return false
}
