package embeddings

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("embedding generation failed")

	// ErrDimensionMismatch means the provider returned vectors of a length
	// other than the configured dimension. It is a configuration error and
	// is never retried.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrUnauthorized means the provider rejected the credentials.
	ErrUnauthorized = errors.New("embedding provider rejected credentials")
)

// TransientError wraps a failure worth retrying: rate limits, timeouts,
// and upstream 5xx responses.
type TransientError struct {
	Err error
	// RetryAfter is the server-requested delay, if any.
	RetryAfter time.Duration
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err should be retried. Context cancellation
// is never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// isFatal reports errors that stop a whole batch instead of failing the
// texts of one sub-batch.
func isFatal(err error) bool {
	return errors.Is(err, ErrDimensionMismatch) || errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// classifyMessage maps client errors that only expose a message (as
// langchaingo's do) onto the error taxonomy.
func classifyMessage(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401"), strings.Contains(msg, "403"),
		strings.Contains(msg, "invalid api key"), strings.Contains(msg, "incorrect api key"):
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "500"), strings.Contains(msg, "502"),
		strings.Contains(msg, "503"), strings.Contains(msg, "504"),
		strings.Contains(msg, "timeout"), strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "connection refused"):
		return &TransientError{Err: fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)}
	default:
		return fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
}
