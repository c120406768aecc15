// Package tenant defines the tenant isolation boundary.
//
// Every chunk, embedding and document row carries a tenant ID, and every
// store operation takes one as a required parameter. The request context
// carries the authenticated tenant; lookups fail closed.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrMissingTenant is returned when no tenant is present in context.
	ErrMissingTenant = errors.New("tenant missing from context")

	// ErrInvalidTenant is returned when a tenant identifier is malformed.
	ErrInvalidTenant = errors.New("invalid tenant identifier")
)

const maxIDLen = 64

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ID identifies a tenant. The zero value is never valid.
type ID string

// Parse validates s and returns it as an ID.
func Parse(s string) (ID, error) {
	id := ID(s)
	if err := id.Validate(); err != nil {
		return "", err
	}
	return id, nil
}

// Validate checks the identifier format.
func (id ID) Validate() error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTenant)
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidTenant, maxIDLen)
	}
	if !idPattern.MatchString(string(id)) {
		return fmt.Errorf("%w: must be alphanumeric, hyphen or underscore", ErrInvalidTenant)
	}
	return nil
}

// String returns the identifier.
func (id ID) String() string {
	return string(id)
}

type contextKey struct{}

// WithTenant returns a context carrying id.
func WithTenant(ctx context.Context, id ID) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the tenant carried by ctx.
// Returns ErrMissingTenant if absent and ErrInvalidTenant if malformed.
func FromContext(ctx context.Context) (ID, error) {
	id, ok := ctx.Value(contextKey{}).(ID)
	if !ok || id == "" {
		return "", ErrMissingTenant
	}
	if err := id.Validate(); err != nil {
		return "", err
	}
	return id, nil
}

// Must returns the tenant carried by ctx or panics.
// Use only behind the auth middleware.
func Must(ctx context.Context) ID {
	id, err := FromContext(ctx)
	if err != nil {
		panic("tenant required but missing from context")
	}
	return id
}
