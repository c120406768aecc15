// Package qdrant wraps the official Qdrant gRPC client behind the small
// surface the vector store needs: collections with keyword indexes,
// filtered upserts, scored queries, counts and filtered deletes.
package qdrant

import (
	"context"
	"errors"
)

// ErrCircuitOpen is returned while the client refuses calls after repeated
// transient failures.
var ErrCircuitOpen = errors.New("qdrant: circuit breaker open")

// Client is the subset of Qdrant used by the vector store.
type Client interface {
	// EnsureCollection creates the collection with cosine distance if it
	// does not exist, plus keyword payload indexes on indexFields.
	EnsureCollection(ctx context.Context, name string, vectorSize uint64, indexFields ...string) error

	// Upsert writes points and waits until they are applied.
	Upsert(ctx context.Context, collection string, points []*Point) error

	// Get returns the points with the given UUIDs that exist.
	Get(ctx context.Context, collection string, ids []string) ([]*Point, error)

	// Search returns scored points, highest score first.
	Search(ctx context.Context, collection string, req SearchRequest) ([]*ScoredPoint, error)

	// Count returns the exact number of points matching filter.
	Count(ctx context.Context, collection string, filter *Filter) (uint64, error)

	// DeleteByFilter removes every point matching filter and waits.
	DeleteByFilter(ctx context.Context, collection string, filter *Filter) error

	Health(ctx context.Context) error
	Close() error
}

// Point is a vector with a payload. ID must be a UUID.
type Point struct {
	ID     string
	Vector []float32
	// Payload values are string, int64, float64 or bool.
	Payload map[string]interface{}
}

// ScoredPoint is a search hit.
type ScoredPoint struct {
	Point
	Score float32
}

// SearchRequest describes one nearest-neighbor page.
type SearchRequest struct {
	Vector []float32
	Limit  uint64
	Offset uint64
	// ScoreThreshold drops hits scoring below it when set.
	ScoreThreshold *float32
	Filter         *Filter
}

// Filter combines conditions. All Must conditions and no MustNot
// conditions must hold.
type Filter struct {
	Must    []Condition
	MustNot []Condition
}

// Condition matches a payload field exactly. Match is a string or int64.
type Condition struct {
	Field string
	Match interface{}
}

// Match is shorthand for an exact-match condition.
func Match(field string, value interface{}) Condition {
	return Condition{Field: field, Match: value}
}
