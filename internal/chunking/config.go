package chunking

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/manualrag/internal/config"
)

// ErrInvalidConfig is returned for configurations that cannot guarantee
// bounded chunk sizes.
var ErrInvalidConfig = errors.New("invalid chunking config")

// Config sizes are measured in characters (runes).
type Config struct {
	// Size is the target chunk length.
	Size int
	// Overlap is how many trailing characters of a chunk are repeated at
	// the start of the next one.
	Overlap int
	// MinSize is the smallest chunk emitted, except for documents that are
	// themselves shorter.
	MinSize int
	// Tolerance is how far a break may move from Size to land on a
	// paragraph, sentence or line boundary.
	Tolerance int
}

// DefaultConfig returns 1000-character chunks with 100 characters of overlap.
func DefaultConfig() Config {
	return Config{Size: 1000, Overlap: 100, MinSize: 200, Tolerance: 100}
}

// FromSettings converts the service configuration section.
func FromSettings(s config.ChunkingConfig) Config {
	return Config{Size: s.Size, Overlap: s.Overlap, MinSize: s.MinSize, Tolerance: s.Tolerance}
}

// Validate checks that every emitted chunk can fit in
// [MinSize, Size+Tolerance] while still making progress.
func (c Config) Validate() error {
	switch {
	case c.Size <= 0:
		return fmt.Errorf("%w: size must be positive, got %d", ErrInvalidConfig, c.Size)
	case c.Overlap < 0:
		return fmt.Errorf("%w: overlap must not be negative, got %d", ErrInvalidConfig, c.Overlap)
	case c.Tolerance < 0:
		return fmt.Errorf("%w: tolerance must not be negative, got %d", ErrInvalidConfig, c.Tolerance)
	case c.MinSize < 0:
		return fmt.Errorf("%w: min size must not be negative, got %d", ErrInvalidConfig, c.MinSize)
	case c.Overlap+c.Tolerance >= c.Size:
		return fmt.Errorf("%w: overlap+tolerance (%d) must be less than size (%d)", ErrInvalidConfig, c.Overlap+c.Tolerance, c.Size)
	case c.MinSize > c.Size/2:
		return fmt.Errorf("%w: min size (%d) must be at most half of size (%d)", ErrInvalidConfig, c.MinSize, c.Size)
	}
	return nil
}
