package qdrant

import (
	"fmt"
	"time"
)

// ClientConfig configures the gRPC client. Zero fields take the values of
// DefaultClientConfig.
type ClientConfig struct {
	Host   string
	Port   int // gRPC port, not the REST port
	UseTLS bool
	APIKey string

	// MaxMessageSize caps gRPC messages in both directions. Manuals with
	// thousands of chunks upsert in one call, so the default is generous.
	MaxMessageSize int

	DialTimeout    time.Duration
	RequestTimeout time.Duration

	// RetryAttempts is the number of retries after the first transient
	// failure; RetryBackoff doubles between them.
	RetryAttempts int
	RetryBackoff  time.Duration

	// The breaker opens after BreakerThreshold consecutive transient
	// failures and rejects calls for BreakerCooldown.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Host:             "localhost",
		Port:             6334,
		MaxMessageSize:   64 << 20,
		DialTimeout:      5 * time.Second,
		RequestTimeout:   30 * time.Second,
		RetryAttempts:    3,
		RetryBackoff:     500 * time.Millisecond,
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
	}
}

// ApplyDefaults fills zero fields.
func (c *ClientConfig) ApplyDefaults() {
	d := DefaultClientConfig()
	setString(&c.Host, d.Host)
	setInt(&c.Port, d.Port)
	setInt(&c.MaxMessageSize, d.MaxMessageSize)
	setDuration(&c.DialTimeout, d.DialTimeout)
	setDuration(&c.RequestTimeout, d.RequestTimeout)
	setInt(&c.RetryAttempts, d.RetryAttempts)
	setDuration(&c.RetryBackoff, d.RetryBackoff)
	setInt(&c.BreakerThreshold, d.BreakerThreshold)
	setDuration(&c.BreakerCooldown, d.BreakerCooldown)
}

func (c *ClientConfig) Validate() error {
	switch {
	case c.Host == "":
		return fmt.Errorf("host is required")
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Port)
	case c.MaxMessageSize <= 0:
		return fmt.Errorf("invalid max message size: %d (must be > 0)", c.MaxMessageSize)
	case c.RetryAttempts < 0:
		return fmt.Errorf("invalid retry attempts: %d (must be >= 0)", c.RetryAttempts)
	}
	return nil
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}

func setDuration(dst *time.Duration, def time.Duration) {
	if *dst == 0 {
		*dst = def
	}
}
