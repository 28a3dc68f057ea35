package netcomm

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	ProtocolTCP = "tcp"
	ProtocolKCP = "kcp"
)

// Config describes one rank of a networked world.
type Config struct {
	// Protocol is the connection layer below the stream multiplexer.
	Protocol string `validate:"required,oneof=tcp kcp"`
	// Listen is the local address accepted connections arrive on.
	Listen string `validate:"required"`
	// Peers lists the dial address of every world rank, indexed by rank.
	// The entry of the local rank is not dialed.
	Peers []string `validate:"required,min=1,dive,required"`
	// Rank is the world rank of this process.
	Rank int `validate:"min=0"`
	// DialTimeout bounds the time spent waiting for peers to come up.
	DialTimeout time.Duration `validate:"required"`
	// KeepAliveInterval is the multiplexer ping period.
	KeepAliveInterval time.Duration `validate:"required"`
	// StreamOpenTimeout bounds the stream handshake with a peer.
	StreamOpenTimeout time.Duration `validate:"required"`
}

// DefaultConfig returns a TCP configuration with conservative timeouts.
func DefaultConfig() Config {
	return Config{
		Protocol:          ProtocolTCP,
		DialTimeout:       30 * time.Second,
		KeepAliveInterval: 30 * time.Second,
		StreamOpenTimeout: 10 * time.Second,
	}
}

var validate = validator.New()

// Validate checks the configuration before any socket is opened.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("netcomm: invalid config: %w", err)
	}
	if c.Rank >= len(c.Peers) {
		return fmt.Errorf("netcomm: invalid config: rank %d outside world of %d", c.Rank, len(c.Peers))
	}
	return nil
}
