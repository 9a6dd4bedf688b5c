// Package transmit defines the interface to the RF transmission backend.
// Backends: pigpiod (Raspberry Pi GPIO waveform daemon) and a serial-attached
// RF dongle.
package transmit

import (
	"context"

	"somfy-go-home/internal/rts"
)

// Transmitter is the abstract interface for a 433.42 MHz pulse transmitter.
// Transmit blocks until the train has left the antenna; the caller holds the
// transmit lock for that whole window.
type Transmitter interface {
	// Setup configures the output pin. Must be called once before Transmit.
	Setup(pin uint32) error

	// Transmit sends a fully-timed pulse train.
	Transmit(ctx context.Context, pulses []rts.Pulse) error

	// Lifecycle
	Close() error
}
