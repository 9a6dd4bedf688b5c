package transmit

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"

	"somfy-go-home/internal/rts"
)

// Dongle wire protocol: each request starts with a two-byte preamble and a
// little-endian pulse count, followed by one 5-byte record per pulse
// (level, duration µs). The firmware replays the train on its RF pin and
// answers a single ACK byte when the antenna is idle again.
const (
	donglePreamble0 = 0xAA
	donglePreamble1 = 0x55
	dongleOpSetup   = 0x01
	dongleOpWave    = 0x02
	dongleACK       = 0x06
)

// SerialTransmitter drives a microcontroller RF dongle attached over USB
// serial. The dongle owns the microsecond timing; this side only streams
// the train and waits for the completion ACK.
type SerialTransmitter struct {
	port     serial.Port
	portName string
	logger   *slog.Logger

	mu sync.Mutex
}

// NewSerialTransmitter opens the dongle's serial port.
func NewSerialTransmitter(portName string, baudRate int, logger *slog.Logger) (*SerialTransmitter, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("serial transmitter: open %s: %w", portName, err)
	}

	// USB CDC ACM: assert DTR/RTS so the firmware starts listening.
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)

	return &SerialTransmitter{
		port:     port,
		portName: portName,
		logger:   logger,
	}, nil
}

// Setup tells the dongle which of its pins carries the RF output.
func (s *SerialTransmitter) Setup(pin uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req := []byte{donglePreamble0, donglePreamble1, dongleOpSetup, byte(pin)}
	if _, err := s.port.Write(req); err != nil {
		return fmt.Errorf("serial transmitter: setup write: %w", err)
	}
	if err := s.awaitACK(2 * time.Second); err != nil {
		return fmt.Errorf("serial transmitter: setup: %w", err)
	}
	s.logger.Info("serial transmitter ready", "port", s.portName, "pin", pin)
	return nil
}

// Transmit streams the pulse train and blocks until the dongle ACKs
// completion.
func (s *SerialTransmitter) Transmit(ctx context.Context, pulses []rts.Pulse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req := make([]byte, 0, 6+5*len(pulses))
	req = append(req, donglePreamble0, donglePreamble1, dongleOpWave)
	req = binary.LittleEndian.AppendUint16(req, uint16(len(pulses)))
	for _, p := range pulses {
		level := byte(0)
		if p.Active {
			level = 1
		}
		req = append(req, level)
		req = binary.LittleEndian.AppendUint32(req, p.Duration)
	}

	if _, err := s.port.Write(req); err != nil {
		return fmt.Errorf("serial transmitter: wave write: %w", err)
	}
	s.logger.Debug("dongle wave sent", "pulses", len(pulses), "us", rts.Duration(pulses))

	// Allow the on-air time plus slack before declaring the dongle dead.
	timeout := time.Duration(rts.Duration(pulses))*time.Microsecond + 2*time.Second
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	if err := s.awaitACK(timeout); err != nil {
		return fmt.Errorf("serial transmitter: wave: %w", err)
	}
	return nil
}

// Close releases the serial port.
func (s *SerialTransmitter) Close() error {
	return s.port.Close()
}

func (s *SerialTransmitter) awaitACK(timeout time.Duration) error {
	if err := s.port.SetReadTimeout(timeout); err != nil {
		return fmt.Errorf("set read timeout: %w", err)
	}
	buf := make([]byte, 1)
	n, err := s.port.Read(buf)
	if err != nil {
		return fmt.Errorf("read ack: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("ack timeout after %s", timeout)
	}
	if buf[0] != dongleACK {
		return fmt.Errorf("unexpected ack byte 0x%02X", buf[0])
	}
	return nil
}
