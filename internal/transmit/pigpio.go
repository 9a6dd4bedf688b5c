package transmit

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"somfy-go-home/internal/rts"
)

// pigpiod socket command numbers (pigpio/command.h).
const (
	cmdModes = 0  // set GPIO mode
	cmdWVClr = 27 // clear all waveforms
	cmdWVAG  = 28 // wave add generic
	cmdWVBsy = 32 // wave transmission busy
	cmdWVCre = 49 // wave create
	cmdWVDel = 50 // wave delete
	cmdWVTx  = 51 // wave send once
	cmdWVNew = 53 // wave add new
)

// GPIO mode value for output (pigpio PI_OUTPUT).
const pinModeOutput = 1

const busyPollInterval = 5 * time.Millisecond

// PigpioTransmitter drives the RF pin through the pigpiod daemon's TCP
// socket interface. Each Transmit builds one waveform, sends it once,
// busy-polls until the daemon is done and releases the wave handle.
type PigpioTransmitter struct {
	conn   net.Conn
	addr   string
	pin    uint32
	logger *slog.Logger

	// The socket carries one request/response exchange at a time.
	mu sync.Mutex
}

// NewPigpioTransmitter connects to a running pigpiod (default localhost:8888).
// An unreachable daemon is a startup precondition failure: the caller must
// not proceed without a transmitter.
func NewPigpioTransmitter(addr string, logger *slog.Logger) (*PigpioTransmitter, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("pigpio: connect %s: %w", addr, err)
	}
	return &PigpioTransmitter{
		conn:   conn,
		addr:   addr,
		logger: logger,
	}, nil
}

// Setup puts the transmitter pin into output mode and clears any waveforms
// a previous client left behind in the daemon.
func (p *PigpioTransmitter) Setup(pin uint32) error {
	p.pin = pin
	if _, err := p.command(cmdModes, pin, pinModeOutput, nil); err != nil {
		return fmt.Errorf("pigpio: set mode gpio %d: %w", pin, err)
	}
	if _, err := p.command(cmdWVClr, 0, 0, nil); err != nil {
		return fmt.Errorf("pigpio: wave clear: %w", err)
	}
	p.logger.Info("pigpio transmitter ready", "addr", p.addr, "pin", pin)
	return nil
}

// Transmit sends the pulse train as a single pigpio waveform and blocks
// until transmission completes.
func (p *PigpioTransmitter) Transmit(ctx context.Context, pulses []rts.Pulse) error {
	if _, err := p.command(cmdWVNew, 0, 0, nil); err != nil {
		return fmt.Errorf("pigpio: wave add new: %w", err)
	}

	ext := make([]byte, 0, len(pulses)*12)
	var buf [12]byte
	mask := uint32(1) << p.pin
	for _, pulse := range pulses {
		var on, off uint32
		if pulse.Active {
			on = mask
		} else {
			off = mask
		}
		binary.LittleEndian.PutUint32(buf[0:4], on)
		binary.LittleEndian.PutUint32(buf[4:8], off)
		binary.LittleEndian.PutUint32(buf[8:12], pulse.Duration)
		ext = append(ext, buf[:]...)
	}
	if _, err := p.command(cmdWVAG, 0, 0, ext); err != nil {
		return fmt.Errorf("pigpio: wave add generic (%d pulses): %w", len(pulses), err)
	}

	wid, err := p.command(cmdWVCre, 0, 0, nil)
	if err != nil {
		return fmt.Errorf("pigpio: wave create: %w", err)
	}
	defer func() {
		if _, err := p.command(cmdWVDel, uint32(wid), 0, nil); err != nil {
			p.logger.Warn("pigpio wave delete failed", "wid", wid, "err", err)
		}
	}()

	p.logger.Debug("pigpio wave send", "wid", wid, "pulses", len(pulses),
		"us", rts.Duration(pulses))
	if _, err := p.command(cmdWVTx, uint32(wid), 0, nil); err != nil {
		return fmt.Errorf("pigpio: wave send once: %w", err)
	}

	// Block until the daemon reports the wave finished.
	ticker := time.NewTicker(busyPollInterval)
	defer ticker.Stop()
	for {
		busy, err := p.command(cmdWVBsy, 0, 0, nil)
		if err != nil {
			return fmt.Errorf("pigpio: wave busy poll: %w", err)
		}
		if busy == 0 {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close disconnects from the daemon.
func (p *PigpioTransmitter) Close() error {
	return p.conn.Close()
}

// command performs one pigpiod request/response exchange. Requests are four
// little-endian uint32s (cmd, p1, p2, extension length) followed by the
// extension bytes; the response echoes the header with the result in the
// final word. Negative results are pigpio error codes.
func (p *PigpioTransmitter) command(cmd, p1, p2 uint32, ext []byte) (int32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	req := make([]byte, 16+len(ext))
	binary.LittleEndian.PutUint32(req[0:4], cmd)
	binary.LittleEndian.PutUint32(req[4:8], p1)
	binary.LittleEndian.PutUint32(req[8:12], p2)
	binary.LittleEndian.PutUint32(req[12:16], uint32(len(ext)))
	copy(req[16:], ext)

	if _, err := p.conn.Write(req); err != nil {
		return 0, fmt.Errorf("socket write: %w", err)
	}

	var resp [16]byte
	if _, err := io.ReadFull(p.conn, resp[:]); err != nil {
		return 0, fmt.Errorf("socket read: %w", err)
	}
	res := int32(binary.LittleEndian.Uint32(resp[12:16]))
	if res < 0 {
		return res, fmt.Errorf("pigpio error %d (cmd %d)", res, cmd)
	}
	return res, nil
}
