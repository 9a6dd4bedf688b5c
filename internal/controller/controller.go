// Package controller drives Somfy RTS shutters: it encodes and transmits
// command frames and keeps a time-based estimate of each shutter's position.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"somfy-go-home/internal/rts"
	"somfy-go-home/internal/store"
	"somfy-go-home/internal/transmit"
)

// Repetition counts. Motion commands use the configured SendRepeat; a long
// press repeats the frame 35 times, which receivers treat as a held button
// (step/tilt adjustment, or remote registration for Prog).
const (
	repeatProgram   = 1
	repeatLongPress = 35
)

// Controller is the command surface for all configured shutters.
type Controller struct {
	cfg     Config
	store   store.Store
	tx      transmit.Transmitter
	tracker *Tracker
	events  *EventBus
	logger  *slog.Logger

	// txMu serializes the encode-and-transmit critical section; the
	// transmitter hardware sends one wave at a time.
	txMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a controller. The rolling-code store must already be seeded
// for every configured shutter.
func New(tx transmit.Transmitter, st store.Store, events *EventBus, cfg Config, logger *slog.Logger) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:     cfg,
		store:   st,
		tx:      tx,
		tracker: NewTracker(cfg.Shutters, logger),
		events:  events,
		logger:  logger.With("component", "controller"),
		ctx:     ctx,
		cancel:  cancel,
	}
	c.tracker.OnCommit(func(id string, position int) {
		c.events.Emit(Event{Type: EventPositionChange, Data: map[string]interface{}{
			"id":       id,
			"name":     cfg.Shutters[id].Name,
			"position": position,
		}})
	})
	return c
}

// Stop cancels any in-flight transmission wait.
func (c *Controller) Stop() {
	c.cancel()
}

// Events returns the event bus.
func (c *Controller) Events() *EventBus {
	return c.events
}

// Tracker returns the position tracker.
func (c *Controller) Tracker() *Tracker {
	return c.tracker
}

// Shutters returns the configured shutters.
func (c *Controller) Shutters() map[string]ShutterConfig {
	return c.cfg.Shutters
}

// OnPositionChange registers a callback fired synchronously on every
// committed position.
func (c *Controller) OnPositionChange(cb PositionCallback) {
	c.tracker.OnCommit(cb)
}

// Position returns the estimated position of a shutter.
func (c *Controller) Position(id string) (int, error) {
	if _, ok := c.cfg.Shutters[id]; !ok {
		return 0, fmt.Errorf("unknown shutter %q", id)
	}
	return c.tracker.Position(id), nil
}

// Lower fully closes a shutter.
func (c *Controller) Lower(id string) error {
	if err := c.sendCommand(id, rts.ButtonDown, c.cfg.SendRepeat); err != nil {
		return err
	}
	c.logger.Info("going down", "shutter", c.cfg.Shutters[id].Name)
	return c.tracker.Lower(id)
}

// Rise fully opens a shutter.
func (c *Controller) Rise(id string) error {
	if err := c.sendCommand(id, rts.ButtonUp, c.cfg.SendRepeat); err != nil {
		return err
	}
	c.logger.Info("going up", "shutter", c.cfg.Shutters[id].Name)
	return c.tracker.Rise(id)
}

// LowerPartial closes a shutter down to the target percentage. Blocks the
// caller for the whole travel time.
func (c *Controller) LowerPartial(id string, target int) error {
	if err := c.sendCommand(id, rts.ButtonDown, c.cfg.SendRepeat); err != nil {
		return err
	}
	c.logger.Info("going down", "shutter", c.cfg.Shutters[id].Name, "target", target)
	return c.tracker.LowerPartial(id, target, func() error {
		return c.sendCommand(id, rts.ButtonStop, c.cfg.SendRepeat)
	})
}

// RisePartial opens a shutter up to the target percentage. Blocks the
// caller for the whole travel time.
func (c *Controller) RisePartial(id string, target int) error {
	if err := c.sendCommand(id, rts.ButtonUp, c.cfg.SendRepeat); err != nil {
		return err
	}
	c.logger.Info("going up", "shutter", c.cfg.Shutters[id].Name, "target", target)
	return c.tracker.RisePartial(id, target, func() error {
		return c.sendCommand(id, rts.ButtonStop, c.cfg.SendRepeat)
	})
}

// StopShutter halts a moving shutter and updates the position estimate.
func (c *Controller) StopShutter(id string) error {
	if err := c.sendCommand(id, rts.ButtonStop, c.cfg.SendRepeat); err != nil {
		return err
	}
	return c.tracker.Stop(id)
}

// Program sends a single Prog frame (pairing). No position tracking.
func (c *Controller) Program(id string) error {
	return c.sendCommand(id, rts.ButtonProg, repeatProgram)
}

// PressButtons pushes a set of buttons for a short or long press, without
// position tracking.
func (c *Controller) PressButtons(id string, buttons rts.Button, longPress bool) error {
	repetition := 1
	if longPress {
		repetition = repeatLongPress
	}
	return c.sendCommand(id, buttons, repetition)
}

// remoteAddress parses a shutter id as the remote's 24-bit address.
func remoteAddress(id string) (uint32, error) {
	addr, err := strconv.ParseUint(id, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed shutter id %q: %w", id, err)
	}
	if addr > 0xFFFFFF {
		return 0, fmt.Errorf("shutter id %q exceeds 24-bit remote address", id)
	}
	return uint32(addr), nil
}

// sendCommand obtains the next rolling code, encodes a frame and transmits
// its pulse train, holding the transmit lock throughout. The code advance
// is fire-and-forget: it is not reverted on transmit failure, since a
// failed send cannot be told apart from one the receiver missed.
func (c *Controller) sendCommand(id string, buttons rts.Button, repetition int) error {
	cfg, ok := c.cfg.Shutters[id]
	if !ok {
		return fmt.Errorf("unknown shutter %q", id)
	}
	if buttons == 0 || buttons&^rts.ButtonMask != 0 {
		return fmt.Errorf("invalid button mask 0x%X", byte(buttons))
	}
	addr, err := remoteAddress(id)
	if err != nil {
		return err
	}

	c.txMu.Lock()
	defer c.txMu.Unlock()

	code, err := c.store.NextCode(id)
	if err != nil {
		return fmt.Errorf("next rolling code: %w", err)
	}

	frame := rts.Encode(addr, buttons, code)
	pulses := rts.BuildPulseTrain(frame, repetition)

	c.logger.Info("sending frame",
		"shutter", cfg.Name,
		"remote", fmt.Sprintf("0x%06X", addr),
		"button", fmt.Sprintf("0x%X", byte(buttons)),
		"code", code,
		"repetition", repetition)
	c.logger.Debug("frame encoded", "frame", fmt.Sprintf("%X", frame), "pulses", len(pulses))

	if err := c.tx.Transmit(c.ctx, pulses); err != nil {
		return fmt.Errorf("transmit: %w", err)
	}

	c.events.Emit(Event{Type: EventCommand, Data: map[string]interface{}{
		"id":         id,
		"name":       cfg.Name,
		"button":     byte(buttons),
		"code":       code,
		"repetition": repetition,
	}})
	return nil
}
