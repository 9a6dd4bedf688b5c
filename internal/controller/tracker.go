package controller

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Direction is the direction of the most recent motion command.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
	DirectionNone Direction = "none"
)

// shutterState is the per-shutter position estimate. The link is one-way,
// so position is never measured, only inferred from command direction and
// elapsed time.
type shutterState struct {
	position             int // 0 = fully lowered, 100 = fully raised
	lastCommandTime      time.Time
	lastCommandDirection Direction
}

func (st *shutterState) register(dir Direction, now time.Time) {
	st.lastCommandDirection = dir
	st.lastCommandTime = now
}

// PositionCallback is invoked synchronously on every committed position.
type PositionCallback func(id string, position int)

// Tracker estimates shutter positions from command timing. States are
// created lazily on first reference; the initial position depends on the
// operation that first touches the shutter (a lower starts from fully
// raised, a rise from fully lowered, a stop from halfway).
type Tracker struct {
	shutters map[string]ShutterConfig
	logger   *slog.Logger

	mu     sync.Mutex
	states map[string]*shutterState

	cbMu      sync.Mutex
	callbacks []PositionCallback

	// Injectable clock, swapped out by tests.
	now   func() time.Time
	sleep func(time.Duration)
}

// NewTracker creates a tracker for the configured shutters.
func NewTracker(shutters map[string]ShutterConfig, logger *slog.Logger) *Tracker {
	return &Tracker{
		shutters: shutters,
		logger:   logger.With("component", "tracker"),
		states:   make(map[string]*shutterState),
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

// OnCommit registers a callback fired on every committed position.
func (t *Tracker) OnCommit(cb PositionCallback) {
	t.cbMu.Lock()
	t.callbacks = append(t.callbacks, cb)
	t.cbMu.Unlock()
}

// lookup returns the state for id, creating it with the given initial
// position if unseen. Caller must hold t.mu.
func (t *Tracker) lookup(id string, initial int) *shutterState {
	st, ok := t.states[id]
	if !ok {
		st = &shutterState{
			position:             initial,
			lastCommandTime:      t.now(),
			lastCommandDirection: DirectionNone,
		}
		t.states[id] = st
	}
	return st
}

// Position returns the current estimated position (0 if unseen).
func (t *Tracker) Position(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookup(id, 0).position
}

// setPosition commits a position and fires the registered callbacks.
func (t *Tracker) setPosition(id string, position int) {
	t.mu.Lock()
	t.lookup(id, 0).position = position
	t.mu.Unlock()

	t.cbMu.Lock()
	callbacks := make([]PositionCallback, len(t.callbacks))
	copy(callbacks, t.callbacks)
	t.cbMu.Unlock()
	for _, cb := range callbacks {
		cb(id, position)
	}
}

// waitAndFinalize sleeps for the estimated travel time and commits the
// target position, unless a newer command registered in the meantime. A
// superseded task runs to completion and no-ops; the newer command owns
// the final position.
func (t *Tracker) waitAndFinalize(id string, wait time.Duration, target int, scheduled time.Time) {
	name := t.shutters[id].Name
	t.logger.Info("waiting for operation to complete", "shutter", name, "seconds", wait.Seconds())
	t.sleep(wait)

	t.mu.Lock()
	st := t.lookup(id, 0)
	superseded := !st.lastCommandTime.Equal(scheduled)
	position := st.position
	t.mu.Unlock()

	if superseded {
		t.logger.Info("discarding final position, a newer command took over",
			"shutter", name, "position", position)
		return
	}
	t.logger.Info("setting final position", "shutter", name, "position", target)
	t.setPosition(id, target)
}

func (t *Tracker) config(id string) (ShutterConfig, error) {
	cfg, ok := t.shutters[id]
	if !ok {
		return ShutterConfig{}, fmt.Errorf("unknown shutter %q", id)
	}
	return cfg, nil
}

// Lower registers a full lowering and schedules the deferred finalize to
// fully closed after the estimated travel time.
func (t *Tracker) Lower(id string) error {
	cfg, err := t.config(id)
	if err != nil {
		return err
	}

	t.mu.Lock()
	st := t.lookup(id, 100)
	st.register(DirectionDown, t.now())
	wait := seconds(float64(st.position) / 100 * cfg.DurationDown)
	scheduled := st.lastCommandTime
	t.mu.Unlock()

	go t.waitAndFinalize(id, wait, 0, scheduled)
	return nil
}

// Rise registers a full raising and schedules the deferred finalize to
// fully open after the estimated travel time.
func (t *Tracker) Rise(id string) error {
	cfg, err := t.config(id)
	if err != nil {
		return err
	}

	t.mu.Lock()
	st := t.lookup(id, 0)
	st.register(DirectionUp, t.now())
	wait := seconds(float64(100-st.position) / 100 * cfg.DurationUp)
	scheduled := st.lastCommandTime
	t.mu.Unlock()

	go t.waitAndFinalize(id, wait, 100, scheduled)
	return nil
}

// LowerPartial blocks for the travel time down to target, invokes stop to
// halt the motor, and commits the target position.
func (t *Tracker) LowerPartial(id string, target int, stop func() error) error {
	cfg, err := t.config(id)
	if err != nil {
		return err
	}

	t.mu.Lock()
	st := t.lookup(id, 100)
	st.register(DirectionDown, t.now())
	wait := seconds(float64(st.position-target) / 100 * cfg.DurationDown)
	t.mu.Unlock()

	t.sleep(wait)
	t.logger.Info("stop at partial position requested", "shutter", cfg.Name, "position", target)
	if err := stop(); err != nil {
		return err
	}
	t.setPosition(id, target)
	return nil
}

// RisePartial blocks for the travel time up to target, invokes stop to halt
// the motor, and commits the target position.
func (t *Tracker) RisePartial(id string, target int, stop func() error) error {
	cfg, err := t.config(id)
	if err != nil {
		return err
	}

	t.mu.Lock()
	st := t.lookup(id, 0)
	st.register(DirectionUp, t.now())
	wait := seconds(float64(target-st.position) / 100 * cfg.DurationUp)
	t.mu.Unlock()

	t.sleep(wait)
	t.logger.Info("stop at partial position requested", "shutter", cfg.Name, "position", target)
	if err := stop(); err != nil {
		return err
	}
	t.setPosition(id, target)
	return nil
}

// Stop computes the position reached when the motor halts. If the stop
// lands inside the valid travel window of the previous motion command the
// position follows from elapsed time; otherwise the motor is assumed to be
// heading for its configured intermediate position, and a deferred finalize
// is scheduled for it.
func (t *Tracker) Stop(id string) error {
	cfg, err := t.config(id)
	if err != nil {
		return err
	}

	t.mu.Lock()
	st := t.lookup(id, 50)
	now := t.now()
	elapsed := int(math.Round(now.Sub(st.lastCommandTime).Seconds()))
	t.logger.Info("stopping", "shutter", cfg.Name,
		"position", st.position, "elapsed", elapsed, "direction", st.lastCommandDirection)

	fallback := false
	newPosition := st.position
	switch st.lastCommandDirection {
	case DirectionUp:
		if elapsed > 0 && float64(elapsed) < cfg.DurationUp {
			pct := int(math.Round(float64(elapsed) / cfg.DurationUp * 100))
			if st.position > 0 { // rise from a previous position
				newPosition = min(100, st.position+pct)
			} else { // rise from fully closed
				newPosition = pct
			}
		} else {
			t.logger.Info("too much time since up command", "shutter", cfg.Name)
			fallback = true
		}
	case DirectionDown:
		if elapsed > 0 && float64(elapsed) < cfg.DurationDown {
			pct := int(math.Round(float64(elapsed) / cfg.DurationDown * 100))
			if st.position < 100 { // lower from a previous position
				newPosition = max(0, st.position-pct)
			} else { // lower from fully opened
				newPosition = 100 - pct
			}
		} else {
			t.logger.Info("too much time since down command", "shutter", cfg.Name)
			fallback = true
		}
	default: // consecutive stops
		t.logger.Info("stop pressed while stationary", "shutter", cfg.Name)
		fallback = true
	}

	if fallback {
		ip := cfg.IntermediatePosition
		if ip == nil || *ip == st.position {
			t.logger.Info("staying stationary", "shutter", cfg.Name)
			newPosition = st.position
		} else {
			t.logger.Info("motor expected to move to intermediate position",
				"shutter", cfg.Name, "position", *ip)
			var wait time.Duration
			if st.position > *ip {
				st.register(DirectionDown, now)
				wait = seconds(math.Abs(float64(st.position-*ip)) / 100 * cfg.DurationDown)
			} else {
				st.register(DirectionUp, now)
				wait = seconds(math.Abs(float64(st.position-*ip)) / 100 * cfg.DurationUp)
			}
			scheduled := st.lastCommandTime
			t.mu.Unlock()
			go t.waitAndFinalize(id, wait, *ip, scheduled)
			return nil
		}
	}
	t.mu.Unlock()

	t.setPosition(id, newPosition)

	// Registered last so the elapsed-time computation above saw the
	// previous command, not this stop.
	t.mu.Lock()
	st.register(DirectionNone, t.now())
	t.mu.Unlock()
	return nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
