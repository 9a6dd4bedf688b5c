package controller

// ShutterConfig describes one shutter. The map key under which it lives is
// the remote's 24-bit address as a hex string; that key is also the id used
// by every command verb.
type ShutterConfig struct {
	Name         string
	DurationDown float64 // seconds for full travel, open to closed
	DurationUp   float64 // seconds for full travel, closed to open
	// IntermediatePosition is the motor's configured "my" position in
	// percent, nil when the motor has none. Used as the inferred outcome of
	// a stop when elapsed-time estimation does not apply.
	IntermediatePosition *int
	// Code is the initial rolling code, only used to seed the store on
	// first run.
	Code uint16
}

// Config holds controller configuration.
type Config struct {
	Shutters   map[string]ShutterConfig
	SendRepeat int // frame repetitions for motion commands
}
