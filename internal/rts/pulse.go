package rts

// Pulse is one timed level on the transmitter pin. Active means the RF
// carrier is driven.
type Pulse struct {
	Active   bool
	Duration uint32 // microseconds
}

// RTS timing table, microseconds.
const (
	wakeupHigh   = 9415
	wakeupLow    = 89565
	hwSyncHalf   = 2560
	swSyncHigh   = 4550
	swSyncLow    = 640
	symbolHalf   = 640
	interframe   = 30415
	firstHWSyncs = 2
	nextHWSyncs  = 7
)

// payloadBits is the number of data bits in a frame (7 octets).
const payloadBits = FrameLen * 8

// BuildPulseTrain expands an encoded frame into the timed pulse sequence
// for one transmission: wake-up, hardware sync, software sync, the
// Manchester-encoded payload, and an inter-frame gap. Each repetition
// beyond the first repeats sync + payload + gap, with seven hardware sync
// pairs instead of two. Receivers distinguish the original press from a
// held button by that sync count, so the asymmetry matters.
//
// repetition must be >= 1.
func BuildPulseTrain(f Frame, repetition int) []Pulse {
	pulses := make([]Pulse, 0, trainLen(repetition))

	pulses = append(pulses,
		Pulse{Active: true, Duration: wakeupHigh},
		Pulse{Active: false, Duration: wakeupLow},
	)
	pulses = appendFrame(pulses, f, firstHWSyncs)
	for i := 1; i < repetition; i++ {
		pulses = appendFrame(pulses, f, nextHWSyncs)
	}
	return pulses
}

func appendFrame(pulses []Pulse, f Frame, hwSyncs int) []Pulse {
	for i := 0; i < hwSyncs; i++ {
		pulses = append(pulses,
			Pulse{Active: true, Duration: hwSyncHalf},
			Pulse{Active: false, Duration: hwSyncHalf},
		)
	}
	pulses = append(pulses,
		Pulse{Active: true, Duration: swSyncHigh},
		Pulse{Active: false, Duration: swSyncLow},
	)

	// Manchester: 1 = idle then active, 0 = active then idle, MSB first.
	for i := 0; i < payloadBits; i++ {
		bit := f[i/8]>>(7-i%8)&1 == 1
		pulses = append(pulses,
			Pulse{Active: !bit, Duration: symbolHalf},
			Pulse{Active: bit, Duration: symbolHalf},
		)
	}

	return append(pulses, Pulse{Active: false, Duration: interframe})
}

func trainLen(repetition int) int {
	first := 2*firstHWSyncs + 2 + 2*payloadBits + 1
	next := 2*nextHWSyncs + 2 + 2*payloadBits + 1
	return 2 + first + (repetition-1)*next
}

// Duration returns the total length of a pulse train in microseconds.
func Duration(pulses []Pulse) uint64 {
	var total uint64
	for _, p := range pulses {
		total += uint64(p.Duration)
	}
	return total
}
