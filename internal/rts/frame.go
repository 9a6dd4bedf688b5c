// Package rts implements the Somfy RTS radio protocol: 7-octet frame
// encoding (checksum + XOR obfuscation) and the timed pulse train that
// carries a frame over the 433.42 MHz link.
package rts

// Button is the RTS remote button mask carried in the frame.
type Button byte

const (
	ButtonStop Button = 0x1
	ButtonUp   Button = 0x2
	ButtonDown Button = 0x4
	ButtonProg Button = 0x8
)

// ButtonMask covers the four defined button bits.
const ButtonMask Button = ButtonStop | ButtonUp | ButtonDown | ButtonProg

// FrameLen is the size of an encoded RTS frame in octets.
const FrameLen = 7

// Frame is a fully encoded (checksummed and obfuscated) RTS frame.
type Frame [FrameLen]byte

// frameKey is the fixed first octet. Real remotes vary it per frame but
// receivers do not check it.
const frameKey = 0xA7

// Encode builds an RTS frame for the given 24-bit remote address, button
// mask and 16-bit rolling code.
//
// Layout before obfuscation:
//
//	octet 0    key (0xA7)
//	octet 1    button<<4 | checksum nibble
//	octet 2-3  rolling code, big endian
//	octet 4-6  remote address, big endian
//
// The checksum is the XOR of every octet with itself shifted right by four
// bits, reduced to the low nibble. Obfuscation XORs each octet with the
// already-obfuscated previous one, octet 0 being the chain root.
//
// Encode is pure and does not validate its inputs: addresses wider than
// 24 bits or buttons outside ButtonMask are a caller contract.
func Encode(address uint32, button Button, code uint16) Frame {
	var f Frame
	f[0] = frameKey
	f[1] = byte(button) << 4
	f[2] = byte(code >> 8)
	f[3] = byte(code)
	f[4] = byte(address >> 16)
	f[5] = byte(address >> 8)
	f[6] = byte(address)

	var checksum byte
	for _, octet := range f {
		checksum ^= octet ^ (octet >> 4)
	}
	f[1] |= checksum & 0x0F

	for i := 1; i < FrameLen; i++ {
		f[i] ^= f[i-1]
	}
	return f
}

// Decode reverses the obfuscation chain and verifies the checksum,
// recovering (address, button, code) from an encoded frame. Real receivers
// do the same.
func Decode(f Frame) (address uint32, button Button, code uint16, ok bool) {
	var clear Frame
	clear[0] = f[0]
	for i := FrameLen - 1; i >= 1; i-- {
		clear[i] = f[i] ^ f[i-1]
	}

	var checksum byte
	for _, octet := range clear {
		checksum ^= octet ^ (octet >> 4)
	}
	if checksum&0x0F != 0 {
		return 0, 0, 0, false
	}

	button = Button(clear[1] >> 4)
	code = uint16(clear[2])<<8 | uint16(clear[3])
	address = uint32(clear[4])<<16 | uint32(clear[5])<<8 | uint32(clear[6])
	return address, button, code, true
}
