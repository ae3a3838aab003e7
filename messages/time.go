package messages

import "time"

/*
 0 1 2 3 4 5 6 7
+-+-+-+-+-+-+-+-+
|1| exp | mant  |
+-+-+-+-+-+-+-+-+

	RFC3376 Section 4.1.1: Max Resp Code / QQIC floating point format
*/

const timeUnit = 100 * time.Millisecond

// MaxTime is the largest interval a compressed time code can carry.
var MaxTime = DecodeTime(0xFF)

// MaxInterval is the largest query interval a QQIC can carry.
var MaxInterval = DecodeInterval(0xFF)

// DecodeTime converts a Max Resp Code into a duration.
// Codes below 128 are tenths of a second, larger codes carry a 3 bit
// exponent and a 4 bit mantissa: (mant | 0x10) << (exp + 3).
func DecodeTime(code uint8) time.Duration {
	if code < 128 {
		return time.Duration(code) * timeUnit
	}
	exp := (code >> 4) & 0x07
	mant := code & 0x0F
	return time.Duration(uint32(mant|0x10)<<(exp+3)) * timeUnit
}

// EncodeTime converts d into a compressed time code. Values that are not
// exactly representable are rounded down to the nearest code, so the
// decoded interval never exceeds d. Values above MaxTime saturate to 0xFF.
func EncodeTime(d time.Duration) uint8 {
	if d <= 0 {
		return 0
	}
	units := uint64(d / timeUnit)
	if units < 128 {
		return uint8(units)
	}
	if units >= uint64(MaxTime/timeUnit) {
		return 0xFF
	}
	for exp := uint8(0); exp < 8; exp++ {
		mant := units >> (exp + 3)
		if mant < 32 {
			return 0x80 | exp<<4 | uint8(mant-16)
		}
	}
	return 0xFF
}

// DecodeInterval converts a QQIC value into a duration. QQIC uses the
// Max Resp Code format counted in seconds rather than tenths.
func DecodeInterval(code uint8) time.Duration { return 10 * DecodeTime(code) }

// EncodeInterval converts a query interval into a QQIC value, rounding
// down like EncodeTime.
func EncodeInterval(d time.Duration) uint8 { return EncodeTime(d / 10) }
