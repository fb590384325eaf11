package ntptime

import (
	"math"
	"time"
)

// UnixToNTPOffset is the number of seconds between the NTP era-1 epoch
// (1900-01-01 UTC) and the Unix epoch (1970-01-01 UTC).
const UnixToNTPOffset int64 = 2208988800

// fracScale is 2^32, the denominator of the fractional word.
const fracScale = 1 << 32

// PreciseTime is a 64-bit NTP timestamp split into its 32.32 fixed-point
// words. Both words are kept as int64 so intermediate differences can go
// negative without wrapping.
type PreciseTime struct {
	Seconds  int64 `json:"seconds"`
	Fraction int64 `json:"fraction"`
}

// Float collapses the timestamp into float seconds.
func (t PreciseTime) Float() float64 {
	return float64(t.Seconds) + float64(t.Fraction)/fracScale
}

// IsZero reports whether both words are zero (an unset NTP timestamp).
func (t PreciseTime) IsZero() bool {
	return t.Seconds == 0 && t.Fraction == 0
}

// FromTime converts a wall-clock time to an NTP timestamp.
func FromTime(t time.Time) PreciseTime {
	u := t.UTC()
	frac := (int64(u.Nanosecond()) << 32) / int64(time.Second)
	return PreciseTime{
		Seconds:  u.Unix() + UnixToNTPOffset,
		Fraction: frac,
	}
}

// FromUnixFloat converts float Unix seconds (the RIPE Atlas timestamp
// shape) to an NTP timestamp.
func FromUnixFloat(sec float64) PreciseTime {
	whole, frac := math.Modf(sec)
	return PreciseTime{
		Seconds:  int64(whole) + UnixToNTPOffset,
		Fraction: int64(frac * fracScale),
	}
}

// Time converts the timestamp back to wall-clock time.
func (t PreciseTime) Time() time.Time {
	nanos := (t.Fraction * int64(time.Second)) >> 32
	return time.Unix(t.Seconds-UnixToNTPOffset, nanos).UTC()
}

// Offset computes the clock offset ((t2-t1)+(t3-t4))/2 in float seconds
// from the four exchange timestamps: t1 client sent, t2 server received,
// t3 server sent, t4 client received.
func Offset(t1, t2, t3, t4 PreciseTime) float64 {
	a := PreciseTime{t2.Seconds - t1.Seconds, t2.Fraction - t1.Fraction}
	b := PreciseTime{t3.Seconds - t4.Seconds, t3.Fraction - t4.Fraction}
	sec := float64(a.Seconds+b.Seconds) / 2.0
	frac := float64(a.Fraction+b.Fraction) / 2.0
	return sec + frac/fracScale
}

// RTT computes the round-trip delay (t4-t1)-(t3-t2) in float seconds.
func RTT(t1, t2, t3, t4 PreciseTime) float64 {
	a := PreciseTime{t4.Seconds - t1.Seconds, t4.Fraction - t1.Fraction}
	b := PreciseTime{t3.Seconds - t2.Seconds, t3.Fraction - t2.Fraction}
	sec := float64(a.Seconds - b.Seconds)
	frac := float64(a.Fraction - b.Fraction)
	return sec + frac/fracScale
}

// OffsetFromUnixSeconds computes the offset from float Unix-second
// timestamps as reported by RIPE Atlas probe results (origin-ts,
// receive-ts, transmit-ts, final-ts).
func OffsetFromUnixSeconds(origin, receive, transmit, final float64) float64 {
	return ((receive - origin) + (transmit - final)) / 2
}

// RTTFromUnixSeconds computes the round-trip delay from float
// Unix-second timestamps.
func RTTFromUnixSeconds(origin, receive, transmit, final float64) float64 {
	return (final - origin) - (transmit - receive)
}

// Jitter is the spread of a series of offsets relative to the first one:
// sqrt(sum((o_i - o_0)^2) / (n-1)). One or zero samples have no jitter.
func Jitter(offsets []float64) float64 {
	if len(offsets) <= 1 {
		return 0
	}
	var sum float64
	for _, o := range offsets[1:] {
		d := o - offsets[0]
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(offsets)-1))
}
