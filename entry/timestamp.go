package entry

import "time"

// DateTimeStamp is a UTC instant extended with a one-byte uniquifier so
// that entries emitted within the same clock tick remain totally ordered.
// The zero value is Unknown.
type DateTimeStamp struct {
	TimeUtc    time.Time
	Uniquifier uint8
}

// Unknown is the stamp carried by "no previous entry" chain heads.
var Unknown = DateTimeStamp{}

// IsKnown reports whether the stamp carries an actual instant.
func (s DateTimeStamp) IsKnown() bool {
	return !s.TimeUtc.IsZero()
}

// Compare orders two stamps lexicographically on (UTC time, uniquifier).
func (s DateTimeStamp) Compare(o DateTimeStamp) int {
	if c := s.TimeUtc.Compare(o.TimeUtc); c != 0 {
		return c
	}
	switch {
	case s.Uniquifier < o.Uniquifier:
		return -1
	case s.Uniquifier > o.Uniquifier:
		return 1
	default:
		return 0
	}
}

// Before reports whether s orders strictly before o.
func (s DateTimeStamp) Before(o DateTimeStamp) bool {
	return s.Compare(o) < 0
}

// Equal reports whether both stamps denote the same ordered instant.
func (s DateTimeStamp) Equal(o DateTimeStamp) bool {
	return s.Compare(o) == 0
}

// NextStamp produces a stamp for utcNow that is strictly greater than
// prev. When the clock has not advanced past prev the previous instant
// is reused and the uniquifier incremented; on uniquifier exhaustion the
// time is nudged forward by one nanosecond.
func NextStamp(prev DateTimeStamp, utcNow time.Time) DateTimeStamp {
	utcNow = utcNow.UTC()
	if !prev.IsKnown() || prev.TimeUtc.Before(utcNow) {
		return DateTimeStamp{TimeUtc: utcNow}
	}
	if prev.Uniquifier < 255 {
		return DateTimeStamp{TimeUtc: prev.TimeUtc, Uniquifier: prev.Uniquifier + 1}
	}
	return DateTimeStamp{TimeUtc: prev.TimeUtc.Add(time.Nanosecond)}
}

func (s DateTimeStamp) String() string {
	if !s.IsKnown() {
		return "<unknown>"
	}
	t := s.TimeUtc.Format("2006-01-02 15:04:05.000000000")
	if s.Uniquifier != 0 {
		return t + "(" + itoa(int(s.Uniquifier)) + ")"
	}
	return t
}

func itoa(v int) string {
	if v == 0 {
		return "0"
	}
	var b [3]byte
	i := len(b)
	for v > 0 {
		i--
		b[i] = byte('0' + v%10)
		v /= 10
	}
	return string(b[i:])
}
