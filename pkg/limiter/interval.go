package limiter

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// Interval is a window length or drain period, either a named unit or a raw
// number of seconds.
type Interval struct {
	unit    string
	seconds float64
}

var (
	Second = Interval{unit: "second", seconds: 1}
	Minute = Interval{unit: "minute", seconds: 60}
	Hour   = Interval{unit: "hour", seconds: 3600}
	Day    = Interval{unit: "day", seconds: 86400}
)

var namedIntervals = map[string]Interval{
	"second": Second,
	"minute": Minute,
	"hour":   Hour,
	"day":    Day,
}

// Seconds builds an Interval from a raw number of seconds.
func Seconds(s float64) Interval {
	return Interval{seconds: s}
}

// ParseInterval accepts a unit name (second, minute, hour, day) or a number
// of seconds such as "30" or "0.5".
func ParseInterval(s string) (Interval, error) {
	if iv, ok := namedIntervals[s]; ok {
		return iv, nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Interval{}, fmt.Errorf("%w: unknown interval %q (valid: second, minute, hour, day or seconds)", ErrInvalidInterval, s)
	}
	iv := Seconds(secs)
	if err := iv.validate(); err != nil {
		return Interval{}, err
	}
	return iv, nil
}

func (i Interval) validate() error {
	if math.IsNaN(i.seconds) || math.IsInf(i.seconds, 0) || i.seconds <= 0 {
		return fmt.Errorf("%w: must be positive, got %v", ErrInvalidInterval, i.seconds)
	}
	return nil
}

// Seconds returns the interval length in seconds.
func (i Interval) Seconds() float64 { return i.seconds }

func (i Interval) Duration() time.Duration {
	return time.Duration(i.seconds * float64(time.Second))
}

func (i Interval) String() string {
	if i.unit != "" {
		return i.unit
	}
	return strconv.FormatFloat(i.seconds, 'f', -1, 64) + "s"
}
