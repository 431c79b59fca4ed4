package domain

import (
	"math"
	"time"
)

// maxSeconds is the largest whole number of seconds a time.Duration can hold.
const maxSeconds = float64(math.MaxInt64 / int64(time.Second))

// Seconds converts a client-supplied number of seconds to a Duration. Values
// outside the Duration range fail with INVALID_ARGUMENT instead of wrapping.
func Seconds(field string, v float64) (time.Duration, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) > maxSeconds {
		return 0, NewError(ErrInvalidArgument, "INVALID_ARGUMENT", "%s is out of range", field)
	}
	return time.Duration(v * float64(time.Second)), nil
}
