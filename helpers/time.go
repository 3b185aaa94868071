package helpers

import "time"

// DurationDefault converts config integer in units to duration, x<=0 means def.
func DurationDefault(x int, unit time.Duration, def time.Duration) time.Duration {
	if x <= 0 {
		return def
	}
	return time.Duration(x) * unit
}
