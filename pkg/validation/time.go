package validation

import "time"

// parseTimeLoose accepts RFC3339 with or without fractional seconds,
// the two shapes the pack's JSON encoders round-trip.
func parseTimeLoose(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
