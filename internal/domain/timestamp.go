package domain

import "time"

// TimestampPrecision is the finest time resolution every store keeps.
const TimestampPrecision = time.Millisecond

// Timestamp normalizes t to UTC at TimestampPrecision so a record reads back
// exactly as it was written, whatever the backend.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(TimestampPrecision)
}
