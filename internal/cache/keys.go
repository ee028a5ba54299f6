package cache

import (
	"fmt"
	"time"
)

// CompletedTTL keeps a daily completion counter around a little past its day.
const CompletedTTL = 48 * time.Hour

// CompletedCountKey is the per-UTC-day counter of completed jobs.
func CompletedCountKey(day time.Time) string {
	return fmt.Sprintf("stats:completed:%s", day.UTC().Format("2006-01-02"))
}

func RateLimitKey(identity string) string {
	return fmt.Sprintf("ratelimit:%s", identity)
}
