package dispatcher

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrNoFutureFire indicates a valid expression with no upcoming fire time
var ErrNoFutureFire = errors.New("cron expression has no future fire time")

// Expressions are interpreted in UTC. 5-field gives minute precision,
// 6-field adds a leading seconds field and takes precedence when present.
var (
	fiveFieldParser = cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sixFieldParser = cron.NewParser(
		cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
)

// ParseCron parses a 5- or 6-field cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	switch len(strings.Fields(expr)) {
	case 6:
		return sixFieldParser.Parse(expr)
	case 5:
		return fiveFieldParser.Parse(expr)
	default:
		return nil, fmt.Errorf("cron expression %q must have 5 or 6 fields", expr)
	}
}

// NextFire computes the next UTC fire time strictly after the given instant
func NextFire(expr string, after time.Time) (time.Time, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}

	next := sched.Next(after.UTC())
	if next.IsZero() {
		return time.Time{}, ErrNoFutureFire
	}
	return next.UTC(), nil
}
