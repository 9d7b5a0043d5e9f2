package chat

import (
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateCron reports whether expr is a usable 5-field cron expression.
func ValidateCron(expr string) error {
	_, err := cronParser.Parse(expr)
	return err
}

// nextCronDuration returns the time from now until expr next fires, or 0 if
// expr does not parse.
func nextCronDuration(expr string, now time.Time) time.Duration {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0
	}
	d := sched.Next(now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
