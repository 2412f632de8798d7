package control

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var dailyParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextFire returns the earliest configured daily time strictly after now, in
// loc. ok is false when times is empty.
func NextFire(now time.Time, times []ClockTime, loc *time.Location) (next time.Time, ok bool) {
	if loc == nil {
		loc = time.Local
	}
	local := now.In(loc)
	for _, ct := range times {
		sched, err := dailyParser.Parse(fmt.Sprintf("%d %d * * *", ct.Minute, ct.Hour))
		if err != nil {
			continue
		}
		t := sched.Next(local)
		if t.IsZero() {
			continue
		}
		if !ok || t.Before(next) {
			next, ok = t, true
		}
	}
	return next, ok
}

// UpcomingFires lists the next n fire times after now.
func UpcomingFires(now time.Time, times []ClockTime, loc *time.Location, n int) []time.Time {
	var out []time.Time
	for i := 0; i < n; i++ {
		t, ok := NextFire(now, times, loc)
		if !ok {
			break
		}
		out = append(out, t)
		now = t
	}
	return out
}
