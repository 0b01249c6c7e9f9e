package scheduler

import (
	"fmt"
	"time"
)

// Trigger computes the next fire time strictly after a given instant
type Trigger interface {
	Next(after time.Time) time.Time
	String() string
}

type interval struct {
	d time.Duration
}

// Every fires at a fixed interval measured from the end of the previous run.
func Every(d time.Duration) Trigger {
	if d <= 0 {
		d = time.Minute
	}
	return interval{d: d}
}

func (i interval) Next(after time.Time) time.Time { return after.Add(i.d) }
func (i interval) String() string               { return "every " + i.d.String() }

type daily struct {
	hour, minute int
	loc          *time.Location
}

// DailyAt fires once per calendar day at hour:minute in loc.
func DailyAt(hour, minute int, loc *time.Location) Trigger {
	if loc == nil {
		loc = time.UTC
	}
	return daily{hour: hour, minute: minute, loc: loc}
}

func (d daily) Next(after time.Time) time.Time {
	local := after.In(d.loc)
	y, m, day := local.Date()
	candidate := time.Date(y, m, day, d.hour, d.minute, 0, 0, d.loc)
	if !candidate.After(local) {
		candidate = time.Date(y, m, day+1, d.hour, d.minute, 0, 0, d.loc)
	}
	return candidate
}

func (d daily) String() string {
	return fmt.Sprintf("daily at %02d:%02d %s", d.hour, d.minute, d.loc)
}
