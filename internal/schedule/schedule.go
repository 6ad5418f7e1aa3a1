// Package schedule holds the calendar rules the automation follows: the
// hours outbound SMS may be sent and the day/week boundaries used by
// reporting.
package schedule

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidDate = errors.New("invalid date format")
	ErrInvalidTime = errors.New("invalid time format")
)

type TimeRange struct {
	Start string
	End   string
}

// Window maps each weekday to the ranges during which sending is allowed,
// in the window's location. A weekday with no ranges is closed.
type Window struct {
	Location *time.Location
	Days     map[time.Weekday][]TimeRange
}

// SMSWindow is the UK sending window: Mon–Fri 08:00–20:00, Sat 09:00–17:00,
// Sun closed.
func SMSWindow(loc *time.Location) Window {
	weekday := []TimeRange{{Start: "08:00", End: "20:00"}}
	return Window{
		Location: loc,
		Days: map[time.Weekday][]TimeRange{
			time.Monday:    weekday,
			time.Tuesday:   weekday,
			time.Wednesday: weekday,
			time.Thursday:  weekday,
			time.Friday:    weekday,
			time.Saturday:  {{Start: "09:00", End: "17:00"}},
		},
	}
}

func ParseDate(dateStr string, loc *time.Location) (time.Time, error) {
	date, err := time.ParseInLocation("2006-01-02", dateStr, loc)
	if err != nil {
		return time.Time{}, ErrInvalidDate
	}
	return date, nil
}

func ParseClockToMinutes(timeStr string) (int, error) {
	tm, err := time.Parse("15:04", timeStr)
	if err != nil {
		return 0, ErrInvalidTime
	}
	return tm.Hour()*60 + tm.Minute(), nil
}

func MinutesToClock(minutes int) string {
	h := minutes / 60
	m := minutes % 60
	return fmt.Sprintf("%02d:%02d", h, m)
}

func (w Window) loc() *time.Location {
	if w.Location == nil {
		return time.UTC
	}
	return w.Location
}

// IsOpen reports whether t falls inside a range. Range ends are exclusive.
func (w Window) IsOpen(t time.Time) bool {
	local := t.In(w.loc())
	minute := local.Hour()*60 + local.Minute()
	for _, tr := range w.Days[local.Weekday()] {
		start, err := ParseClockToMinutes(tr.Start)
		if err != nil {
			continue
		}
		end, err := ParseClockToMinutes(tr.End)
		if err != nil {
			continue
		}
		if minute >= start && minute < end {
			return true
		}
	}
	return false
}

// NextOpen returns t when the window is open, otherwise the start of the
// next range. It returns the zero time when the window has no ranges.
func (w Window) NextOpen(t time.Time) time.Time {
	if w.IsOpen(t) {
		return t
	}
	loc := w.loc()
	local := t.In(loc)
	day := StartOfDay(local, loc)
	minute := local.Hour()*60 + local.Minute()

	for offset := 0; offset <= 7; offset++ {
		date := day.AddDate(0, 0, offset)
		for _, tr := range w.Days[date.Weekday()] {
			start, err := ParseClockToMinutes(tr.Start)
			if err != nil {
				continue
			}
			if offset == 0 && start <= minute {
				continue
			}
			return time.Date(date.Year(), date.Month(), date.Day(), start/60, start%60, 0, 0, loc)
		}
	}
	return time.Time{}
}

func StartOfDay(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// StartOfWeek returns midnight on the Monday of t's week.
func StartOfWeek(t time.Time, loc *time.Location) time.Time {
	day := StartOfDay(t, loc)
	shift := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -shift)
}
