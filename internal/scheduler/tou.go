package scheduler

import "time"

// MountainTime is the TOU calendar's reference location, with DST handled
// by the tzdata rules (grounded on original_source/aws/protocol_constants.py
// MT = ZoneInfo("America/Denver")).
var MountainTime = func() *time.Location {
	loc, err := time.LoadLocation("America/Denver")
	if err != nil {
		return time.UTC
	}
	return loc
}()

// PeakStartHour and PeakEndHour bound the on-peak TOU window: weekdays
// 17:00 <= hour < 21:00 Mountain Time.
const (
	PeakStartHour = 17
	PeakEndHour   = 21
)

// IsTOUPeak reports whether t falls in the on-peak TOU window.
func IsTOUPeak(t time.Time) bool {
	mt := t.In(MountainTime)
	if mt.Weekday() == time.Saturday || mt.Weekday() == time.Sunday {
		return false
	}
	h := mt.Hour()
	return h >= PeakStartHour && h < PeakEndHour
}

// PeakEndUnix returns the Unix second of the end of the current (or most
// recent) on-peak window on the same Mountain-Time calendar day as t.
func PeakEndUnix(t time.Time) int64 {
	mt := t.In(MountainTime)
	end := time.Date(mt.Year(), mt.Month(), mt.Day(), PeakEndHour, 0, 0, 0, MountainTime)
	return end.Unix()
}
