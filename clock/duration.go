// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package clock provides millisecond resolution durations and calendar
// instants with a range wide enough for scheduling far-future work.
//
// The standard library time.Duration counts nanoseconds and overflows
// after roughly 292 years. Durations in this package count whole
// milliseconds instead, trading precision for range, which is what the
// event loop and calendar arithmetic in this module need.
package clock // import "mellium.im/reactor/clock"

import "time"

// A Duration is a signed span of time counted in whole milliseconds.
type Duration int64

const (
	msPerSecond int64 = 1000
	msPerMinute       = 60 * msPerSecond
	msPerHour         = 60 * msPerMinute
	msPerDay          = 24 * msPerHour
	msPerWeek         = 7 * msPerDay
)

// Forever is the largest representable duration.
const Forever Duration = 1<<63 - 1

// FromMilliseconds returns a duration spanning the given number of
// milliseconds, truncated toward zero.
func FromMilliseconds(v float64) Duration {
	return Duration(v)
}

// FromSeconds returns a duration spanning the given number of seconds.
func FromSeconds(v float64) Duration {
	return FromMilliseconds(v * float64(msPerSecond))
}

// FromMinutes returns a duration spanning the given number of minutes.
func FromMinutes(v float64) Duration {
	return FromMilliseconds(v * float64(msPerMinute))
}

// FromHours returns a duration spanning the given number of hours.
func FromHours(v float64) Duration {
	return FromMilliseconds(v * float64(msPerHour))
}

// FromDays returns a duration spanning the given number of days.
func FromDays(v float64) Duration {
	return FromMilliseconds(v * float64(msPerDay))
}

// FromWeeks returns a duration spanning the given number of weeks.
func FromWeeks(v float64) Duration {
	return FromMilliseconds(v * float64(msPerWeek))
}

// FromStd converts a standard library duration, truncating to
// millisecond resolution.
func FromStd(d time.Duration) Duration {
	return Duration(d / time.Millisecond)
}

// Std converts the duration for use with the standard library. The
// result saturates at the bounds of time.Duration.
func (d Duration) Std() time.Duration {
	const max = Duration(1<<63-1) / Duration(time.Millisecond)
	if d > max {
		return 1<<63 - 1
	}
	if d < -max {
		return -1 << 63
	}
	return time.Duration(d) * time.Millisecond
}

// TotalMilliseconds returns the entire span expressed in milliseconds.
func (d Duration) TotalMilliseconds() float64 {
	return float64(d)
}

// TotalSeconds returns the entire span expressed in seconds.
func (d Duration) TotalSeconds() float64 {
	return d.TotalMilliseconds() / float64(msPerSecond)
}

// TotalMinutes returns the entire span expressed in minutes.
func (d Duration) TotalMinutes() float64 {
	return d.TotalMilliseconds() / float64(msPerMinute)
}

// TotalHours returns the entire span expressed in hours.
func (d Duration) TotalHours() float64 {
	return d.TotalMilliseconds() / float64(msPerHour)
}

// TotalDays returns the entire span expressed in days.
func (d Duration) TotalDays() float64 {
	return d.TotalMilliseconds() / float64(msPerDay)
}

// TotalWeeks returns the entire span expressed in weeks.
func (d Duration) TotalWeeks() float64 {
	return d.TotalMilliseconds() / float64(msPerWeek)
}

// Milliseconds returns the millisecond component of the duration.
func (d Duration) Milliseconds() int64 {
	return int64(d) % msPerSecond
}

// Seconds returns the second component of the duration.
func (d Duration) Seconds() int64 {
	return int64(d) / msPerSecond % 60
}

// Minutes returns the minute component of the duration.
func (d Duration) Minutes() int64 {
	return int64(d) / msPerMinute % 60
}

// Hours returns the hour component of the duration.
func (d Duration) Hours() int64 {
	return int64(d) / msPerHour % 24
}

// Days returns the day component of the duration.
func (d Duration) Days() int64 {
	return int64(d) / msPerDay % 7
}

// Weeks returns the week component of the duration.
func (d Duration) Weeks() int64 {
	return int64(d) / msPerWeek
}
