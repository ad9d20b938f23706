// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package clock

import "time"

// An Instant is a calendar timestamp measured as a duration since
// midnight on January 1 of year 0 in the proleptic Gregorian calendar.
type Instant struct {
	since Duration
}

var daysBeforeMonth = [13]int64{0, 31, 59, 90, 120, 151, 181, 212, 243, 273, 304, 334, 365}

// IsLeapYear reports whether the given year has 366 days.
func IsLeapYear(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

func daysInYear(year int) int64 {
	if IsLeapYear(year) {
		return 366
	}
	return 365
}

func daysInMonth(year, month int) int64 {
	days := daysBeforeMonth[month] - daysBeforeMonth[month-1]
	if month == 2 && IsLeapYear(year) {
		days++
	}
	return days
}

// Date returns the instant at midnight on the given calendar day.
// Month and day are 1-based.
func Date(year, month, day int) Instant {
	var days int64
	for y := 0; y < year; y++ {
		days += daysInYear(y)
	}
	days += daysBeforeMonth[month-1]
	if month > 2 && IsLeapYear(year) {
		days++
	}
	days += int64(day) - 1
	return Instant{since: Duration(days * msPerDay)}
}

// Epoch returns midnight on January 1, 1970.
func Epoch() Instant {
	return Date(1970, 1, 1)
}

// Now returns the current UTC time.
func Now() Instant {
	return Epoch().Add(Duration(time.Now().UnixMilli()))
}

// Add returns the instant shifted forward by d.
func (t Instant) Add(d Duration) Instant {
	return Instant{since: t.since + d}
}

// Sub returns the duration from u until t.
func (t Instant) Sub(u Instant) Duration {
	return t.since - u.since
}

// Before reports whether t precedes u.
func (t Instant) Before(u Instant) bool {
	return t.since < u.since
}

// Date returns the calendar year, month, and day of the instant.
// Month and day are 1-based.
func (t Instant) Date() (year, month, day int) {
	days := int64(t.since) / msPerDay
	for days >= daysInYear(year) {
		days -= daysInYear(year)
		year++
	}
	month = 1
	for days >= daysInMonth(year, month) {
		days -= daysInMonth(year, month)
		month++
	}
	return year, month, int(days) + 1
}

// TimeOfDay returns the duration elapsed since midnight on the
// instant's calendar day.
func (t Instant) TimeOfDay() Duration {
	return Duration(int64(t.since) % msPerDay)
}
