// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package reactor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"mellium.im/reactor/clock"
)

// fakeLoop returns a loop whose clock only advances when it sleeps.
func fakeLoop() (*Loop, *clock.Instant) {
	now := clock.Epoch()
	l := New()
	l.now = func() clock.Instant { return now }
	l.sleep = func(d clock.Duration) { now = now.Add(d) }
	return l, &now
}

func TestRunOrdersByDueTime(t *testing.T) {
	l, _ := fakeLoop()
	var got []string
	l.Schedule(clock.FromMilliseconds(10), func() { got = append(got, "A") })
	l.Schedule(clock.FromMilliseconds(5), func() { got = append(got, "B") })
	l.Run()
	assert.Equal(t, []string{"B", "A"}, got)
	assert.Equal(t, 0, l.Len())
}

func TestEqualDueTimesRunInScheduleOrder(t *testing.T) {
	l, _ := fakeLoop()
	var got []int
	for i := 0; i < 5; i++ {
		i := i
		l.Invoke(func() { got = append(got, i) })
	}
	l.Run()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestCallbacksMaySchedule(t *testing.T) {
	l, _ := fakeLoop()
	var got []string
	l.Invoke(func() {
		got = append(got, "outer")
		l.Schedule(clock.FromMilliseconds(1), func() { got = append(got, "inner") })
	})
	l.Run()
	assert.Equal(t, []string{"outer", "inner"}, got)
}

func TestCancel(t *testing.T) {
	l, _ := fakeLoop()
	ran := false
	tok := l.Schedule(clock.FromMilliseconds(5), func() { ran = true })
	l.Invoke(tok.Cancel)
	l.Run()
	assert.False(t, ran)

	// Canceling after the callback ran is a no-op.
	tok = l.Invoke(func() { ran = true })
	l.Run()
	tok.Cancel()
	assert.True(t, ran)
}

func TestUtilization(t *testing.T) {
	l, now := fakeLoop()
	l.Schedule(clock.FromMilliseconds(30), func() {
		// Pretend the callback burned 10ms of wall time.
		*now = now.Add(clock.FromMilliseconds(10))
	})
	l.Run()
	// 40ms elapsed, 30 of which were idle.
	assert.InDelta(t, 0.25, l.Utilization(), 1e-9)
}

func TestUtilizationBeforeRun(t *testing.T) {
	l, _ := fakeLoop()
	assert.Zero(t, l.Utilization())
}
