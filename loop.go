// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package reactor provides a single threaded cooperative event loop
// that drives timed callbacks and, through the packages built on top of
// it, non-blocking socket I/O.
//
// All callbacks run on the goroutine that calls Run. Actions run to
// completion before the next one is dequeued; there is no preemption.
// Callbacks must not block beyond what short reads and socket polling
// require.
package reactor // import "mellium.im/reactor"

import (
	"container/heap"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"mellium.im/reactor/clock"
)

type timer struct {
	due      clock.Instant
	seq      uint64
	fn       func()
	canceled bool
}

// A Token cancels a scheduled callback. The zero value is a no-op.
type Token struct {
	t *timer
}

// Cancel prevents the callback from running if it has not run yet.
func (t Token) Cancel() {
	if t.t != nil {
		t.t.canceled = true
		t.t.fn = nil
	}
}

type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].due == h[j].due {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}

func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(v any) { *h = append(*h, v.(*timer)) }

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return v
}

// A Loop is a cooperative scheduler over a queue of timed callbacks.
// It is not safe for concurrent use: Schedule and Run must be called
// from a single goroutine, which for all but the first callback means
// from within a callback.
type Loop struct {
	queue   timerHeap
	seq     uint64
	started bool
	start   clock.Instant
	idle    clock.Duration
	now     func() clock.Instant
	sleep   func(clock.Duration)
	log     *slog.Logger
	exit    func(int)
}

// New returns an empty loop.
func New() *Loop {
	return &Loop{
		now:   clock.Now,
		sleep: func(d clock.Duration) { time.Sleep(d.Std()) },
		log:   slog.Default(),
		exit:  os.Exit,
	}
}

// Schedule queues fn to run after the given delay.
func (l *Loop) Schedule(delay clock.Duration, fn func()) Token {
	return l.ScheduleAt(l.now().Add(delay), fn)
}

// ScheduleAt queues fn to run at the given instant. An instant in the
// past runs on the next loop turn.
func (l *Loop) ScheduleAt(due clock.Instant, fn func()) Token {
	l.seq++
	t := &timer{due: due, seq: l.seq, fn: fn}
	heap.Push(&l.queue, t)
	return Token{t: t}
}

// Invoke queues fn to run on the next loop turn.
func (l *Loop) Invoke(fn func()) Token {
	return l.Schedule(0, fn)
}

// Len returns the number of pending callbacks, including canceled ones
// that have not yet been discarded.
func (l *Loop) Len() int {
	return len(l.queue)
}

// Run drains the queue, sleeping until each callback comes due, and
// returns when the queue is empty. Callbacks scheduled by other
// callbacks extend the run.
func (l *Loop) Run() {
	if !l.started {
		l.started = true
		l.start = l.now()
	}
	for len(l.queue) > 0 {
		t := heap.Pop(&l.queue).(*timer)
		if t.canceled {
			continue
		}
		if wait := t.due.Sub(l.now()); wait > 0 {
			l.sleep(wait)
			l.idle += wait
		}
		l.invoke(t.fn)
	}
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("reactor: callback panicked",
				"panic", r,
				"stack", string(debug.Stack()),
			)
			l.exit(1)
		}
	}()
	fn()
}

// Utilization returns the fraction of wall time since the first Run
// call that was spent running callbacks rather than sleeping. It
// returns zero before the loop first runs.
func (l *Loop) Utilization() float64 {
	if !l.started {
		return 0
	}
	wall := l.now().Sub(l.start)
	if wall <= 0 {
		return 0
	}
	return float64(wall-l.idle) / float64(wall)
}
