// Package hk provides a single background timer goroutine that runs
// named periodic callbacks -- search retransmission backoff, beacon
// and name server staleness GC, server beacon emission -- without
// each subsystem spinning up its own timer. A callback returns the
// duration until it should run again, so truncated-exponential backoff
// is just a callback that returns a growing interval.
package hk

import (
	"container/heap"
	"sync"
	"time"

	"github.com/pvaccess-go/pva/cmn/debug"
	"github.com/pvaccess-go/pva/cmn/nlog"
)

// CB is a housekeeping callback; its return value is the delay until
// the next invocation. Returning <= 0 unregisters it.
type CB func() time.Duration

type job struct {
	name  string
	fn    CB
	due   time.Time
	index int // heap index, maintained by container/heap
}

type jobHeap []*job

func (h jobHeap) Len() int            { return len(h) }
func (h jobHeap) Less(i, j int) bool  { return h[i].due.Before(h[j].due) }
func (h jobHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *jobHeap) Push(x any)         { j := x.(*job); j.index = len(*h); *h = append(*h, j) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return j
}

// Housekeeper owns one timer goroutine and a min-heap of due jobs.
type Housekeeper struct {
	mu      sync.Mutex
	byName  map[string]*job
	pq      jobHeap
	wake    chan struct{}
	stop    chan struct{}
	started chan struct{}
	once    sync.Once
}

func New() *Housekeeper {
	return &Housekeeper{
		byName:  make(map[string]*job, 16),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		started: make(chan struct{}),
	}
}

// Default is the process-wide housekeeper most callers use; tests that
// need isolation should construct their own via New().
var Default = New()

// Reg schedules fn to run once after `initial`, and then again after
// each duration it returns. Re-registering an existing name replaces
// it.
func (hk *Housekeeper) Reg(name string, fn CB, initial time.Duration) {
	hk.mu.Lock()
	if old, ok := hk.byName[name]; ok {
		heap.Remove(&hk.pq, old.index)
	}
	j := &job{name: name, fn: fn, due: time.Now().Add(initial)}
	hk.byName[name] = j
	heap.Push(&hk.pq, j)
	hk.mu.Unlock()
	hk.nudge()
}

// Unreg cancels a named job if present.
func (hk *Housekeeper) Unreg(name string) {
	hk.mu.Lock()
	if j, ok := hk.byName[name]; ok {
		heap.Remove(&hk.pq, j.index)
		delete(hk.byName, name)
	}
	hk.mu.Unlock()
}

func (hk *Housekeeper) nudge() {
	select {
	case hk.wake <- struct{}{}:
	default:
	}
}

// Run drives the timer loop until Stop is called; intended to be
// launched in its own goroutine at process start.
func (hk *Housekeeper) Run() {
	hk.once.Do(func() { close(hk.started) })
	for {
		hk.mu.Lock()
		var timer <-chan time.Time
		if hk.pq.Len() > 0 {
			d := time.Until(hk.pq[0].due)
			if d < 0 {
				d = 0
			}
			timer = time.After(d)
		}
		hk.mu.Unlock()

		select {
		case <-hk.stop:
			return
		case <-hk.wake:
			continue
		case <-orNever(timer):
			hk.fireDue()
		}
	}
}

func orNever(c <-chan time.Time) <-chan time.Time {
	if c == nil {
		return make(chan time.Time) // blocks forever
	}
	return c
}

func (hk *Housekeeper) fireDue() {
	now := time.Now()
	for {
		hk.mu.Lock()
		if hk.pq.Len() == 0 || hk.pq[0].due.After(now) {
			hk.mu.Unlock()
			return
		}
		j := heap.Pop(&hk.pq).(*job)
		delete(hk.byName, j.name)
		hk.mu.Unlock()

		next := hk.invoke(j)
		if next > 0 {
			hk.Reg(j.name, j.fn, next)
		}
	}
}

func (hk *Housekeeper) invoke(j *job) (next time.Duration) {
	debug.Assert(j.fn != nil)
	defer func() {
		if r := recover(); r != nil {
			nlog.Errorf("hk: job %q panicked: %v", j.name, r)
			next = 0
		}
	}()
	return j.fn()
}

// Stop halts Run; safe to call at most once.
func (hk *Housekeeper) Stop() { close(hk.stop) }

// WaitStarted blocks until Run has begun (used by tests that register
// jobs from a different goroutine than the one running the loop).
func (hk *Housekeeper) WaitStarted() { <-hk.started }
