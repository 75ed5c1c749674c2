// internal/live/fakes_test.go
package live

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// fakeChannel records how the manager drives a channel and lets tests emit
// status transitions and payloads.
type fakeChannel struct {
	name string

	mu           sync.Mutex
	event        string
	spec         Spec
	handler      func(Payload)
	status       func(Status, error)
	subscribed   int
	unsubscribed int
	unsubErr     error
	unsubPanic   bool
	onUnsub      func()
}

func (c *fakeChannel) On(event string, spec Spec, handler func(Payload)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.event, c.spec, c.handler = event, spec, handler
}

func (c *fakeChannel) Subscribe(status func(Status, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
	c.subscribed++
}

func (c *fakeChannel) Unsubscribe() error {
	c.mu.Lock()
	c.unsubscribed++
	err, p, hook := c.unsubErr, c.unsubPanic, c.onUnsub
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	if p {
		panic("unsubscribe exploded")
	}
	return err
}

func (c *fakeChannel) emitStatus(st Status) {
	c.mu.Lock()
	fn := c.status
	c.mu.Unlock()
	fn(st, nil)
}

func (c *fakeChannel) emit(p Payload) {
	c.mu.Lock()
	fn := c.handler
	c.mu.Unlock()
	fn(p)
}

func (c *fakeChannel) unsubscribeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsubscribed
}

type fakeBackend struct {
	mu       sync.Mutex
	channels []*fakeChannel
	fail     bool
}

func (b *fakeBackend) Channel(name string) (Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return nil, errors.New("backend down")
	}
	ch := &fakeChannel{name: name}
	b.channels = append(b.channels, ch)
	return ch, nil
}

func (b *fakeBackend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels)
}

func (b *fakeBackend) last() *fakeChannel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channels[len(b.channels)-1]
}

func (b *fakeBackend) setFail(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail = v
}

// fakeClock fires timers only when advanced.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	// delays records the duration of every AfterFunc call in order.
	delays []time.Duration
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	c.delays = append(c.delays, d)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward by d and runs every timer that became due, in
// deadline order, outside the clock lock.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// pending counts timers that are neither stopped nor fired.
func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (c *fakeClock) scheduled() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

// recorder is a concurrency-safe listener that stores what it receives.
type recorder struct {
	mu  sync.Mutex
	got []Payload
}

func (r *recorder) listen(p Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, p)
}

func (r *recorder) payloads() []Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Payload(nil), r.got...)
}

type fakeMetrics struct {
	mu         sync.Mutex
	opened     int
	closed     int
	reconnects []int
	delivered  int
	panics     int
}

func (f *fakeMetrics) ConnectionOpened(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened++
}

func (f *fakeMetrics) ConnectionClosed(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
}

func (f *fakeMetrics) Reconnect(_ string, attempt int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects = append(f.reconnects, attempt)
}

func (f *fakeMetrics) Delivered(_ string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered += n
}

func (f *fakeMetrics) ListenerPanic(string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.panics++
}
