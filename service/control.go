package service

import (
	"context"
	"sync"
	"time"
)

// ControlMode selects how the tick loop is paced.
type ControlMode string

const (
	ControlRun   ControlMode = "run"
	ControlPause ControlMode = "pause"
)

// ControlStatus describes the pacing of the tick loop.
type ControlStatus struct {
	Mode     ControlMode   `json:"mode"`
	Interval time.Duration `json:"interval"`
	Pending  int           `json:"pending_steps"`
	Overruns uint64        `json:"overruns"`
}

// tickController paces the tick loop against absolute deadlines so the tick
// rate does not drift with processing time. Deadlines that were missed
// entirely are skipped and counted as overruns. In pause mode only
// explicitly requested steps are released.
type tickController struct {
	mu       sync.Mutex
	mode     ControlMode
	interval time.Duration
	steps    int
	next     time.Time
	overruns uint64
	notify   chan struct{}
}

func newTickController(interval time.Duration) *tickController {
	if interval <= 0 {
		interval = time.Millisecond
	}
	return &tickController{
		mode:     ControlRun,
		interval: interval,
		notify:   make(chan struct{}, 1),
	}
}

// Wait blocks until the next tick is due and returns its deadline.
func (c *tickController) Wait(ctx context.Context, timer *time.Timer) (time.Time, error) {
	for {
		c.mu.Lock()
		if c.mode == ControlPause {
			if c.steps > 0 {
				c.steps--
				c.mu.Unlock()
				return time.Now(), nil
			}
			c.mu.Unlock()
			select {
			case <-ctx.Done():
				return time.Time{}, ctx.Err()
			case <-c.notify:
			}
			continue
		}
		if c.next.IsZero() {
			c.next = time.Now().Add(c.interval)
		}
		due := c.next
		c.mu.Unlock()

		if wait := time.Until(due); wait > 0 {
			timer.Reset(wait)
			select {
			case <-ctx.Done():
				stopTimer(timer)
				return time.Time{}, ctx.Err()
			case <-c.notify:
				stopTimer(timer)
				continue
			case <-timer.C:
			}
		}
		if c.advance(due) {
			return due, nil
		}
	}
}

// advance moves the deadline past due. It reports false when the schedule
// was reset while waiting.
func (c *tickController) advance(due time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode != ControlRun || !c.next.Equal(due) {
		return false
	}
	next := due.Add(c.interval)
	if late := time.Since(next); late >= 0 {
		missed := late/c.interval + 1
		c.overruns += uint64(missed)
		next = next.Add(missed * c.interval)
	}
	c.next = next
	return true
}

func stopTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}

func (c *tickController) SetMode(mode ControlMode) {
	c.mu.Lock()
	if c.mode == mode {
		c.mu.Unlock()
		return
	}
	c.mode = mode
	c.next = time.Time{}
	if mode == ControlRun {
		c.steps = 0
	}
	c.mu.Unlock()
	c.signal()
}

// Step pauses the loop and releases n additional ticks.
func (c *tickController) Step(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	c.mode = ControlPause
	c.next = time.Time{}
	c.steps += n
	c.mu.Unlock()
	c.signal()
}

func (c *tickController) SetInterval(d time.Duration) {
	if d <= 0 {
		d = time.Millisecond
	}
	c.mu.Lock()
	if c.interval == d {
		c.mu.Unlock()
		return
	}
	c.interval = d
	c.next = time.Time{}
	c.mu.Unlock()
	c.signal()
}

func (c *tickController) Status() ControlStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ControlStatus{Mode: c.mode, Interval: c.interval, Pending: c.steps, Overruns: c.overruns}
}

func (c *tickController) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}
