package sketch

import (
	"sync"
	"time"
)

// one cancellable timer abstraction for all debounced work, parameterized by a
// delay policy per change kind. Rescheduling replaces the pending fire, which is
// what coalesces a burst of mutation events into a single write.

type ChangeKind string

const (
	// discrete edits: add, delete, color change, move
	ChangeKindDiscrete ChangeKind = "discrete"
	// free-hand stroke completion. Shorter delay, the completion event is
	// already a single logical commit
	ChangeKindStroke ChangeKind = "stroke"
)

type DelayPolicy struct {
	DiscreteDelay time.Duration
	StrokeDelay   time.Duration
}

func DefaultDelayPolicy() *DelayPolicy {
	return &DelayPolicy{
		DiscreteDelay: 600 * time.Millisecond,
		StrokeDelay:   350 * time.Millisecond,
	}
}

func (self *DelayPolicy) Delay(changeKind ChangeKind) time.Duration {
	switch changeKind {
	case ChangeKindStroke:
		return self.StrokeDelay
	default:
		return self.DiscreteDelay
	}
}

type DebounceTimer struct {
	stateLock sync.Mutex

	fire func()

	timer *time.Timer
	// invalidates a timer that already expired but has not run yet
	generation int
}

func NewDebounceTimer(fire func()) *DebounceTimer {
	return &DebounceTimer{
		fire: fire,
	}
}

func (self *DebounceTimer) Schedule(delay time.Duration) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.timer != nil {
		self.timer.Stop()
	}
	self.generation += 1
	generation := self.generation
	self.timer = time.AfterFunc(delay, func() {
		self.stateLock.Lock()
		if generation != self.generation {
			self.stateLock.Unlock()
			return
		}
		self.timer = nil
		self.stateLock.Unlock()

		self.fire()
	})
}

func (self *DebounceTimer) Cancel() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.timer != nil {
		self.timer.Stop()
		self.timer = nil
	}
	self.generation += 1
}

func (self *DebounceTimer) Pending() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.timer != nil
}

// leading-plus-trailing throttle: fires immediately if the quiet interval has
// elapsed, otherwise schedules exactly one trailing fire

type Throttle struct {
	stateLock sync.Mutex

	interval time.Duration
	fire     func()

	lastFireTime time.Time
	trailing     *time.Timer
}

func NewThrottle(interval time.Duration, fire func()) *Throttle {
	return &Throttle{
		interval: interval,
		fire:     fire,
	}
}

func (self *Throttle) Trigger() {
	self.trigger(time.Now())
}

func (self *Throttle) trigger(now time.Time) {
	self.stateLock.Lock()

	fireNow, wait := throttleDecision(now, self.lastFireTime, self.interval)
	if fireNow {
		self.lastFireTime = now
		self.stateLock.Unlock()

		self.fire()
		return
	}
	if self.trailing == nil {
		self.trailing = time.AfterFunc(wait, func() {
			self.stateLock.Lock()
			self.trailing = nil
			self.lastFireTime = time.Now()
			self.stateLock.Unlock()

			self.fire()
		})
	}
	self.stateLock.Unlock()
}

func (self *Throttle) Cancel() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.trailing != nil {
		self.trailing.Stop()
		self.trailing = nil
	}
}

// pure scheduling decision, see the trigger contract above
func throttleDecision(now time.Time, lastFireTime time.Time, interval time.Duration) (fireNow bool, wait time.Duration) {
	elapsed := now.Sub(lastFireTime)
	if interval <= elapsed {
		return true, 0
	}
	return false, interval - elapsed
}
