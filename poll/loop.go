package poll

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robertmeta/feedd/clock"
)

// State is the phase a Loop is in.
type State int

const (
	// Idle loops wait on a timer for the next run.
	Idle State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// Func is the work a Loop repeats. It returns the delay before it should
// run again. An error or a panic ends the loop.
type Func func(ctx context.Context) (time.Duration, error)

// Loop runs a Func repeatedly, sleeping for whatever delay the previous run
// returned. Poke asks for an immediate run.
type Loop struct {
	fn    Func
	clock clock.Clock

	mu      sync.Mutex
	ctx     context.Context
	state   State
	started bool
	poked   bool
	timer   clock.Timer
	gen     uint64
	err     error
	done    chan struct{}
}

// NewLoop creates a loop around fn. Nothing runs until Start.
func NewLoop(fn Func, c clock.Clock) *Loop {
	return &Loop{
		fn:    fn,
		clock: c,
		done:  make(chan struct{}),
	}
}

// Start runs fn immediately in a new goroutine. ctx is passed to every run.
// Calling Start more than once has no effect.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started || l.state == Stopped {
		return
	}
	l.started = true
	l.ctx = ctx
	l.state = Running
	go l.run()
}

// Poke requests a run now. When idle the pending timer is cancelled; while
// running, one more run follows the current one no matter how many pokes
// arrive.
func (l *Loop) Poke() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started {
		return
	}
	switch l.state {
	case Running:
		l.poked = true
	case Idle:
		l.cancelTimer()
		l.state = Running
		go l.run()
	}
}

// Stop ends the loop. An idle loop stops at once; a running one finishes its
// current run first. Done is closed once the loop has stopped.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.state == Stopped:
		return
	case l.state == Running && l.started:
		l.state = Stopped
	default:
		l.cancelTimer()
		l.state = Stopped
		close(l.done)
	}
}

// Done is closed when the loop has stopped, by Stop or by an error from fn.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Err returns the error that ended the loop, if any.
func (l *Loop) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// State returns the loop's current state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loop) cancelTimer() {
	l.gen++
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

func (l *Loop) run() {
	for {
		delay, err := l.call()

		l.mu.Lock()
		if err != nil || l.state == Stopped {
			l.err = err
			l.state = Stopped
			close(l.done)
			l.mu.Unlock()
			return
		}
		if l.poked {
			l.poked = false
			l.mu.Unlock()
			continue
		}
		l.state = Idle
		l.gen++
		gen := l.gen
		l.timer = l.clock.AfterFunc(delay, func() { l.fire(gen) })
		l.mu.Unlock()
		return
	}
}

// call runs fn once. A panic in fn ends the loop like an error does.
func (l *Loop) call() (delay time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("loop function panicked: %v", r)
		}
	}()
	return l.fn(l.ctx)
}

// fire runs a due timer unless it was cancelled after it was armed.
func (l *Loop) fire(gen uint64) {
	l.mu.Lock()
	if l.state != Idle || l.gen != gen {
		l.mu.Unlock()
		return
	}
	l.state = Running
	l.timer = nil
	l.mu.Unlock()
	l.run()
}
