// Package timer multiplexes delayed per-peer protocol events onto a single
// ordered stream.
//
// Every SendAfter arms one clock callback. When the callback runs it takes
// the fire decision under the timer's lock: a canceled event is dropped,
// anything else is appended to an ordered backlog. A pump goroutine feeds
// the backlog into a bounded channel, so a full channel slows delivery down
// but never loses a message and never blocks a clock callback. The consumer
// reads the channel through C, Poll, Next or Messages.
package timer

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const (
	// DefaultCapacity is the number of fired messages the queue holds
	// before further deliveries wait for the consumer.
	DefaultCapacity = 1024

	// DefaultResolution is the granularity of the timing substrate. Every
	// event fires no earlier than its delay plus twice this value.
	DefaultResolution = 100 * time.Millisecond

	// MaxDelay is the longest representable delay. Events that cannot fire
	// before it, slack included, are never armed.
	MaxDelay = time.Duration(math.MaxInt64)
)

var (
	ErrNotReady = errors.New("timer: no message ready")
	ErrClosed   = errors.New("timer: closed")

	// ErrSchedulingFault means the delay mechanism itself misbehaved. The
	// timer shuts down when it sees one and reports it from Err, Poll and
	// Next.
	ErrSchedulingFault = errors.New("timer: scheduling fault")
)

// Option configures a Timer.
type Option func(*Timer)

// WithResolution sets the timer resolution R.
func WithResolution(r time.Duration) Option {
	return func(t *Timer) {
		if r >= 0 {
			t.resolution = r
		}
	}
}

// WithCapacity sets the bound of the delivery queue.
func WithCapacity(n int) Option {
	return func(t *Timer) {
		if n > 0 {
			t.capacity = n
		}
	}
}

// WithClock replaces the wall clock, typically with clock.NewMock() in tests.
func WithClock(c clock.Clock) Option {
	return func(t *Timer) {
		if c != nil {
			t.clock = c
		}
	}
}

// WithLogger sets the logger. Scheduling requests are logged at Debug.
func WithLogger(l *zap.Logger) Option {
	return func(t *Timer) {
		if l != nil {
			t.logger = l
		}
	}
}

// Timer schedules Messages and owns the queue they are delivered on.
type Timer struct {
	clock      clock.Clock
	resolution time.Duration
	capacity   int
	logger     *zap.Logger

	queue chan Message

	mutex   sync.Mutex // serialises fire decisions and guards backlog
	backlog []Message
	kick    chan struct{}

	pending atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
	err       error // written once before done is closed
	pumpDone  chan struct{}
}

// New creates an empty Timer and starts its delivery pump.
func New(opts ...Option) *Timer {
	t := &Timer{
		clock:      clock.New(),
		resolution: DefaultResolution,
		capacity:   DefaultCapacity,
		logger:     zap.NewNop(),
		kick:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		pumpDone:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.queue = make(chan Message, t.capacity)

	go t.pump()
	return t
}

// Resolution returns the configured timer resolution.
func (t *Timer) Resolution() time.Duration { return t.resolution }

// Slack is the extra delay added to every event.
func (t *Timer) Slack() time.Duration {
	if t.resolution > MaxDelay/2 {
		return MaxDelay
	}
	return 2 * t.resolution
}

// SendAfter schedules msg to be delivered once delay plus the slack has
// elapsed and returns the handle that cancels it. It never blocks. On a
// closed Timer the returned handle is already canceled.
func (t *Timer) SendAfter(delay time.Duration, msg Message) *Handle {
	h := &Handle{}

	select {
	case <-t.done:
		h.canceled.Store(true)
		t.logger.Debug("timer closed, dropping timer message", zap.Stringer("message", msg))
		return h
	default:
	}

	if delay < 0 {
		delay = 0
	}

	t.logger.Debug("queuing timer message",
		zap.Stringer("message", msg),
		zap.Duration("delay", delay),
	)

	if delay > MaxDelay-t.Slack() {
		t.logger.Debug("delay out of range, message will never fire", zap.Stringer("message", msg))
		return h
	}

	armed := t.clock.Now()
	t.pending.Add(1)
	ct := t.clock.AfterFunc(delay+t.Slack(), func() {
		t.pending.Add(-1)
		t.fire(armed, delay, msg, h)
	})
	h.stop = ct.Stop
	h.onStop = func() { t.pending.Add(-1) }

	return h
}

// SpawnDelayed schedules msg after delaySecs seconds without handing back a
// way to cancel it.
func (t *Timer) SpawnDelayed(delaySecs uint64, msg Message) {
	delay := MaxDelay
	if delaySecs <= uint64(MaxDelay/time.Second) {
		delay = time.Duration(delaySecs) * time.Second
	}
	t.SendAfter(delay, msg)
}

// fire takes the delivery decision for one event.
func (t *Timer) fire(armed time.Time, delay time.Duration, msg Message, h *Handle) {
	select {
	case <-t.done:
		return
	default:
	}

	// Waking before the requested delay, slack aside, means the clock
	// cannot be trusted for keepalives or rekeys any more.
	if elapsed := t.clock.Now().Sub(armed); elapsed < delay {
		t.fail(fmt.Errorf("%w: %v woke after %v, requested %v", ErrSchedulingFault, msg, elapsed, delay))
		return
	}

	t.mutex.Lock()
	if h.Canceled() {
		t.mutex.Unlock()
		t.logger.Debug("timer cancel signal sent, won't send message", zap.Stringer("message", msg))
		return
	}
	t.backlog = append(t.backlog, msg)
	t.mutex.Unlock()

	select {
	case t.kick <- struct{}{}:
	default:
	}
}

// pump moves fired messages into the queue in fire order.
func (t *Timer) pump() {
	defer close(t.pumpDone)

	for {
		t.mutex.Lock()
		if len(t.backlog) == 0 {
			t.mutex.Unlock()
			select {
			case <-t.kick:
				continue
			case <-t.done:
				return
			}
		}
		msg := t.backlog[0]
		t.mutex.Unlock()

		select {
		case t.queue <- msg:
			t.mutex.Lock()
			t.backlog[0] = nil
			t.backlog = t.backlog[1:]
			t.mutex.Unlock()
		case <-t.done:
			return
		}
	}
}

// C returns the delivery channel. It is never closed; consumers select on
// Done as well.
func (t *Timer) C() <-chan Message { return t.queue }

// Done is closed when the Timer has been torn down.
func (t *Timer) Done() <-chan struct{} { return t.done }

// Err returns the fatal scheduling fault that tore the Timer down, if any.
func (t *Timer) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

func (t *Timer) closedErr() error {
	if t.err != nil {
		return t.err
	}
	return ErrClosed
}

// Poll returns the next queued message without waiting. It returns
// ErrNotReady when nothing is due and ErrClosed, or the scheduling fault,
// once the Timer is gone.
func (t *Timer) Poll() (Message, error) {
	select {
	case <-t.done:
		return nil, t.closedErr()
	default:
	}

	select {
	case msg := <-t.queue:
		return msg, nil
	default:
		return nil, ErrNotReady
	}
}

// Next waits for the next message.
func (t *Timer) Next(ctx context.Context) (Message, error) {
	select {
	case <-t.done:
		return nil, t.closedErr()
	default:
	}

	select {
	case msg := <-t.queue:
		return msg, nil
	case <-t.done:
		return nil, t.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Messages returns the delivered messages as a sequence. It ends when ctx
// is done or the Timer is closed.
func (t *Timer) Messages(ctx context.Context) iter.Seq[Message] {
	return func(yield func(Message) bool) {
		for {
			msg, err := t.Next(ctx)
			if err != nil {
				return
			}
			if !yield(msg) {
				return
			}
		}
	}
}

// Pending returns the number of armed events whose fire decision is
// still ahead.
func (t *Timer) Pending() int { return int(t.pending.Load()) }

// Backlog returns the number of fired messages waiting for queue space.
func (t *Timer) Backlog() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return len(t.backlog)
}

// Len returns the number of queued, undelivered messages.
func (t *Timer) Len() int { return len(t.queue) }

// Close tears the Timer down. Events still armed are dropped when they
// fire and queued messages are discarded. It returns the scheduling fault
// if one had already torn the Timer down, nil otherwise.
func (t *Timer) Close() error {
	t.shutdown(nil)
	<-t.pumpDone
	return t.err
}

func (t *Timer) fail(err error) {
	t.logger.Error("timer subsystem failed", zap.Error(err))
	t.shutdown(err)
}

func (t *Timer) shutdown(err error) {
	t.closeOnce.Do(func() {
		t.err = err
		close(t.done)
	})
}
