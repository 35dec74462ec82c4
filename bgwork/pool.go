// Package bgwork implements the background-work manager: a fixed-size
// worker pool per channel, pulling ready descriptors from the channel's
// own ready queue and driving them with progress_xd(time_limit), grounded
// on client.Client.dispatch()'s backoff-polling completion-queue loop
// (client/client.go) — generalized from "poll one CQ" to "poll N channel
// ready queues with N worker goroutines apiece".
package bgwork

import (
	"runtime"
	"sync"
	"time"

	"github.com/rocketbitz/xferdes-go/channel"
	"github.com/rocketbitz/xferdes-go/xfer"
)

// Config tunes a Pool's worker count and per-call time budget.
type Config struct {
	// WorkersPerChannel is the number of goroutines draining each
	// registered channel's ready queue concurrently. Zero means
	// runtime.GOMAXPROCS(0).
	WorkersPerChannel int
	// TimeLimit is the deadline passed to progress_xd on each call (spec
	// §5 "tens of microseconds typical").
	TimeLimit time.Duration
	// MinBackoff/MaxBackoff bound the exponential backoff applied to a
	// worker when its channel's descriptor reports no work, mirroring the
	// teacher dispatcher's millisecond-doubling backoff.
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.WorkersPerChannel <= 0 {
		c.WorkersPerChannel = runtime.GOMAXPROCS(0)
	}
	if c.TimeLimit <= 0 {
		c.TimeLimit = 50 * time.Microsecond
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Millisecond
	}
	return c
}

// Pool drives every registered channel's ready queue with its own set of
// worker goroutines (spec §5 "Scheduling model": one ready queue per
// channel, a descriptor never concurrently progressed by more than one
// worker for that channel).
type Pool struct {
	cfg Config

	mu       sync.Mutex
	channels []channel.Channel
	started  bool
	wg       sync.WaitGroup
	stopCh   chan struct{}

	// OnError is invoked from a worker goroutine when progress_xd returns
	// an error other than xfer.ErrNoWork; nil means errors are dropped.
	OnError func(ch channel.Channel, xd *xfer.XferDes, err error)

	// OnWorkerStart/OnWorkerStop fire once per spawned worker goroutine, for
	// a caller tracking per-channel worker lifecycle (e.g. metrics).
	OnWorkerStart func(ch channel.Channel)
	OnWorkerStop  func(ch channel.Channel)
}

// New constructs a stopped pool; call Start to begin draining registered
// channels.
func New(cfg Config) *Pool {
	return &Pool{cfg: cfg.withDefaults(), stopCh: make(chan struct{})}
}

// Register adds ch to the set of channels this pool drains. A channel
// registered before Start gets its workers from Start; one registered after
// Start gets its workers spawned here.
func (p *Pool) Register(ch channel.Channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels = append(p.channels, ch)
	if p.started {
		for i := 0; i < p.cfg.WorkersPerChannel; i++ {
			p.wg.Add(1)
			go p.worker(ch)
		}
	}
}

// Start spawns WorkersPerChannel goroutines for every registered channel.
func (p *Pool) Start() {
	p.mu.Lock()
	channels := append([]channel.Channel(nil), p.channels...)
	p.started = true
	p.mu.Unlock()

	for _, ch := range channels {
		for i := 0; i < p.cfg.WorkersPerChannel; i++ {
			p.wg.Add(1)
			go p.worker(ch)
		}
	}
}

// Stop signals every worker to exit and waits for them to drain. Since a
// worker parked in a blocking DequeueReadyXD call cannot observe stopCh
// directly, Stop also closes every registered channel's ready queue —
// the channel is considered owned by the pool for its lifetime, matching
// the teacher's dispatcher, which tears down its completion queue on the
// same shutdown path that stops the polling goroutine.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.mu.Lock()
	channels := append([]channel.Channel(nil), p.channels...)
	p.mu.Unlock()
	for _, ch := range channels {
		ch.Close()
	}
	p.wg.Wait()
}

func (p *Pool) worker(ch channel.Channel) {
	defer p.wg.Done()
	if p.OnWorkerStart != nil {
		p.OnWorkerStart(ch)
	}
	if p.OnWorkerStop != nil {
		defer p.OnWorkerStop(ch)
	}
	backoff := p.cfg.MinBackoff

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		xd, ok := ch.DequeueReadyXD()
		if !ok {
			return // channel closed
		}

		didWork, err := ch.ProgressXD(xd, p.cfg.TimeLimit.Nanoseconds())
		if err != nil && err != xfer.ErrNoWork {
			if p.OnError != nil {
				p.OnError(ch, xd, err)
			}
			backoff = p.backoffWait(backoff)
			continue
		}

		if xd.TransferCompleted() {
			continue
		}

		if didWork {
			backoff = p.cfg.MinBackoff
			ch.EnqueueReadyXD(xd)
			continue
		}

		// No work this round: the descriptor is re-armed elsewhere (an
		// update arrives, a completion fires — spec §5 "Suspension
		// points") via EnqueueReadyXD once its progress counter changes;
		// this worker just backs off before giving the queue another
		// look rather than spinning.
		before := xd.ProgressCounter()
		backoff = p.backoffWait(backoff)
		if xd.ProgressCounter() != before {
			ch.EnqueueReadyXD(xd)
		}
	}
}

func (p *Pool) backoffWait(cur time.Duration) time.Duration {
	select {
	case <-p.stopCh:
		return cur
	case <-time.After(cur):
	}
	next := cur * 2
	if next > p.cfg.MaxBackoff {
		next = p.cfg.MaxBackoff
	}
	return next
}
