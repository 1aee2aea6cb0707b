package server

import (
	"context"
	"expvar"
	"log"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	raven "github.com/getsentry/raven-go"

	"github.com/ndlib/sipstore/archiver"
	"github.com/ndlib/sipstore/sip"
	"github.com/ndlib/sipstore/util"
)

// RetryPolicy decides when a failed background attempt is tried again.
// The delay starts at BaseDelay and doubles after each failure, up to
// MaxDelay. After MaxAttempts tries the package is dropped.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Defaults for RetryPolicy fields left zero.
const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = time.Minute
	DefaultMaxDelay    = time.Hour
)

func (rp RetryPolicy) withDefaults() RetryPolicy {
	if rp.MaxAttempts <= 0 {
		rp.MaxAttempts = DefaultMaxAttempts
	}
	if rp.BaseDelay <= 0 {
		rp.BaseDelay = DefaultBaseDelay
	}
	if rp.MaxDelay <= 0 {
		rp.MaxDelay = DefaultMaxDelay
	}
	return rp
}

// Delay returns how long to wait before try number attempt+1, given that
// attempt tries have failed with err. It returns false if the package
// should not be tried again.
func (rp RetryPolicy) Delay(attempt int, err error) (time.Duration, bool) {
	rp = rp.withDefaults()
	if !sip.IsRetryable(err) && !sip.IsLockBusy(err) {
		return 0, false
	}
	if attempt >= rp.MaxAttempts {
		return 0, false
	}
	d := rp.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= rp.MaxDelay {
			return rp.MaxDelay, true
		}
	}
	return d, true
}

var (
	xArchived  = expvar.NewInt("queue.archived")
	xUnchanged = expvar.NewInt("queue.unchanged")
	xRetried   = expvar.NewInt("queue.retried")
	xDropped   = expvar.NewInt("queue.dropped")
)

// queue feeds packages to the background archival workers.
type queue struct {
	a      *archiver.Archiver
	opts   archiver.Options
	retry  RetryPolicy
	clock  clock.Clock
	gate   util.Gate
	c      chan job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // background attempts in progress

	m       sync.Mutex
	waiting map[string]bool // packages in c or waiting on a retry timer
	timers  map[string]*clock.Timer
}

type job struct {
	pid     string
	attempt int // number of tries made so far
}

func newQueue(a *archiver.Archiver, workers int, retry RetryPolicy, c clock.Clock) *queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &queue{
		a:       a,
		retry:   retry.withDefaults(),
		clock:   c,
		gate:    util.NewGate(workers),
		c:       make(chan job, 100), // 100 is arbitrary
		ctx:     ctx,
		cancel:  cancel,
		waiting: make(map[string]bool),
		timers:  make(map[string]*clock.Timer),
	}
}

func (q *queue) start() {
	q.wg.Add(1)
	go q.dispatch()
}

// stop cancels running attempts and waits for them to exit. Pending
// retries are dropped; the sweep picks them up after a restart.
func (q *queue) stop() {
	q.cancel()
	q.m.Lock()
	for pid, t := range q.timers {
		t.Stop()
		delete(q.timers, pid)
	}
	q.m.Unlock()
	q.wg.Wait()
}

// add queues pid unless it is already waiting.
func (q *queue) add(pid string) bool {
	q.m.Lock()
	if q.waiting[pid] {
		q.m.Unlock()
		return false
	}
	q.waiting[pid] = true
	q.m.Unlock()
	return q.push(job{pid: pid})
}

func (q *queue) push(j job) bool {
	select {
	case q.c <- j:
		return true
	case <-q.ctx.Done():
		return false
	}
}

// dispatch starts an attempt for each job, keeping no more than the gate
// allows running at once.
func (q *queue) dispatch() {
	defer q.wg.Done()
	for {
		var j job
		select {
		case j = <-q.c:
		case <-q.ctx.Done():
			return
		}
		if q.gate.EnterContext(q.ctx) != nil {
			return
		}
		q.m.Lock()
		delete(q.waiting, j.pid)
		q.m.Unlock()
		q.wg.Add(1)
		go func(j job) {
			defer q.wg.Done()
			defer q.gate.Leave()
			q.run(j)
		}(j)
	}
}

func (q *queue) run(j job) {
	j.attempt++
	log.Printf("queue: archiving %s, try %d", j.pid, j.attempt)
	s, err := q.a.Archive(q.ctx, j.pid, q.opts)
	switch {
	case err == nil:
		log.Printf("queue: %s archived as snapshot %s", j.pid, s.ID)
		xArchived.Add(1)
		return
	case sip.IsAlreadyArchived(err):
		log.Printf("queue: %s already archived", j.pid)
		xUnchanged.Add(1)
		return
	case q.ctx.Err() != nil:
		return
	}
	delay, ok := q.retry.Delay(j.attempt, err)
	if !ok {
		log.Printf("queue: giving up on %s after %d tries: %s", j.pid, j.attempt, err.Error())
		raven.CaptureError(err, map[string]string{"package": j.pid, "queue": "gave up"})
		xDropped.Add(1)
		return
	}
	log.Printf("queue: retrying %s in %s", j.pid, delay)
	xRetried.Add(1)
	q.later(j, delay)
}

// later pushes j back onto the queue after delay, unless pid has been
// queued again in the mean time.
func (q *queue) later(j job, delay time.Duration) {
	q.m.Lock()
	defer q.m.Unlock()
	if q.waiting[j.pid] || q.ctx.Err() != nil {
		return
	}
	q.waiting[j.pid] = true
	q.timers[j.pid] = q.clock.AfterFunc(delay, func() {
		q.m.Lock()
		delete(q.timers, j.pid)
		q.m.Unlock()
		if !q.push(j) {
			q.m.Lock()
			delete(q.waiting, j.pid)
			q.m.Unlock()
		}
	})
}

// pending returns the number of packages waiting to be archived.
func (q *queue) pending() int {
	q.m.Lock()
	defer q.m.Unlock()
	return len(q.waiting)
}
