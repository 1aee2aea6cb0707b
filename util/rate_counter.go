package util

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

// A RateCounter throttles background checksumming (fixity checks) so
// re-reading archived bags does not starve archival writes.
// Every interval the pool gains credits. Reads through a wrapped reader
// spend credits. While the pool is negative, readers wait.
type RateCounter struct {
	c        chan struct{} // receives when credits are positive
	stop     chan struct{} // close to signal adder goroutine to exit
	interval time.Duration

	m       sync.Mutex // protects below
	credits int64
}

// DefaultRateInterval is the interval between refills of the pool.
const DefaultRateInterval = 1 * time.Minute

// NewRateCounter returns a counter where credits accumulate at the given
// number of bytes per second. The amount due is added all at once every
// interval. A non-positive interval uses DefaultRateInterval.
func NewRateCounter(rate float64, interval time.Duration) *RateCounter {
	if interval <= 0 {
		interval = DefaultRateInterval
	}
	amount := int64(rate * interval.Seconds())
	r := &RateCounter{
		c:        make(chan struct{}),
		stop:     make(chan struct{}),
		interval: interval,
		credits:  amount,
	}
	go r.adder(amount)
	return r
}

// Use some number of units. It is okay if it takes this counter negative.
func (r *RateCounter) Use(count int64) {
	r.m.Lock()
	r.credits -= count
	r.m.Unlock()
}

// OK returns a channel to wait on. It will receive an empty struct when it is OK
// to resume reading. The channel will be closed if the RateCounter is Stopped.
func (r *RateCounter) OK() <-chan struct{} {
	return r.c
}

// Stop the background goroutine refilling the RateCounter. Will panic if
// called twice.
func (r *RateCounter) Stop() {
	close(r.stop)
}

func (r *RateCounter) adder(amount int64) {
	tick := time.NewTicker(r.interval)
	defer tick.Stop()
	for {
		var signal chan struct{}
		r.m.Lock()
		if r.credits > 0 {
			signal = r.c
		}
		r.m.Unlock()
		select {
		case <-tick.C:
			r.Use(-amount) // add amount to credits!
		case signal <- struct{}{}:
		case <-r.stop:
			close(r.c)
			return
		}
	}
}

// ErrStopped means a read failed because the governing rate counter was stopped.
var ErrStopped = errors.New("RateCounter stopped")

// Wrap takes an io.Reader and returns a new one where reads are limited by
// this RateCounter. More than one goroutine may share the same RateCounter.
// Reads fail with ErrStopped once the counter is stopped, and with the
// context's error once ctx is done.
func (r *RateCounter) Wrap(ctx context.Context, reader io.Reader) io.Reader {
	return rateReader{ctx: ctx, reader: reader, rate: r}
}

type rateReader struct {
	ctx    context.Context
	reader io.Reader
	rate   *RateCounter
}

func (r rateReader) Read(p []byte) (int, error) {
	select {
	case _, ok := <-r.rate.OK():
		if !ok {
			return 0, ErrStopped
		}
	case <-r.ctx.Done():
		return 0, r.ctx.Err()
	}
	n, err := r.reader.Read(p)
	r.rate.Use(int64(n))
	return n, err
}
