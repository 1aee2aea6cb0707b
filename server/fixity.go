package server

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	raven "github.com/getsentry/raven-go"

	"github.com/ndlib/sipstore/archiver"
	"github.com/ndlib/sipstore/util"
)

// do not checksum a snapshot any more often than every 6 months
var minDurationChecksum = 180 * 24 * time.Hour

// fixityChecker works through the scheduled fixity checks, reading the
// archive no faster than its rate allows.
type fixityChecker struct {
	a      *archiver.Archiver
	rate   *util.RateCounter
	clock  clock.Clock
	ctx    context.Context
	cancel context.CancelFunc

	// only one pass at a time
	m sync.Mutex
}

// newFixityChecker makes a checker reading at most rate MB/hour.
func newFixityChecker(a *archiver.Archiver, rate int64, c clock.Clock) *fixityChecker {
	ctx, cancel := context.WithCancel(context.Background())
	return &fixityChecker{
		a:      a,
		rate:   util.NewRateCounter(float64(rate)*1000000/3600, 0),
		clock:  c,
		ctx:    ctx,
		cancel: cancel,
	}
}

// run checks every snapshot whose check is due, then returns. A pass still
// going when the next one is scheduled makes the next one a no-op.
func (fc *fixityChecker) run() {
	fc.m.Lock()
	defer fc.m.Unlock()
	seen := make(map[string]bool)
	for fc.ctx.Err() == nil {
		id := fc.a.Catalog.NextFixity(fc.clock.Now())
		if id == "" || seen[id] {
			// a check still due after it ran could not be recorded
			return
		}
		seen[id] = true
		fc.check(id)
	}
}

// check verifies one snapshot, records the outcome, and schedules the
// next check. It returns the status recorded, or "" if the check was
// interrupted.
func (fc *fixityChecker) check(id string) string {
	problems, err := fc.a.VerifyWith(fc.ctx, id, fc.rate.Wrap)
	if fc.ctx.Err() != nil {
		// leave it scheduled for the next run
		return ""
	}
	status, notes := fixityStatus(problems, err)
	log.Printf("fixity for %s: %s %s", id, status, notes)
	if status != "ok" {
		raven.CaptureMessage("fixity "+status, map[string]string{"snapshot": id, "notes": notes})
	}
	if err := fc.a.Catalog.UpdateFixity(id, status, notes); err != nil {
		log.Printf("fixity for %s: %s", id, err.Error())
		raven.CaptureError(err, map[string]string{"snapshot": id})
		return status
	}
	if err := fc.a.Catalog.SetCheck(id, fc.clock.Now().Add(minDurationChecksum)); err != nil {
		log.Printf("fixity for %s: %s", id, err.Error())
	}
	return status
}

// fixityStatus turns the result of a verification into a status and notes
// for the fixity table.
func fixityStatus(problems []string, err error) (string, string) {
	switch {
	case err != nil:
		return "error", err.Error()
	case len(problems) > 0:
		return "mismatch", strings.Join(problems, "\n")
	}
	return "ok", ""
}

func (fc *fixityChecker) stop() {
	fc.cancel()
	fc.m.Lock()
	fc.rate.Stop()
	fc.m.Unlock()
}

