// Package server exposes the archiver over a REST API and runs the
// background work: a queue of packages to archive, which retries attempts
// that fail for transient reasons, a periodic sweep resuming interrupted
// attempts, and a rate limited fixity checker.
package server

import (
	"log"
	"net/http"
	_ "net/http/pprof" // for pprof server
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/facebookgo/httpdown"
	"github.com/golang/groupcache/singleflight"
	"github.com/robfig/cron/v3"

	"github.com/ndlib/sipstore/archiver"
	"github.com/ndlib/sipstore/sip"
)

// Version is the server version. It is set at link time.
var Version = archiver.Version

// RESTServer holds the configuration for a sipstore REST API server.
//
// Set the public fields and then call Run. Run will listen on the given
// port and handle requests. Do not change any fields after calling Run.
type RESTServer struct {
	// Port number to run on. defaults to 14000
	PortNumber string
	PProfPort  string

	// Archiver does the archiving. Run will panic if it is nil.
	Archiver *archiver.Archiver

	// Validator does authentication by validating any user tokens
	// presented to the API. If this is nil then no authentication will be
	// done.
	Validator TokenValidator

	// MaxConcurrentArchivals is the number of background attempts allowed
	// at once. Defaults to DefaultConcurrentArchivals.
	MaxConcurrentArchivals int

	// Mode is the diff mode used for queued archivals.
	Mode sip.Mode

	// AttemptTimeout bounds each attempt. Zero means no limit.
	AttemptTimeout time.Duration

	Retry RetryPolicy

	// SweepSchedule is a cron spec for resuming interrupted attempts.
	// The empty string uses DefaultSweepSchedule.
	SweepSchedule string

	// FixitySchedule is a cron spec for starting fixity passes. The
	// empty string uses DefaultFixitySchedule. FixityRate limits the
	// reading in MB/hour; 0 turns fixity checking off.
	FixitySchedule string
	FixityRate     int64

	Clock clock.Clock

	server  httpdown.Server
	queue   *queue
	cron    *cron.Cron
	fixity  *fixityChecker
	lookups singleflight.Group

	// handles of attempts begun over the API, by snapshot id
	m        sync.Mutex
	attempts map[string]*archiver.Attempt
}

// Defaults for the background processes.
const (
	DefaultConcurrentArchivals = 2
	DefaultSweepSchedule       = "@every 15m"
	DefaultFixitySchedule      = "@hourly"

	// DefaultHandleTimeout bounds attempts begun over the API when
	// AttemptTimeout is zero, so an abandoned handle cannot hold its
	// package forever.
	DefaultHandleTimeout = time.Hour
)

func (s *RESTServer) clock() clock.Clock {
	if s.Clock == nil {
		return clock.New()
	}
	return s.Clock
}

// Start initializes and starts the background goroutines, without
// listening for requests. It is separate from Run for tests.
func (s *RESTServer) Start() error {
	if s.Archiver == nil {
		panic("No archiver given. Archiver is nil.")
	}
	if s.Validator == nil {
		log.Println("No Validator given")
		s.Validator = NobodyValidator{}
	}
	s.attempts = make(map[string]*archiver.Attempt)
	n := s.MaxConcurrentArchivals
	if n <= 0 {
		n = DefaultConcurrentArchivals
	}
	s.queue = newQueue(s.Archiver, n, s.Retry, s.clock())
	s.queue.opts = archiver.Options{Mode: s.Mode, NoWait: true, Timeout: s.AttemptTimeout}
	s.queue.start()

	s.cron = cron.New()
	spec := s.SweepSchedule
	if spec == "" {
		spec = DefaultSweepSchedule
	}
	if _, err := s.cron.AddFunc(spec, s.Sweep); err != nil {
		return err
	}
	if s.FixityRate > 0 {
		s.fixity = newFixityChecker(s.Archiver, s.FixityRate, s.clock())
		spec = s.FixitySchedule
		if spec == "" {
			spec = DefaultFixitySchedule
		}
		if _, err := s.cron.AddFunc(spec, s.fixity.run); err != nil {
			return err
		}
	}
	s.cron.Start()

	log.Println("Starting pending archivals")
	go s.Sweep() // run in background
	return nil
}

// Run starts everything and then blocks listening for and handling http
// requests.
func (s *RESTServer) Run() error {
	log.Println("==========")
	log.Printf("Starting sipstore server version %s", Version)
	if s.PortNumber == "" {
		s.PortNumber = "14000"
	}
	if err := s.Start(); err != nil {
		log.Println(err)
		return err
	}

	// for pprof
	if s.PProfPort != "" {
		log.Println("Starting PProf on port", s.PProfPort)
		go func() {
			log.Println(http.ListenAndServe(":"+s.PProfPort, nil))
		}()
	}
	log.Println("Listening on", s.PortNumber)

	h := httpdown.HTTP{}
	var err error
	s.server, err = h.ListenAndServe(&http.Server{
		Addr:    ":" + s.PortNumber,
		Handler: s.addRoutes(),
	})
	if err != nil {
		log.Println(err)
		return err
	}
	return s.server.Wait()
}

// Stop will stop the server and return when all the server goroutines have
// exited and the socket closed.
func (s *RESTServer) Stop() error {
	// first the schedules, so nothing new is started
	<-s.cron.Stop().Done()
	if s.fixity != nil {
		s.fixity.stop()
	}
	s.queue.stop()

	s.m.Lock()
	for id, at := range s.attempts {
		at.Close()
		delete(s.attempts, id)
	}
	s.m.Unlock()

	if s.server == nil {
		return nil
	}
	return s.server.Stop()
}

// Enqueue adds the package pid to the background archival queue. It returns
// false if the package is already waiting.
func (s *RESTServer) Enqueue(pid string) bool {
	return s.queue.add(pid)
}

// Sweep queues the packages of every unfinished snapshot so interrupted
// attempts are resumed. It also forgets API handles of attempts which have
// ended.
func (s *RESTServer) Sweep() {
	s.forgetFinished()
	list, err := s.Archiver.Catalog.Unfinished()
	if err != nil {
		log.Println("sweep:", err.Error())
		return
	}
	for _, snap := range list {
		if s.queue.add(snap.PackageID) {
			log.Printf("sweep: queued package %s for snapshot %s (%s)", snap.PackageID, snap.ID, snap.State)
		}
	}
}

// forgetFinished drops the handles of attempts which ended without being
// advanced to the end, such as those which timed out.
func (s *RESTServer) forgetFinished() {
	s.m.Lock()
	handles := make(map[string]*archiver.Attempt, len(s.attempts))
	for id, at := range s.attempts {
		handles[id] = at
	}
	s.m.Unlock()
	for id, at := range handles {
		if at.State().Terminal() {
			s.m.Lock()
			delete(s.attempts, id)
			s.m.Unlock()
		}
	}
}
