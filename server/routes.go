package server

import (
	"encoding/json"
	"expvar"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"

	"github.com/ndlib/sipstore/archiver"
	"github.com/ndlib/sipstore/bagit"
	"github.com/ndlib/sipstore/catalog"
	"github.com/ndlib/sipstore/record"
	"github.com/ndlib/sipstore/sip"
)

func (s *RESTServer) addRoutes() http.Handler {
	var routes = []struct {
		method  string
		route   string
		role    Role // RoleUnknown means no API key is needed to access
		handler httprouter.Handle
	}{
		{"GET", "/package/:id", RoleRead, s.PackageHandler},
		{"POST", "/package/:id/archive", RoleWrite, s.ArchiveHandler},
		{"POST", "/package/:id/attempt", RoleWrite, s.BeginHandler},
		{"GET", "/package/:id/diff", RoleRead, s.DiffHandler},

		{"GET", "/attempt/:aid", RoleRead, s.AttemptHandler},
		{"POST", "/attempt/:aid/advance", RoleWrite, s.AdvanceHandler},

		{"GET", "/snapshot/:sid", RoleRead, s.SnapshotHandler},
		{"GET", "/snapshot/:sid/verify", RoleRead, s.VerifyHandler},
		{"GET", "/snapshot/:sid/fixity", RoleRead, s.FixityHandler},

		{"GET", "/queue", RoleRead, s.QueueHandler},

		// other
		{"GET", "/", RoleUnknown, WelcomeHandler},
		{"GET", "/debug/vars", RoleUnknown, VarHandler}, // standard route for expvars data
	}

	r := httprouter.New()
	for _, route := range routes {
		r.Handle(route.method,
			route.route,
			logWrapper(s.authzWrapper(route.handler, route.role)))
	}
	return r
}

// PackageInfo is the JSON returned for a package.
type PackageInfo struct {
	ID             string
	Created        time.Time
	LatestArchived string
	Version        int
	Snapshots      []SnapshotSummary
}

// SnapshotSummary describes a snapshot in a package listing.
type SnapshotSummary struct {
	ID        string
	Created   time.Time
	State     sip.State
	Archived  bool
	Previous  string
	Attempts  int
	LastError string `json:",omitempty"`
}

// AttemptInfo is the JSON returned for an attempt.
type AttemptInfo struct {
	ID        string
	PackageID string
	State     sip.State
	Error     string `json:",omitempty"`
	Retryable bool   `json:",omitempty"`
}

// PackageHandler handles requests to GET /package/:id
func (s *RESTServer) PackageHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	v, err := s.lookups.Do("package:"+id, func() (interface{}, error) {
		return s.packageInfo(id)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *RESTServer) packageInfo(id string) (*PackageInfo, error) {
	c := s.Archiver.Catalog
	pkg, err := c.Package(id)
	if err != nil {
		return nil, err
	}
	list, err := c.Snapshots(id)
	if err != nil {
		return nil, err
	}
	info := &PackageInfo{
		ID:             pkg.ID,
		Created:        pkg.Created,
		LatestArchived: pkg.LatestArchived,
		Version:        pkg.Version,
	}
	for _, snap := range list {
		info.Snapshots = append(info.Snapshots, SnapshotSummary{
			ID:        snap.ID,
			Created:   snap.Created,
			State:     snap.State,
			Archived:  snap.Archived,
			Previous:  snap.Previous,
			Attempts:  snap.Attempts,
			LastError: snap.LastError,
		})
	}
	return info, nil
}

// ArchiveHandler handles requests to POST /package/:id/archive by adding
// the package to the background queue.
func (s *RESTServer) ArchiveHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	if !s.Enqueue(id) {
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprintln(w, "already queued")
		return
	}
	w.WriteHeader(http.StatusAccepted)
	fmt.Fprintln(w, "queued")
}

// BeginHandler handles requests to POST /package/:id/attempt. It starts an
// attempt and builds its snapshot, so a record with nothing new to archive
// is reported here as already archived. The caller writes and commits the
// snapshot with POST /attempt/:aid/advance. The optional query parameter
// "mode" sets the diff mode.
func (s *RESTServer) BeginHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	opts := archiver.Options{
		Mode:    s.Mode,
		NoWait:  true,
		Restart: r.FormValue("restart") == "true",
		Timeout: s.AttemptTimeout,
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultHandleTimeout
	}
	if m := r.FormValue("mode"); m != "" {
		mode, err := sip.ParseMode(m)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintln(w, err.Error())
			return
		}
		opts.Mode = mode
	}
	if user := ps.ByName("username"); user != "" && user != "nobody" {
		opts.UserID = user
	}
	at, err := s.Archiver.Begin(r.Context(), ps.ByName("id"), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	for state := at.State(); state == sip.StatePending || state == sip.StateBuilding; state = at.State() {
		if _, err := at.Advance(r.Context()); err != nil {
			writeError(w, err)
			return
		}
	}
	s.m.Lock()
	s.attempts[at.ID()] = at
	s.m.Unlock()
	w.Header().Set("Location", "/attempt/"+at.ID())
	writeJSON(w, http.StatusCreated, attemptInfo(at))
}

// AttemptHandler handles requests to GET /attempt/:aid
func (s *RESTServer) AttemptHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	at := s.attempt(ps.ByName("aid"))
	if at == nil {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintln(w, "no such attempt")
		return
	}
	writeJSON(w, http.StatusOK, attemptInfo(at))
}

// AdvanceHandler handles requests to POST /attempt/:aid/advance. It runs
// one step of the attempt and returns the state reached. Failures are
// reported in the body; an attempt which found nothing to archive is not
// an error.
func (s *RESTServer) AdvanceHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	aid := ps.ByName("aid")
	at := s.attempt(aid)
	if at == nil {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintln(w, "no such attempt")
		return
	}
	state, _ := at.Advance(r.Context())
	if state.Terminal() {
		s.m.Lock()
		delete(s.attempts, aid)
		s.m.Unlock()
	}
	writeJSON(w, http.StatusOK, attemptInfo(at))
}

func (s *RESTServer) attempt(aid string) *archiver.Attempt {
	s.m.Lock()
	defer s.m.Unlock()
	return s.attempts[aid]
}

func attemptInfo(at *archiver.Attempt) AttemptInfo {
	info := AttemptInfo{
		ID:        at.ID(),
		PackageID: at.PackageID(),
		State:     at.State(),
	}
	if err := at.Err(); err != nil {
		info.Error = err.Error()
		info.Retryable = sip.IsRetryable(err)
	}
	return info
}

// SnapshotHandler handles requests to GET /snapshot/:sid
func (s *RESTServer) SnapshotHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	snap, err := s.Archiver.Catalog.Snapshot(ps.ByName("sid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// VerifyResult is the JSON returned by a fixity check.
type VerifyResult struct {
	Snapshot string
	Status   string
	Problems []string `json:",omitempty"`
}

// VerifyHandler handles requests to GET /snapshot/:sid/verify. It checks
// the fixity of the snapshot now, ignoring the rate limit of the
// background checker, and records the result.
func (s *RESTServer) VerifyHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	sid := ps.ByName("sid")
	problems, err := s.Archiver.Verify(r.Context(), sid)
	if err == nil || sip.KindOf(err) != sip.KindMalformed {
		status, notes := fixityStatus(problems, err)
		if err2 := s.Archiver.Catalog.UpdateFixity(sid, status, notes); err2 != nil {
			log.Printf("fixity for %s: %s", sid, err2.Error())
		}
	}
	if err != nil {
		writeError(w, err)
		return
	}
	result := VerifyResult{Snapshot: sid, Status: "ok", Problems: problems}
	if len(problems) > 0 {
		result.Status = "mismatch"
	}
	writeJSON(w, http.StatusOK, result)
}

// FixityHandler handles requests to GET /snapshot/:sid/fixity, returning
// when the next fixity check of the snapshot is scheduled.
func (s *RESTServer) FixityHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	sid := ps.ByName("sid")
	when, err := s.Archiver.Catalog.LookupCheck(sid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Snapshot string
		Next     time.Time
	}{sid, when})
}

// DiffHandler handles requests to GET /package/:id/diff?from=&to= and
// returns a unified diff of the manifests of two snapshots. The default
// for "to" is the latest archived snapshot, and for "from" the snapshot
// before "to".
func (s *RESTServer) DiffHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	c := s.Archiver.Catalog
	pkg, err := c.Package(ps.ByName("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	toID := r.FormValue("to")
	if toID == "" {
		toID = pkg.LatestArchived
	}
	if toID == "" {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintln(w, "package has no archived snapshots")
		return
	}
	to, err := c.Snapshot(toID)
	if err != nil {
		writeError(w, err)
		return
	}
	fromID := r.FormValue("from")
	if fromID == "" && r.Form["from"] == nil {
		fromID = to.Previous
	}
	var from *sip.Snapshot
	if fromID != "" {
		from, err = c.Snapshot(fromID)
		if err != nil {
			writeError(w, err)
			return
		}
	}
	if (from != nil && from.PackageID != pkg.ID) || to.PackageID != pkg.ID {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintln(w, "snapshot belongs to another package")
		return
	}
	text, err := bagit.ManifestDiff(fromID, bagit.FullManifest(from), toID, bagit.FullManifest(to))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, text)
}

// QueueHandler handles requests to GET /queue
func (s *RESTServer) QueueHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	writeJSON(w, http.StatusOK, struct{ Pending int }{s.queue.pending()})
}

// General route handlers and convenience functions

// WelcomeHandler handles requests to GET /
func WelcomeHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fmt.Fprintf(w, "sipstore (%s)\n", Version)
}

// VarHandler adapts the expvar default handler to the httprouter three parameter handler.
func VarHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	// this code is taken from the stdlib expvar package.
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	fmt.Fprintf(w, "{\n")
	first := true
	expvar.Do(func(kv expvar.KeyValue) {
		if !first {
			fmt.Fprintf(w, ",\n")
		}
		first = false
		fmt.Fprintf(w, "%q: %s", kv.Key, kv.Value)
	})
	fmt.Fprintf(w, "\n}\n")
}

func writeJSON(w http.ResponseWriter, status int, val interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(val)
}

// writeError maps err to a status code and writes it out.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Cause(err) == catalog.ErrNotFound, errors.Cause(err) == record.ErrNotFound:
		status = http.StatusNotFound
	case sip.IsAlreadyArchived(err):
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "already archived")
		return
	case sip.IsLockBusy(err):
		status = http.StatusConflict
	case sip.KindOf(err) == sip.KindMalformed,
		sip.KindOf(err) == sip.KindMissingMetadata,
		sip.KindOf(err) == sip.KindDuplicatePath:
		status = http.StatusBadRequest
	}
	w.WriteHeader(status)
	fmt.Fprintln(w, err.Error())
}

// authzWrapper returns a Handler which will first verify the user token as
// having at least the given Role. The user name is added as a parameter
// "username".
func (s *RESTServer) authzWrapper(handler httprouter.Handle, leastRole Role) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		token := r.Header.Get("X-Api-Key")
		user, role, err := s.Validator.TokenValid(token)
		if err != nil {
			w.WriteHeader(500)
			fmt.Fprintln(w, err.Error())
			return
		}
		if role < leastRole {
			w.WriteHeader(401)
			fmt.Fprintln(w, "Forbidden")
			return
		}
		// remove any previous username
		for i := range ps {
			if ps[i].Key == "username" {
				ps[i].Value = user
				handler(w, r, ps)
				return
			}
		}
		ps = append(ps, httprouter.Param{Key: "username", Value: user})
		handler(w, r, ps)
	}
}

// logWrapper takes a handler and returns a handler which does the same thing,
// after first logging the request URL.
func logWrapper(handler httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		log.Println(r.Method, r.URL)
		handler(w, r, ps)
	}
}
