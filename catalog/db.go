package catalog

import (
	"database/sql"
	"encoding/json"
	"log"
	"time"

	"github.com/BurntSushi/migration"
	// no _ in import mysql since we need mysql.NullTime
	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"

	"github.com/ndlib/sipstore/sip"
)

// dialect holds the text of every query the sql catalog issues. Arguments
// are always passed in the order of the MySQL placeholders; the QL queries
// use numbered placeholders to match.
type dialect struct {
	name string

	lookupPackage string // id
	insertPackage string // id, created
	advance       string // latest, latest_created, id, version, latest_created

	lookupSnapshot   string // id -> value
	snapshotArchived string // id -> archived
	insertSnapshot   string // id, package_id, created, state, archived, retryable, value
	updateSnapshot   string // package_id, created, state, archived, retryable, value, id
	listSnapshots    string // package_id -> value
	listUnfinished   string // state, state, state -> value

	nextFixity   string // cutoff -> snapshot
	updateFixity string // status, notes, snapshot
	insertFixity string // snapshot, scheduled_time, status, notes
	lookupCheck  string // snapshot -> scheduled_time
}

// sqlCatalog implements Catalog over a database/sql connection. The
// dialect supplies the queries.
type sqlCatalog struct {
	db *sql.DB
	q  *dialect
}

var _ Catalog = &sqlCatalog{}

func (sc *sqlCatalog) Close() error {
	return sc.db.Close()
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRow(query string, args ...interface{}) *sql.Row
}

func (sc *sqlCatalog) Package(id string) (*sip.Package, error) {
	return sc.lookupPackage(sc.db, id)
}

func (sc *sqlCatalog) lookupPackage(q queryer, id string) (*sip.Package, error) {
	var p sip.Package
	var latest sql.NullString
	var latestCreated mysql.NullTime
	err := q.QueryRow(sc.q.lookupPackage, id).Scan(&p.ID, &p.Created, &latest, &latestCreated, &p.Version)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, errors.Wrapf(err, "catalog %s: package %s", sc.q.name, id)
	}
	p.LatestArchived = latest.String
	if latestCreated.Valid {
		p.LatestCreated = latestCreated.Time
	}
	return &p, nil
}

func (sc *sqlCatalog) EnsurePackage(id string, created time.Time) (*sip.Package, error) {
	p, err := sc.Package(id)
	if err != ErrNotFound {
		return p, err
	}
	_, err = performExec(sc.db, sc.q.insertPackage, id, created)
	if err != nil {
		// someone else may have made it first
		log.Printf("catalog %s: insert package %s: %s", sc.q.name, id, err.Error())
	}
	return sc.Package(id)
}

func (sc *sqlCatalog) Snapshot(id string) (*sip.Snapshot, error) {
	var value []byte
	err := sc.db.QueryRow(sc.q.lookupSnapshot, id).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, errors.Wrapf(err, "catalog %s: snapshot %s", sc.q.name, id)
	}
	return decodeSnapshot(value)
}

func decodeSnapshot(value []byte) (*sip.Snapshot, error) {
	s := new(sip.Snapshot)
	err := json.Unmarshal(value, s)
	if err != nil {
		return nil, errors.Wrap(err, "decoding snapshot")
	}
	return s, nil
}

func (sc *sqlCatalog) Snapshots(pkgID string) ([]*sip.Snapshot, error) {
	return sc.list(sc.q.listSnapshots, pkgID)
}

func (sc *sqlCatalog) Unfinished() ([]*sip.Snapshot, error) {
	return sc.list(sc.q.listUnfinished,
		sip.StateBuilding.String(),
		sip.StateWriting.String(),
		sip.StateFailed.String())
}

func (sc *sqlCatalog) list(query string, args ...interface{}) ([]*sip.Snapshot, error) {
	rows, err := sc.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "catalog %s", sc.q.name)
	}
	defer rows.Close()
	var result []*sip.Snapshot
	for rows.Next() {
		var value []byte
		if err := rows.Scan(&value); err != nil {
			return nil, errors.Wrapf(err, "catalog %s", sc.q.name)
		}
		s, err := decodeSnapshot(value)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "catalog %s", sc.q.name)
	}
	sortSnapshots(result)
	return result, nil
}

func (sc *sqlCatalog) SaveSnapshot(s *sip.Snapshot) error {
	tx, err := sc.db.Begin()
	if err != nil {
		return err
	}
	err = sc.saveSnapshot(tx, s)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// saveSnapshot inserts or updates s inside tx, refusing to touch a stored
// snapshot that is already archived.
func (sc *sqlCatalog) saveSnapshot(tx *sql.Tx, s *sip.Snapshot) error {
	value, err := json.Marshal(s)
	if err != nil {
		return err
	}
	var archived bool
	err = tx.QueryRow(sc.q.snapshotArchived, s.ID).Scan(&archived)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.Exec(sc.q.insertSnapshot,
			s.ID, s.PackageID, s.Created, s.State.String(), s.Archived, s.Retryable, value)
	case err != nil:
	case archived:
		err = ErrArchived
	default:
		_, err = tx.Exec(sc.q.updateSnapshot,
			s.PackageID, s.Created, s.State.String(), s.Archived, s.Retryable, value, s.ID)
	}
	if err != nil && err != ErrArchived {
		err = errors.Wrapf(err, "catalog %s: save snapshot %s", sc.q.name, s.ID)
	}
	return err
}

func (sc *sqlCatalog) Commit(s *sip.Snapshot, version int) error {
	tx, err := sc.db.Begin()
	if err != nil {
		return err
	}
	err = sc.commit(tx, s, version)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (sc *sqlCatalog) commit(tx *sql.Tx, s *sip.Snapshot, version int) error {
	var archived bool
	err := tx.QueryRow(sc.q.snapshotArchived, s.ID).Scan(&archived)
	if err == nil && archived {
		return ErrArchived
	} else if err != nil && err != sql.ErrNoRows {
		return errors.Wrapf(err, "catalog %s: snapshot %s", sc.q.name, s.ID)
	}
	result, err := tx.Exec(sc.q.advance, s.ID, s.Created, s.PackageID, version, s.Created)
	if err != nil {
		return errors.Wrapf(err, "catalog %s: advance package %s", sc.q.name, s.PackageID)
	}
	nrows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if nrows == 0 {
		if _, err := sc.lookupPackage(tx, s.PackageID); err != nil {
			return err
		}
		return ErrConflict
	}
	c := *s
	c.Archived = true
	c.State = sip.StateCommitted
	return sc.saveSnapshot(tx, &c)
}

func (sc *sqlCatalog) NextFixity(cutoff time.Time) string {
	var id string
	err := sc.db.QueryRow(sc.q.nextFixity, cutoff).Scan(&id)
	if err == sql.ErrNoRows {
		// no next record
		return ""
	} else if err != nil {
		log.Println("nextfixity", sc.q.name, err.Error())
		return ""
	}
	return id
}

func (sc *sqlCatalog) UpdateFixity(id string, status string, notes string) error {
	result, err := performExec(sc.db, sc.q.updateFixity, status, notes, id)
	if err != nil {
		return err
	}
	nrows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if nrows == 0 {
		// record didn't exist. create it
		_, err = performExec(sc.db, sc.q.insertFixity, id, time.Now(), status, notes)
	}
	return err
}

func (sc *sqlCatalog) SetCheck(id string, when time.Time) error {
	_, err := performExec(sc.db, sc.q.insertFixity, id, when, "scheduled", "")
	return err
}

func (sc *sqlCatalog) LookupCheck(id string) (time.Time, error) {
	var when mysql.NullTime
	err := sc.db.QueryRow(sc.q.lookupCheck, id).Scan(&when)
	if err == sql.ErrNoRows {
		err = nil
	}
	if when.Valid {
		return when.Time, err
	}
	return time.Time{}, err
}

// performExec runs a single statement inside its own transaction. QL
// requires every change to happen inside one.
func performExec(db *sql.DB, query string, args ...interface{}) (sql.Result, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}
	var result sql.Result
	result, err = tx.Exec(query, args...)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	err = tx.Commit()
	return result, err
}

// we need to adapt the migration version functions to work with MySQL and QL
// This code is slightly modified from github.com/BurntSushi/migration

type dbVersion struct {
	// SQL to get the version of this db, returns one row and one column
	GetSQL string
	// SQL to insert a new version of this db. takes one parameter, the new
	// version
	SetSQL string
	// the SQL to create the version table for this db
	CreateSQL string
}

func (d dbVersion) Get(tx migration.LimitedTx) (int, error) {
	var version int
	err := tx.QueryRow(d.GetSQL).Scan(&version)
	if err != nil {
		// we assume error means there is no migration table
		log.Println("catalog version:", err.Error())
		return 0, nil
	}
	return version, nil
}

func (d dbVersion) Set(tx migration.LimitedTx, version int) error {
	if _, err := tx.Exec(d.SetSQL, version); err != nil {
		if _, err := tx.Exec(d.CreateSQL); err != nil {
			return err
		}
		_, err = tx.Exec(d.SetSQL, version)
		return err
	}
	return nil
}

// execlist exec's each item in the list, return if there is an error.
// Used to work around mysql driver not handling compound exec statements.
func execlist(tx migration.LimitedTx, stms []string) error {
	for _, s := range stms {
		if _, err := tx.Exec(s); err != nil {
			return err
		}
	}
	return nil
}
