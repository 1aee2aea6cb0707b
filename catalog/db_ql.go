package catalog

import (
	"database/sql"
	"fmt"
	"log"
	"sync/atomic"

	_ "github.com/cznic/ql/driver"
)

// This file implements the catalog using the QL embedded database. It is
// intended for development and tests.

const qlInit = `
	CREATE TABLE IF NOT EXISTS packages (
		id string,
		created time,
		latest string,
		latest_created time,
		version int
	);
	CREATE UNIQUE INDEX IF NOT EXISTS packageid ON packages (id);

	CREATE TABLE IF NOT EXISTS snapshots (
		id string,
		package_id string,
		created time,
		state string,
		archived bool,
		retryable bool,
		value blob
	);
	CREATE UNIQUE INDEX IF NOT EXISTS snapshotid ON snapshots (id);
	CREATE INDEX IF NOT EXISTS snapshotpackage ON snapshots (package_id);
	CREATE INDEX IF NOT EXISTS snapshotstate ON snapshots (state);

	CREATE TABLE IF NOT EXISTS fixity (
		snapshot string,
		scheduled_time time,
		status string,
		notes string
	);
	CREATE INDEX IF NOT EXISTS fixitysnapshot ON fixity (snapshot);
	CREATE INDEX IF NOT EXISTS fixitytime ON fixity (scheduled_time);
	CREATE INDEX IF NOT EXISTS fixitystatus ON fixity (status);
`

var qlDialect = &dialect{
	name: "QL",

	lookupPackage: `SELECT id, created, latest, latest_created, version FROM packages WHERE id == ?1 LIMIT 1`,
	insertPackage: `INSERT INTO packages (id, created, latest, version) VALUES (?1, ?2, "", 0)`,
	advance: `
		UPDATE packages
		SET latest = ?1, latest_created = ?2, version = version + 1
		WHERE id == ?3 AND version == ?4 AND (latest_created IS NULL OR latest_created < ?5)`,

	lookupSnapshot:   `SELECT value FROM snapshots WHERE id == ?1 LIMIT 1`,
	snapshotArchived: `SELECT archived FROM snapshots WHERE id == ?1 LIMIT 1`,
	insertSnapshot:   `INSERT INTO snapshots VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7)`,
	updateSnapshot: `
		UPDATE snapshots
		SET package_id = ?1, created = ?2, state = ?3, archived = ?4, retryable = ?5, value = ?6
		WHERE id == ?7`,
	listSnapshots: `SELECT value FROM snapshots WHERE package_id == ?1 ORDER BY created`,
	listUnfinished: `
		SELECT value FROM snapshots
		WHERE state == ?1 OR state == ?2 OR (state == ?3 AND retryable)
		ORDER BY created`,

	nextFixity: `
		SELECT snapshot
		FROM fixity
		WHERE status == "scheduled" AND scheduled_time <= ?1
		ORDER BY scheduled_time
		LIMIT 1`,
	updateFixity: `
		UPDATE fixity
		SET status = ?1, notes = ?2
		WHERE id() in
			(SELECT id from
				(SELECT id() as id, scheduled_time
				FROM fixity
				WHERE snapshot == ?3 and status == "scheduled"
				ORDER BY scheduled_time
				LIMIT 1))`,
	insertFixity: `INSERT INTO fixity VALUES (?1, ?2, ?3, ?4)`,
	lookupCheck: `
		SELECT scheduled_time
		FROM fixity
		WHERE snapshot == ?1 AND status == "scheduled"
		ORDER BY scheduled_time ASC
		LIMIT 1`,
}

// memoryCount keeps the in-memory databases from sharing a name.
var memoryCount int64

// NewQL opens a QL catalog stored in the given file. The filename
// "memory" keeps everything in memory; each such catalog is distinct.
func NewQL(filename string) (Catalog, error) {
	var db *sql.DB
	var err error
	if filename == "memory" {
		n := atomic.AddInt64(&memoryCount, 1)
		db, err = sql.Open("ql-mem", fmt.Sprintf("mem%d.db", n))
	} else {
		db, err = sql.Open("ql", filename)
	}
	if err == nil {
		// QL serializes writers; one connection keeps transactions
		// from waiting on each other inside this process.
		db.SetMaxOpenConns(1)
		_, err = performExec(db, qlInit)
	}
	if err != nil {
		log.Printf("Open QL: %s", err.Error())
		return nil, err
	}
	return &sqlCatalog{db: db, q: qlDialect}, nil
}
