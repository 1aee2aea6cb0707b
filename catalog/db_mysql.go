package catalog

import (
	"log"
	"strings"

	"github.com/BurntSushi/migration"
)

// This file contains the MySQL catalog, used in production.

// List of migrations to perform. Add new ones to the end.
// DO NOT change the order of items already in this list.
var mysqlMigrations = []migration.Migrator{
	mysqlschema1,
	mysqlschema2,
}

// Adapt the schema versioning for MySQL

var mysqlVersioning = dbVersion{
	GetSQL:    `SELECT max(version) FROM migration_version`,
	SetSQL:    `INSERT INTO migration_version (version, applied) VALUES (?, now())`,
	CreateSQL: `CREATE TABLE migration_version (version INTEGER, applied datetime)`,
}

var mysqlDialect = &dialect{
	name: "mysql",

	lookupPackage: `SELECT id, created, latest, latest_created, version FROM packages WHERE id = ? LIMIT 1`,
	insertPackage: `INSERT INTO packages (id, created, latest, version) VALUES (?, ?, "", 0)`,
	advance: `
		UPDATE packages
		SET latest = ?, latest_created = ?, version = version + 1
		WHERE id = ? AND version = ? AND (latest_created IS NULL OR latest_created < ?)`,

	lookupSnapshot:   `SELECT value FROM snapshots WHERE id = ? LIMIT 1`,
	snapshotArchived: `SELECT archived FROM snapshots WHERE id = ? LIMIT 1 FOR UPDATE`,
	insertSnapshot: `
		INSERT INTO snapshots (id, package_id, created, state, archived, retryable, value)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
	updateSnapshot: `
		UPDATE snapshots
		SET package_id = ?, created = ?, state = ?, archived = ?, retryable = ?, value = ?
		WHERE id = ?`,
	listSnapshots: `SELECT value FROM snapshots WHERE package_id = ? ORDER BY created`,
	listUnfinished: `
		SELECT value FROM snapshots
		WHERE state = ? OR state = ? OR (state = ? AND retryable)
		ORDER BY created`,

	nextFixity: `
		SELECT snapshot
		FROM fixity
		WHERE status = "scheduled" AND scheduled_time <= ?
		ORDER BY scheduled_time
		LIMIT 1`,
	updateFixity: `
		UPDATE fixity
		SET status = ?, notes = ?
		WHERE snapshot = ? and status = "scheduled"
		ORDER BY scheduled_time
		LIMIT 1`,
	insertFixity: `INSERT INTO fixity (snapshot, scheduled_time, status, notes) VALUES (?,?,?,?)`,
	lookupCheck: `
		SELECT scheduled_time
		FROM fixity
		WHERE snapshot = ? AND status = "scheduled"
		ORDER BY scheduled_time
		LIMIT 1`,
}

// NewMySQL connects to a MySQL database, migrating the schema if needed.
// Times are stored with microsecond precision, so the dial string has
// parseTime turned on if it is not already.
func NewMySQL(dial string) (Catalog, error) {
	if !strings.Contains(dial, "parseTime") {
		if strings.Contains(dial, "?") {
			dial += "&parseTime=true"
		} else {
			dial += "?parseTime=true"
		}
	}
	db, err := migration.OpenWith(
		"mysql",
		dial,
		mysqlMigrations,
		mysqlVersioning.Get,
		mysqlVersioning.Set)
	if err != nil {
		log.Printf("Open Mysql: %s", err.Error())
		return nil, err
	}
	return &sqlCatalog{db: db, q: mysqlDialect}, nil
}

// Open returns the catalog named by location: "memory" or "" for an
// in-memory QL database, "mysql:<dial>" for MySQL, and anything else is
// the name of a QL database file.
func Open(location string) (Catalog, error) {
	switch {
	case location == "" || location == "memory":
		return NewQL("memory")
	case strings.HasPrefix(location, "mysql:"):
		return NewMySQL(strings.TrimPrefix(location, "mysql:"))
	}
	return NewQL(location)
}

// database migrations. each one is a go function. Add them to the
// list mysqlMigrations at top of this file for them to be run.

func mysqlschema1(tx migration.LimitedTx) error {
	var s = []string{
		`CREATE TABLE IF NOT EXISTS packages (
		id varchar(255) PRIMARY KEY,
		created datetime(6),
		latest varchar(64),
		latest_created datetime(6) NULL,
		version int)`,

		`CREATE TABLE IF NOT EXISTS snapshots (
		pk int PRIMARY KEY AUTO_INCREMENT,
		id varchar(64),
		package_id varchar(255),
		created datetime(6),
		state varchar(16),
		archived bool,
		retryable bool,
		value LONGTEXT,
		UNIQUE INDEX snapshots_id (id),
		INDEX snapshots_package (package_id),
		INDEX snapshots_state (state))`,
	}
	return execlist(tx, s)
}

func mysqlschema2(tx migration.LimitedTx) error {
	var s = []string{
		`CREATE TABLE IF NOT EXISTS fixity (
		id int PRIMARY KEY AUTO_INCREMENT,
		snapshot varchar(64),
		scheduled_time datetime,
		status varchar(32),
		notes text,
		INDEX fixity_snapshot (snapshot),
		INDEX fixity_time (scheduled_time))`,
	}
	return execlist(tx, s)
}

