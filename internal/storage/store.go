package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	_ "github.com/mattn/go-sqlite3"

	core "netsight/internal/core/model"
	"netsight/internal/pkg/logx"
)

// currentSchemaVersion gates replay: opening a store stamped with a
// newer version fails rather than guessing at unknown columns.
const currentSchemaVersion = 2

const dbFileName = "netsight.db"

// migrations are forward-only; index i holds the script that brings the
// schema from version i to i+1.
var migrations = []string{
	// v1: core tables.
	`
CREATE TABLE IF NOT EXISTS throughput_samples (
	ts            INTEGER NOT NULL,
	interface_id  TEXT    NOT NULL,
	kind          TEXT    NOT NULL DEFAULT '',
	download_bps  REAL    NOT NULL DEFAULT 0,
	upload_bps    REAL    NOT NULL DEFAULT 0,
	bytes_rx_total  INTEGER NOT NULL DEFAULT 0,
	bytes_tx_total  INTEGER NOT NULL DEFAULT 0,
	pkts_rx_total   INTEGER NOT NULL DEFAULT 0,
	pkts_tx_total   INTEGER NOT NULL DEFAULT 0,
	confidence    INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (ts, interface_id)
);
CREATE INDEX IF NOT EXISTS idx_throughput_iface_ts
	ON throughput_samples(interface_id, ts);

CREATE TABLE IF NOT EXISTS packets (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	ts            INTEGER NOT NULL,
	interface_id  TEXT    NOT NULL,
	size          INTEGER NOT NULL DEFAULT 0,
	direction     TEXT    NOT NULL DEFAULT 'unknown',
	net_proto     TEXT    NOT NULL DEFAULT 'other',
	transport     TEXT    NOT NULL DEFAULT 'other',
	src_ip        TEXT,
	dst_ip        TEXT,
	src_port      INTEGER,
	dst_port      INTEGER,
	app_proto     TEXT    NOT NULL DEFAULT '',
	flags         INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_packets_iface_ts ON packets(interface_id, ts);
CREATE INDEX IF NOT EXISTS idx_packets_app_ts   ON packets(app_proto, ts);

CREATE TABLE IF NOT EXISTS connections (
	key_hash        TEXT PRIMARY KEY,
	first_seen      INTEGER NOT NULL,
	last_seen       INTEGER NOT NULL,
	last_arrival_ns INTEGER NOT NULL DEFAULT 0,
	total_bytes     INTEGER NOT NULL DEFAULT 0,
	total_packets   INTEGER NOT NULL DEFAULT 0,
	src_endpoint    TEXT NOT NULL,
	dst_endpoint    TEXT NOT NULL,
	transport       TEXT NOT NULL,
	app_proto       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_connections_last_seen ON connections(last_seen);
`,
	// v2: advisory security events.
	`
CREATE TABLE IF NOT EXISTS security_events (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	ts            INTEGER NOT NULL,
	interface_id  TEXT    NOT NULL,
	event_type    TEXT    NOT NULL,
	src_ip        TEXT,
	dst_ip        TEXT,
	port          INTEGER,
	transport     TEXT,
	description   TEXT    NOT NULL,
	severity      TEXT    NOT NULL DEFAULT 'info'
);
CREATE INDEX IF NOT EXISTS idx_security_events_ts ON security_events(ts);
`,
}

// Store is the embedded time-series store. The writer side holds a
// single connection; readers come from a separate pool sized to the
// CPU count so aggregate queries never contend with the batch writer.
type Store struct {
	dir     string
	writeDB *sql.DB
	readDB  *sql.DB
}

// Options tunes Open.
type Options struct {
	// ReadConns caps the read pool; zero means NumCPU.
	ReadConns int
}

// Open opens (creating if needed) the store under dir and applies any
// pending migrations. WAL journaling keeps readers unblocked during
// batch commits.
func Open(dir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	path := filepath.Join(dir, dbFileName)
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_foreign_keys=on", path)

	writeDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	writeDB.SetMaxOpenConns(1)

	if err := writeDB.Ping(); err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := migrate(writeDB); err != nil {
		writeDB.Close()
		return nil, err
	}

	readConns := opts.ReadConns
	if readConns <= 0 {
		readConns = runtime.NumCPU()
	}
	readDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("open read pool: %w", err)
	}
	readDB.SetMaxOpenConns(readConns)

	logx.Infof("store open at %s (schema v%d, %d read connections)", path, currentSchemaVersion, readConns)
	return &Store{dir: dir, writeDB: writeDB, readDB: readDB}, nil
}

// Read returns the read connection pool for query consumers.
func (s *Store) Read() *sql.DB { return s.readDB }

// Close releases both connection pools.
func (s *Store) Close() error {
	rerr := s.readDB.Close()
	werr := s.writeDB.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var version int
	err := db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	if err == sql.ErrNoRows {
		if _, err := db.Exec(`INSERT INTO schema_version (version) VALUES (0)`); err != nil {
			return fmt.Errorf("seed schema_version: %w", err)
		}
		version = 0
	} else if err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	if version > currentSchemaVersion {
		return fmt.Errorf("%w: store is v%d, this build understands v%d",
			core.ErrMigrationMismatch, version, currentSchemaVersion)
	}

	for v := version; v < currentSchemaVersion; v++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration to v%d: %w", v+1, err)
		}
		if _, err := tx.Exec(migrations[v]); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration to v%d: %w", v+1, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version = ?`, v+1); err != nil {
			tx.Rollback()
			return fmt.Errorf("stamp schema v%d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration to v%d: %w", v+1, err)
		}
		logx.Infof("store migrated to schema v%d", v+1)
	}
	return nil
}
