package kvadapter

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"

	"github.com/juju/errors"
	"go.uber.org/multierr"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

func init() {
	Register("sqlite", NewSQLiteDB)
}

var sqliteIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var sqliteSynchronous = map[SyncPolicy]string{
	NoSync:      "OFF",
	Sync:        "FULL",
	WriteNoSync: "NORMAL",
}

type sqlitedb struct {
	db *sql.DB

	getQuery    string
	setQuery    string
	deleteQuery string
	seekQuery   string
	scanQuery   string
}

// NewSQLiteDB opens <path>/sqlite.db and keeps the collection in a table
// of the same name.
func NewSQLiteDB(o Options) (Engine, error) {
	if !sqliteIdent.MatchString(o.Collection) {
		return nil, errors.NotValidf("sqlite table name %q", o.Collection)
	}
	if err := os.MkdirAll(o.Path, 0o755); err != nil {
		return nil, errors.Trace(err)
	}

	q := url.Values{}
	q.Set("_txlock", "immediate")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous("+sqliteSynchronous[o.Sync]+")")
	if o.CacheSizeMB > 0 {
		// negative cache_size is in KiB
		q.Add("_pragma", fmt.Sprintf("cache_size(-%d)", o.CacheSizeMB<<10))
	}
	dsn := "file:" + filepath.Join(o.Path, "sqlite.db") + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Trace(err)
	}
	table := o.Collection
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS ` + table + ` (
		key   BLOB PRIMARY KEY,
		value BLOB NOT NULL
	) WITHOUT ROWID`)
	if err != nil {
		err = multierr.Append(err, db.Close())
		return nil, errors.Annotatef(err, "create table %s", table)
	}

	return &sqlitedb{
		db:          db,
		getQuery:    "SELECT value FROM " + table + " WHERE key = ?",
		setQuery:    "INSERT OR REPLACE INTO " + table + " (key, value) VALUES (?, ?)",
		deleteQuery: "DELETE FROM " + table + " WHERE key = ?",
		seekQuery:   "SELECT key, value FROM " + table + " WHERE key >= ? ORDER BY key ASC",
		scanQuery:   "SELECT key, value FROM " + table + " ORDER BY key ASC",
	}, nil
}

func (d *sqlitedb) Get(key []byte) ([]byte, error) {
	var v []byte
	err := d.db.QueryRow(d.getQuery, key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return v, nil
}

func (d *sqlitedb) Set(key, value []byte) error {
	b := &Batch{}
	b.Put(key, value)
	return d.Write(b)
}

func (d *sqlitedb) Delete(key []byte) error {
	b := &Batch{}
	b.Delete(key)
	return d.Write(b)
}

func (d *sqlitedb) Write(b *Batch) error {
	tx, err := d.db.Begin()
	if err != nil {
		return errors.Trace(err)
	}

	err = b.Replay(
		func(k, v []byte) error {
			_, err := tx.Exec(d.setQuery, k, v)
			return err
		},
		func(k []byte) error {
			_, err := tx.Exec(d.deleteQuery, k)
			return err
		},
	)
	if err != nil {
		tx.Rollback()
		return errors.Trace(err)
	}
	return errors.Trace(tx.Commit())
}

func (d *sqlitedb) Seek(start []byte, fn func(key, value []byte) bool) error {
	var (
		rows *sql.Rows
		err  error
	)
	if len(start) == 0 {
		rows, err = d.db.Query(d.scanQuery)
	} else {
		rows, err = d.db.Query(d.seekQuery, start)
	}
	if err != nil {
		return errors.Trace(err)
	}
	defer rows.Close()

	for rows.Next() {
		var k, v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return errors.Trace(err)
		}
		if !fn(k, v) {
			break
		}
	}
	return errors.Trace(rows.Err())
}

func (d *sqlitedb) Close() error {
	return errors.Trace(d.db.Close())
}

func (d *sqlitedb) classify(err error) (Code, bool) {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		if errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
			return CodeUnavailable, true
		}
		return 0, false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return CodeConflict, true
	case sqlite3.SQLITE_FULL, sqlite3.SQLITE_NOMEM:
		return CodeResourceExhausted, true
	case sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_READONLY:
		return CodeUnavailable, true
	case sqlite3.SQLITE_TOOBIG, sqlite3.SQLITE_CONSTRAINT:
		return CodeInvalidArgument, true
	}
	return 0, false
}
