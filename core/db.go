package core

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"strconv"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

type SQLiteDBOption struct {
	// mode can be ro | rw | rwc | memory
	Mode string
	// cache can be shared | private
	Cache string
	// JournalMode be DELETE | TRUNCATE | PERSIST | MEMORY | WAL | OFF
	JournalMode string
	// BusyTimeout is in milliseconds.
	BusyTimeout int
}

func (config *SQLiteDBOption) query() url.Values {
	q := url.Values{}
	// foreign keys are off by default in sqlite
	q.Set("_foreign_keys", "on")
	if config == nil {
		return q
	}
	if config.Mode != "" {
		q.Set("mode", config.Mode)
	}
	if config.Cache != "" {
		q.Set("cache", config.Cache)
	}
	if config.JournalMode != "" {
		q.Set("_journal_mode", config.JournalMode)
	}
	if config.BusyTimeout > 0 {
		q.Set("_busy_timeout", strconv.Itoa(config.BusyTimeout))
	}
	return q
}

// DSN returns the data source name for file.
func (config *SQLiteDBOption) DSN(file string) string {
	return "file:" + file + "?" + config.query().Encode()
}

type SQLiteDB struct {
	*sql.DB
	config       *SQLiteDBOption
	file         string
	migrationDir string
}

func NewSQLiteDB(file, migrationDir string, config *SQLiteDBOption) (*SQLiteDB, error) {
	db := &SQLiteDB{config: config, migrationDir: migrationDir, file: file}

	d, err := sql.Open("sqlite3", config.DSN(file))
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	if config != nil && config.Mode == "memory" {
		// every connection to a private in-memory database sees a different database
		d.SetMaxOpenConns(1)
	}

	db.DB = d
	return db, nil
}

func (db *SQLiteDB) Migrate() error {
	return Migrate(db.DB, db.migrationDir)
}

// Migrate applies every pending migration found in dir.
func Migrate(db *sql.DB, dir string) error {
	goose.SetBaseFS(os.DirFS(dir))
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("goose.SetDialect: %w", err)
	}

	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("goose.Up: %w", err)
	}
	return nil
}
