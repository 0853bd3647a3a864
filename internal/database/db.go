package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Options selects the driver and carries the connection settings.  Only the
// fields relevant to Driver are read.
type Options struct {
	Driver     string // mysql, postgres or sqlite
	User       string
	Pass       string
	Host       string
	Port       string
	Name       string
	SSLMode    string // postgres only
	SQLitePath string // sqlite only

	// DSN, when set, is handed to the mysql or postgres driver as is and
	// the discrete connection fields are ignored.
	DSN string
}

// DB is a connection pool paired with the SQL dialect it speaks.
// Repositories use Rebind and the dialect helpers so that one set of
// queries serves every supported engine.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Querier is satisfied by *sql.DB, *sql.Tx and *DB.  Read helpers accept
// it so they can run inside or outside a unit of work.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open connects to the configured database and verifies the connection.
func Open(ctx context.Context, opts Options) (*DB, error) {
	dialect, err := ParseDialect(opts.Driver)
	if err != nil {
		return nil, err
	}

	var db *sql.DB
	switch dialect {
	case MySQL:
		auth := opts.User
		if opts.Pass != "" {
			auth = fmt.Sprintf("%s:%s", opts.User, opts.Pass)
		}
		// parseTime=true -> DATETIME -> time.Time | loc=UTC keeps times consistent
		dsn := fmt.Sprintf("%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&loc=UTC",
			auth, opts.Host, opts.Port, opts.Name)
		if opts.DSN != "" {
			if dsn, err = mysqlDSN(opts.DSN); err != nil {
				return nil, err
			}
		}
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(30 * time.Minute)

	case Postgres:
		sslmode := opts.SSLMode
		if sslmode == "" {
			sslmode = "disable"
		}
		dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			opts.Host, opts.Port, opts.User, opts.Pass, opts.Name, sslmode)
		if opts.DSN != "" {
			dsn = opts.DSN
		}
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(30 * time.Minute)
		db.SetConnMaxIdleTime(5 * time.Minute)

	case SQLite:
		path := opts.SQLitePath
		if path == "" {
			path = "skillshare.db"
		}
		dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", path)
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, err
		}
		// One writer at a time.  Every transaction owns the only
		// connection, so code inside a tx must never touch the pool.
		db.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	return &DB{DB: db, Dialect: dialect}, nil
}

// Rebind rewrites ? placeholders for the pool's dialect.
func (db *DB) Rebind(query string) string {
	return db.Dialect.Rebind(query)
}

// mysqlDSN forces the time handling every query here relies on onto a
// caller-supplied DSN.
func mysqlDSN(raw string) (string, error) {
	cfg, err := mysql.ParseDSN(raw)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}
