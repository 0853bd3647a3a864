package database

import (
	"context"
	"fmt"
)

// Timestamps are BIGINT so the same statements run on every dialect:
// sessions.event_start holds Unix seconds, every other *_at column holds
// Unix milliseconds.
//
// bookings.active_key is learner_id|session_id while the booking is
// pending or accepted and NULL afterwards.  Its unique index is the
// storage-level guard against two active bookings for one pair.

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id                 VARCHAR(36)  NOT NULL PRIMARY KEY,
		instructor_id      VARCHAR(64)  NOT NULL,
		total_capacity     INT          NOT NULL,
		capacity_remaining INT          NOT NULL,
		status             VARCHAR(16)  NOT NULL DEFAULT 'upcoming',
		event_start        BIGINT       NOT NULL,
		duration_minutes   INT          NOT NULL,
		version            BIGINT       NOT NULL DEFAULT 0,
		created_at         BIGINT       NOT NULL,
		CONSTRAINT chk_sessions_total CHECK (total_capacity > 0),
		CONSTRAINT chk_sessions_remaining CHECK (capacity_remaining >= 0 AND capacity_remaining <= total_capacity),
		INDEX idx_sessions_status_start (status, event_start)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS bookings (
		id             VARCHAR(36)  NOT NULL PRIMARY KEY,
		session_id     VARCHAR(36)  NOT NULL,
		learner_id     VARCHAR(64)  NOT NULL,
		seats          INT          NOT NULL DEFAULT 1,
		status         VARCHAR(16)  NOT NULL,
		decline_reason VARCHAR(500) NULL,
		active_key     VARCHAR(120) NULL,
		requested_at   BIGINT       NOT NULL,
		updated_at     BIGINT       NOT NULL,
		CONSTRAINT chk_bookings_seats CHECK (seats > 0),
		CONSTRAINT fk_bookings_session FOREIGN KEY (session_id) REFERENCES sessions(id),
		UNIQUE KEY uq_bookings_active (active_key),
		INDEX idx_bookings_learner (learner_id, session_id),
		INDEX idx_bookings_session_status (session_id, status)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS booking_status_events (
		id          VARCHAR(36)  NOT NULL PRIMARY KEY,
		booking_id  VARCHAR(36)  NOT NULL,
		from_status VARCHAR(16)  NULL,
		to_status   VARCHAR(16)  NOT NULL,
		actor_id    VARCHAR(64)  NOT NULL,
		reason      VARCHAR(500) NULL,
		created_at  BIGINT       NOT NULL,
		CONSTRAINT fk_events_booking FOREIGN KEY (booking_id) REFERENCES bookings(id),
		INDEX idx_events_booking (booking_id, created_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS ratings (
		id         VARCHAR(36)   NOT NULL PRIMARY KEY,
		session_id VARCHAR(36)   NOT NULL,
		learner_id VARCHAR(64)   NOT NULL,
		rating     INT           NOT NULL,
		comment    VARCHAR(2000) NOT NULL DEFAULT '',
		created_at BIGINT        NOT NULL,
		CONSTRAINT chk_ratings_range CHECK (rating BETWEEN 1 AND 5),
		CONSTRAINT fk_ratings_session FOREIGN KEY (session_id) REFERENCES sessions(id),
		UNIQUE KEY uq_ratings_learner_session (learner_id, session_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// portableSchema is shared by Postgres and SQLite; both accept TEXT and
// CREATE INDEX IF NOT EXISTS.
var portableSchema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id                 TEXT    NOT NULL PRIMARY KEY,
		instructor_id      TEXT    NOT NULL,
		total_capacity     INTEGER NOT NULL CHECK (total_capacity > 0),
		capacity_remaining INTEGER NOT NULL,
		status             TEXT    NOT NULL DEFAULT 'upcoming',
		event_start        BIGINT  NOT NULL,
		duration_minutes   INTEGER NOT NULL,
		version            BIGINT  NOT NULL DEFAULT 0,
		created_at         BIGINT  NOT NULL,
		CHECK (capacity_remaining >= 0 AND capacity_remaining <= total_capacity)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_status_start ON sessions (status, event_start)`,
	`CREATE TABLE IF NOT EXISTS bookings (
		id             TEXT    NOT NULL PRIMARY KEY,
		session_id     TEXT    NOT NULL REFERENCES sessions(id),
		learner_id     TEXT    NOT NULL,
		seats          INTEGER NOT NULL DEFAULT 1 CHECK (seats > 0),
		status         TEXT    NOT NULL,
		decline_reason TEXT    NULL,
		active_key     TEXT    NULL,
		requested_at   BIGINT  NOT NULL,
		updated_at     BIGINT  NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_bookings_active ON bookings (active_key)`,
	`CREATE INDEX IF NOT EXISTS idx_bookings_learner ON bookings (learner_id, session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_bookings_session_status ON bookings (session_id, status)`,
	`CREATE TABLE IF NOT EXISTS booking_status_events (
		id          TEXT   NOT NULL PRIMARY KEY,
		booking_id  TEXT   NOT NULL REFERENCES bookings(id),
		from_status TEXT   NULL,
		to_status   TEXT   NOT NULL,
		actor_id    TEXT   NOT NULL,
		reason      TEXT   NULL,
		created_at  BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_booking ON booking_status_events (booking_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS ratings (
		id         TEXT    NOT NULL PRIMARY KEY,
		session_id TEXT    NOT NULL REFERENCES sessions(id),
		learner_id TEXT    NOT NULL,
		rating     INTEGER NOT NULL CHECK (rating BETWEEN 1 AND 5),
		comment    TEXT    NOT NULL DEFAULT '',
		created_at BIGINT  NOT NULL,
		UNIQUE (learner_id, session_id)
	)`,
}

// Migrate creates the tables and indexes if they do not exist yet.
// Statements run one at a time; the MySQL driver rejects multi-statement
// strings unless multiStatements is set.
func (db *DB) Migrate(ctx context.Context) error {
	stmts := portableSchema
	if db.Dialect == MySQL {
		stmts = mysqlSchema
	}
	for i, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i+1, err)
		}
	}
	return nil
}
