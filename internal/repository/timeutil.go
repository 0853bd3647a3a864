package repository

import "time"

// Stored timestamps are Unix milliseconds (seconds for event_start).

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func fromSeconds(s int64) time.Time { return time.Unix(s, 0).UTC() }

// scanner is implemented by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}
