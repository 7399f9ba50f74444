package storage

import (
	"time"
)

// Event is one session lifecycle event in the journal.
type Event struct {
	ID        int64
	RunID     string // identifies the server process that wrote the event
	Timestamp time.Time
	SessionID int
	Kind      string // "started", "finished", "crashed", "title"
	Detail    string
	ExitCode  *int // nullable, only set for exits
}

// QueryOptions provides filtering options for event queries.
type QueryOptions struct {
	SessionID int
	Limit     int
	Pattern   string // prefix match on Detail
}
