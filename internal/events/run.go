package events

import "time"

// RunStart is emitted when a run of queries starts.
type RunStart struct {
	RunID     string
	Queries   []string
	FetchMode string
}

// RunFinish is emitted once a run is done, failed or aborted.
type RunFinish struct {
	RunID    string
	Aborted  bool
	Err      error
	Duration time.Duration
}

// DiffComputed is emitted after a query of a run was diffed against the
// store.
type DiffComputed struct {
	RunID     string
	QueryName string
	// Queries is the number of queries the diff produced, split queries
	// included.
	Queries int
}
