package events

import "time"

// FetchStart is emitted when a pending fetch is dispatched to the network.
type FetchStart struct {
	QueryID   string
	QueryName string
}

// FetchFinish is emitted when a pending fetch resolves or fails.
type FetchFinish struct {
	QueryID   string
	QueryName string
	Err       error
	Duration  time.Duration
}
