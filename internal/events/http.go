package events

import (
	"net/http"
	"time"
)

// HTTPStart is emitted before the network layer sends a request.
type HTTPStart struct {
	Request *http.Request
}

// HTTPFinish is emitted after the response was read or the request failed.
type HTTPFinish struct {
	Request  *http.Request
	Status   int
	Err      error
	Duration time.Duration
}
