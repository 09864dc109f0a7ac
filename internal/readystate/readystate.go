// Package readystate tracks the progress of one run of queries and reports
// it to an observer at most once per scheduling turn.
package readystate

import (
	"fmt"
	"slices"

	"github.com/hanpama/graphcache/internal/diag"
)

// EventType names a progress event.
type EventType string

const (
	NetworkQueryStart            EventType = "NETWORK_QUERY_START"
	StoreFoundAll                EventType = "STORE_FOUND_ALL"
	StoreFoundRequired           EventType = "STORE_FOUND_REQUIRED"
	CacheRestoreStart            EventType = "CACHE_RESTORE_START"
	CacheRestoredRequired        EventType = "CACHE_RESTORED_REQUIRED"
	CacheRestoreFailed           EventType = "CACHE_RESTORE_FAILED"
	NetworkQueryReceivedRequired EventType = "NETWORK_QUERY_RECEIVED_REQUIRED"
	NetworkQueryReceivedAll      EventType = "NETWORK_QUERY_RECEIVED_ALL"
	NetworkQueryError            EventType = "NETWORK_QUERY_ERROR"
	Abort                        EventType = "ABORT"
)

type Event struct {
	Type  EventType
	Error error
}

// State is the aggregate progress of a run.
type State struct {
	Aborted bool
	Done    bool
	Error   error
	Ready   bool
	Stale   bool
	Events  []Event
}

func (s State) String() string {
	return fmt.Sprintf("{aborted:%t done:%t error:%v ready:%t stale:%t}", s.Aborted, s.Done, s.Error, s.Ready, s.Stale)
}

// Update is a partial state; nil fields are left unchanged. A nil Error
// leaves the error unchanged.
type Update struct {
	Aborted *bool
	Done    *bool
	Error   error
	Ready   *bool
	Stale   *bool
}

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

func (u Update) isAbort() bool { return u.Aborted != nil && *u.Aborted }

// Scheduler defers a function to the end of the current turn.
type Scheduler interface {
	Post(func())
}

// Machine merges updates into the current state. Once aborted, nothing
// changes anymore; once done or failed, only an abort is accepted. Updates
// made within one turn are delivered to the observer as a single state.
type Machine struct {
	sched     Scheduler
	onChange  func(State)
	diag      diag.Sink
	state     State
	scheduled bool
}

// New creates a machine in the pending state. sink may be nil.
func New(sched Scheduler, onChange func(State), sink diag.Sink) *Machine {
	return &Machine{sched: sched, onChange: onChange, diag: sink}
}

// Update merges u and appends events.
func (m *Machine) Update(u Update, events ...Event) {
	prev := m.state
	if prev.Aborted {
		return
	}
	if (prev.Done || prev.Error != nil) && !u.isAbort() {
		diag.Warn(m.diag, diag.InvalidReadyStateChange, "invalid ready state change from %s", prev)
		return
	}

	next := prev
	if u.Aborted != nil {
		next.Aborted = *u.Aborted
	}
	if u.Done != nil {
		next.Done = *u.Done
	}
	if u.Error != nil {
		next.Error = u.Error
	}
	if u.Ready != nil {
		next.Ready = *u.Ready
	}
	if u.Stale != nil {
		next.Stale = *u.Stale
	}
	if len(events) > 0 {
		next.Events = append(slices.Clip(prev.Events), events...)
	}
	m.state = next

	if m.scheduled {
		return
	}
	m.scheduled = true
	m.sched.Post(m.flush)
}

// State returns the current merged state.
func (m *Machine) State() State { return m.state }

func (m *Machine) flush() {
	m.scheduled = false
	s := m.state
	s.Events = slices.Clone(s.Events)
	m.onChange(s)
}
