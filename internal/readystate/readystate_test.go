package readystate

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/graphcache/internal/diag"
	"github.com/hanpama/graphcache/internal/loop"
)

type observer struct{ states []State }

func (o *observer) onChange(s State) { o.states = append(o.states, s) }

func TestUpdatesCoalescePerTurn(t *testing.T) {
	l := loop.New()
	o := &observer{}
	m := New(l, o.onChange, nil)

	m.Update(Update{}, Event{Type: NetworkQueryStart})
	m.Update(Update{Ready: Bool(true), Stale: Bool(true)})
	require.Empty(t, o.states, "delivery waits for the end of the turn")

	l.Drain()
	want := []State{{Ready: true, Stale: true, Events: []Event{{Type: NetworkQueryStart}}}}
	if diff := cmp.Diff(want, o.states); diff != "" {
		t.Fatalf("states mismatch (-want +got):\n%s", diff)
	}

	m.Update(Update{Done: Bool(true), Stale: Bool(false)})
	l.Drain()
	require.Len(t, o.states, 2)
	require.True(t, o.states[1].Done)
	require.False(t, o.states[1].Stale)
}

func TestTerminalStates(t *testing.T) {
	l := loop.New()
	o := &observer{}
	rec := &diag.Recorder{}
	m := New(l, o.onChange, rec)

	boom := errors.New("boom")
	m.Update(Update{Error: boom})
	l.Drain()

	m.Update(Update{Ready: Bool(true)})
	l.Drain()
	require.Len(t, o.states, 1, "updates after an error are dropped")
	require.Equal(t, []diag.Code{diag.InvalidReadyStateChange}, rec.Codes())

	m.Update(Update{Aborted: Bool(true)})
	m.Update(Update{Aborted: Bool(false), Done: Bool(true)})
	l.Drain()
	want := []State{{Error: boom}, {Aborted: true, Error: boom}}
	if diff := cmp.Diff(want, o.states, cmpopts.EquateErrors()); diff != "" {
		t.Fatalf("states mismatch (-want +got):\n%s", diff)
	}
}

func TestDoneAcceptsAbort(t *testing.T) {
	l := loop.New()
	o := &observer{}
	m := New(l, o.onChange, nil)

	m.Update(Update{Done: Bool(true), Ready: Bool(true)})
	l.Drain()
	m.Update(Update{Aborted: Bool(true)}, Event{Type: Abort})
	l.Drain()
	require.Len(t, o.states, 2)
	require.True(t, o.states[1].Aborted)
	require.Equal(t, []Event{{Type: Abort}}, o.states[1].Events)
}
