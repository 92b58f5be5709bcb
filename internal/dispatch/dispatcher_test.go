package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"

	"storyloom.ai/internal/protocol"
	"storyloom.ai/internal/reconcile"
	"storyloom.ai/internal/session"
	"storyloom.ai/internal/syncerr"
)

type fakeAPI struct {
	submit func(ctx context.Context, sessionID, text, correlationID string) (bool, error)
	calls  atomic.Int32
}

func (f *fakeAPI) SubmitAction(ctx context.Context, sessionID, text, correlationID string) (bool, error) {
	f.calls.Add(1)
	if f.submit == nil {
		return true, nil
	}
	return f.submit(ctx, sessionID, text, correlationID)
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T, api *fakeAPI) (*Dispatcher, *session.Store) {
	t.Helper()
	st := session.NewStore(session.Config{Logger: zaptest.NewLogger(t), Now: func() time.Time { return t0 }})
	st.Replace(&session.Session{
		ID:    "s1",
		World: session.WorldState{CurrentLocation: "Crossroads"},
		Story: []session.StoryEntry{{ID: "e1", Type: session.EntryNarration, Text: "You wake.", Timestamp: t0}},
	})
	var n atomic.Int32
	d, err := New(Config{
		Store:      st,
		API:        api,
		Optimistic: true,
		Logger:     zaptest.NewLogger(t),
		NewID:      func() string { return fmt.Sprintf("id-%d", n.Add(1)) },
		Now:        func() time.Time { return t0.Add(time.Minute) },
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	t.Cleanup(d.Close)
	return d, st
}

func TestPerformActionAppendsPlayerEntryBeforeSubmission(t *testing.T) {
	api := &fakeAPI{}
	d, st := setup(t, api)
	api.submit = func(ctx context.Context, sessionID, text, correlationID string) (bool, error) {
		cur, _ := st.Current()
		var players int
		for _, e := range cur.Story {
			if e.Type == session.EntryPlayer && e.Text == "look around" {
				players++
			}
		}
		if players != 1 {
			t.Errorf("expected exactly one optimistic player entry before submit, got %d", players)
		}
		p, ok := st.Pending()
		if !ok || p.CorrelationID != correlationID {
			t.Errorf("pending must be recorded before submit: %+v", p)
		}
		return true, nil
	}

	res, err := d.PerformAction(context.Background(), "  look around ", Options{})
	if err != nil {
		t.Fatalf("perform: %v", err)
	}
	if !res.Accepted || res.EntryID == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	p, ok := st.Pending()
	if !ok || p.Status != session.PendingInFlight {
		t.Fatalf("accepted action must stay pending until the stream confirms: %+v", p)
	}
}

func TestPerformActionRollsBackExactly(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind syncerr.Kind
	}{
		{"network", errors.New("connection refused"), syncerr.KindNetwork},
		{"rejection", syncerr.Rejected(protocol.ErrInvalidAction, "cannot do that"), syncerr.KindServerRejection},
		{"not accepted", nil, syncerr.KindServerRejection},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			api := &fakeAPI{submit: func(context.Context, string, string, string) (bool, error) {
				return false, tc.err
			}}
			d, st := setup(t, api)
			before, _ := st.Current()

			var outcome Outcome
			d.onOutcome = func(o Outcome) { outcome = o }

			res, err := d.PerformAction(context.Background(), "look around", Options{})
			if syncerr.KindOf(err) != tc.kind {
				t.Fatalf("kind: got %v want %v (%v)", syncerr.KindOf(err), tc.kind, err)
			}
			if res == nil || res.Accepted {
				t.Fatalf("expected rejected result, got %+v", res)
			}
			after, _ := st.Current()
			if diff := cmp.Diff(before, after); diff != "" {
				t.Fatalf("state after rollback differs from snapshot (-before +after):\n%s", diff)
			}
			if _, ok := st.Pending(); ok {
				t.Fatalf("failed action must leave flight")
			}
			if outcome.Status != session.PendingFailed || outcome.Kind != tc.kind.String() {
				t.Fatalf("unexpected outcome: %+v", outcome)
			}
			status, werr := res.Wait(context.Background())
			if status != session.PendingFailed || werr == nil {
				t.Fatalf("wait after failure: %v %v", status, werr)
			}
		})
	}
}

func TestPerformActionBusyWhilePending(t *testing.T) {
	api := &fakeAPI{}
	d, st := setup(t, api)
	if _, err := d.PerformAction(context.Background(), "open the door", Options{}); err != nil {
		t.Fatalf("first: %v", err)
	}
	before, _ := st.Current()
	v := st.Version()

	_, err := d.PerformAction(context.Background(), "run", Options{})
	if !errors.Is(err, syncerr.Busy) {
		t.Fatalf("expected Busy, got %v", err)
	}
	after, _ := st.Current()
	if diff := cmp.Diff(before, after); diff != "" || st.Version() != v {
		t.Fatalf("busy call mutated state:\n%s", diff)
	}
	if api.calls.Load() != 1 {
		t.Fatalf("busy call must not reach the network")
	}
}

func TestPerformActionValidation(t *testing.T) {
	api := &fakeAPI{}
	d, st := setup(t, api)
	v := st.Version()
	for _, text := range []string{"", "   ", strings.Repeat("a", DefaultMaxTextLen+1)} {
		if _, err := d.PerformAction(context.Background(), text, Options{}); !syncerr.Is(err, syncerr.KindValidation) {
			t.Fatalf("expected validation error for %q, got %v", text[:min(len(text), 10)], err)
		}
	}
	if st.Version() != v || api.calls.Load() != 0 {
		t.Fatalf("validation failures must not mutate or submit")
	}
	if _, err := d.PerformAction(context.Background(), strings.Repeat("é", DefaultMaxTextLen), Options{}); err != nil {
		t.Fatalf("limit counts characters, not bytes: %v", err)
	}
}

func TestWaitConfirmedByStream(t *testing.T) {
	api := &fakeAPI{}
	d, st := setup(t, api)
	res, err := d.PerformAction(context.Background(), "look around", Options{})
	if err != nil {
		t.Fatalf("perform: %v", err)
	}
	go func() {
		_, _ = st.ApplyDelta(session.Delta{
			SessionID: "s1",
			Resolve:   &session.Resolution{CorrelationID: res.CorrelationID, Status: session.PendingConfirmed},
		})
	}()
	status, err := res.Wait(context.Background())
	if err != nil || status != session.PendingConfirmed {
		t.Fatalf("wait: %v %v", status, err)
	}
}

func TestWaitTimeoutDoesNotRollBack(t *testing.T) {
	api := &fakeAPI{}
	d, st := setup(t, api)
	res, err := d.PerformAction(context.Background(), "look around", Options{Timeout: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("perform: %v", err)
	}
	status, err := res.Wait(context.Background())
	if !errors.Is(err, ErrStillProcessing) || status != session.PendingInFlight {
		t.Fatalf("expected still processing, got %v %v", status, err)
	}
	cur, _ := st.Current()
	if _, ok := cur.Entry(res.EntryID); !ok {
		t.Fatalf("timeout must keep the optimistic entry")
	}
	if _, ok := st.Pending(); !ok {
		t.Fatalf("timeout must keep the action pending")
	}
}

func TestSessionSwitchSuppressesLateFailure(t *testing.T) {
	release := make(chan struct{})
	api := &fakeAPI{submit: func(context.Context, string, string, string) (bool, error) {
		<-release
		return false, errors.New("timeout")
	}}
	d, st := setup(t, api)

	type out struct {
		res *Result
		err error
	}
	done := make(chan out, 1)
	go func() {
		res, err := d.PerformAction(context.Background(), "look around", Options{})
		done <- out{res, err}
	}()

	waitFor(t, func() bool { _, ok := st.Pending(); return ok })
	other := &session.Session{ID: "s2", World: session.WorldState{CurrentLocation: "Harbor"}}
	st.Replace(other)
	close(release)

	o := <-done
	if o.err == nil {
		t.Fatalf("expected the late failure to be reported")
	}
	cur, _ := st.Current()
	if cur.ID != "s2" || cur.World.CurrentLocation != "Harbor" {
		t.Fatalf("late failure touched the new session: %+v", cur)
	}
	status, err := o.res.Wait(context.Background())
	if !errors.Is(err, ErrDiscarded) || status != session.PendingInFlight {
		t.Fatalf("expected discarded wait, got %v %v", status, err)
	}
}

func TestErrorFrameThenFailedSubmissionRollsBack(t *testing.T) {
	api := &fakeAPI{}
	d, st := setup(t, api)
	before, _ := st.Current()

	rec, err := reconcile.New(reconcile.Config{Store: st, Logger: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatalf("reconciler: %v", err)
	}
	rec.SetStatus(session.StatusConnected)
	api.submit = func(_ context.Context, sessionID, _, correlationID string) (bool, error) {
		raw, err := protocol.EncodeFrame(1, sessionID, correlationID,
			protocol.ErrorNotice{Code: protocol.ErrInvalidAction, Message: "You cannot fly."})
		if err != nil {
			t.Errorf("encode: %v", err)
		}
		if _, err := rec.HandleRaw(context.Background(), raw); err != nil {
			t.Errorf("handle error frame: %v", err)
		}
		return false, errors.New("connection reset")
	}

	res, err := d.PerformAction(context.Background(), "look around", Options{})
	if !syncerr.Is(err, syncerr.KindNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
	after, _ := st.Current()
	if diff := cmp.Diff(before.Story, after.Story); diff != "" {
		t.Fatalf("optimistic entry of the failed action remains (-before +after):\n%s", diff)
	}
	if _, ok := st.Pending(); ok {
		t.Fatalf("failed action must leave flight")
	}
	if status, _ := res.Wait(context.Background()); status != session.PendingFailed {
		t.Fatalf("wait: got %s want failed", status)
	}
}

func TestNonOptimisticStillTracksPending(t *testing.T) {
	api := &fakeAPI{}
	d, st := setup(t, api)
	off := false
	before, _ := st.Current()
	res, err := d.PerformAction(context.Background(), "wait", Options{Optimistic: &off})
	if err != nil {
		t.Fatalf("perform: %v", err)
	}
	if res.EntryID != "" {
		t.Fatalf("non-optimistic action must not create an entry")
	}
	after, _ := st.Current()
	if len(after.Story) != len(before.Story) {
		t.Fatalf("story changed without optimistic updates")
	}
	if _, ok := st.Pending(); !ok {
		t.Fatalf("pending must still be tracked")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met")
}
