package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"storyloom.ai/internal/protocol"
	"storyloom.ai/internal/session"
	"storyloom.ai/internal/syncerr"
)

func newClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	c, err := New(Config{BaseURL: ts.URL, Token: "tok"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestSubmitActionAccepted(t *testing.T) {
	c := newClient(t, func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/sessions/s1/actions" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		if r.Header.Get("Idempotency-Key") != "c1" {
			t.Errorf("missing idempotency key")
		}
		var req protocol.SubmitActionReq
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Text != "look around" || req.CorrelationID != "c1" {
			t.Errorf("unexpected body: %+v", req)
		}
		rw.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(rw).Encode(protocol.SubmitActionResp{Accepted: true})
	})
	ok, err := c.SubmitAction(context.Background(), "s1", "look around", "c1")
	if err != nil || !ok {
		t.Fatalf("submit: ok=%v err=%v", ok, err)
	}
}

func TestSubmitActionErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   any
		kind   syncerr.Kind
		code   string
	}{
		{"rejected body", http.StatusOK, protocol.SubmitActionResp{Accepted: false, Code: protocol.ErrInvalidAction, Message: "nonsense"}, syncerr.KindServerRejection, protocol.ErrInvalidAction},
		{"not found", http.StatusNotFound, protocol.ErrorResp{Code: protocol.ErrSessionNotFound}, syncerr.KindServerRejection, protocol.ErrSessionNotFound},
		{"unauthorized", http.StatusUnauthorized, protocol.ErrorResp{}, syncerr.KindFatalAuth, protocol.ErrAuth},
		{"unavailable", http.StatusServiceUnavailable, protocol.ErrorResp{Code: protocol.ErrUnavailable}, syncerr.KindNetwork, protocol.ErrUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newClient(t, func(rw http.ResponseWriter, r *http.Request) {
				rw.WriteHeader(tc.status)
				_ = json.NewEncoder(rw).Encode(tc.body)
			})
			_, err := c.SubmitAction(context.Background(), "s1", "x", "c1")
			if syncerr.KindOf(err) != tc.kind {
				t.Fatalf("kind: got %v want %v (err=%v)", syncerr.KindOf(err), tc.kind, err)
			}
			var se *syncerr.Error
			if e, ok := err.(*syncerr.Error); ok {
				se = e
			}
			if se == nil || se.Code != tc.code {
				t.Fatalf("code: got %+v want %s", se, tc.code)
			}
		})
	}
}

func TestSubmitActionUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()
	c, err := New(Config{BaseURL: url})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = c.SubmitAction(context.Background(), "s1", "x", "c1")
	if !syncerr.Is(err, syncerr.KindNetwork) || !syncerr.IsRetryable(err) {
		t.Fatalf("expected retryable network error, got %v", err)
	}
}

func TestSessionEndpoints(t *testing.T) {
	var deleted string
	c := newClient(t, func(rw http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/sessions":
			_ = json.NewEncoder(rw).Encode(protocol.ListSessionsResp{Sessions: []session.Summary{{ID: "s1", CharacterName: "Ayla"}}})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/sessions/s1":
			_ = json.NewEncoder(rw).Encode(session.Session{ID: "s1", LastSeq: 7, World: session.WorldState{CurrentLocation: "Inn"}})
		case r.Method == http.MethodDelete && r.URL.Path == "/v1/sessions/s1":
			deleted = "s1"
			rw.WriteHeader(http.StatusNoContent)
		default:
			rw.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()
	list, err := c.ListSessions(ctx)
	if err != nil || len(list) != 1 || list[0].CharacterName != "Ayla" {
		t.Fatalf("list: %+v %v", list, err)
	}
	s, err := c.GetSession(ctx, "s1")
	if err != nil || s.LastSeq != 7 || s.World.CurrentLocation != "Inn" {
		t.Fatalf("get: %+v %v", s, err)
	}
	if err := c.DeleteSession(ctx, "s1"); err != nil || deleted != "s1" {
		t.Fatalf("delete: %v", err)
	}
	if _, err := c.GetSession(ctx, "missing"); !syncerr.Is(err, syncerr.KindServerRejection) {
		t.Fatalf("expected rejection for missing session, got %v", err)
	}
}
