package ws

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"storyloom.ai/internal/protocol"
)

// Handler serves the HTTP API under /v1/sessions and the stream at
// /v1/stream.
func (b *Backend) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/sessions", b.guard(b.handleList))
	mux.HandleFunc("GET /v1/sessions/{id}", b.guard(b.handleGet))
	mux.HandleFunc("DELETE /v1/sessions/{id}", b.guard(b.handleDelete))
	mux.HandleFunc("POST /v1/sessions/{id}/actions", b.guard(b.handleAction))
	mux.HandleFunc("GET /v1/stream", b.handleStream)
	mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok\n"))
	})
	return mux
}

func (b *Backend) authorized(r *http.Request) bool {
	if b.token == "" {
		return true
	}
	h := r.Header.Get("Authorization")
	return strings.TrimSpace(strings.TrimPrefix(h, "Bearer ")) == b.token
}

func (b *Backend) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !b.authorized(r) {
			writeError(rw, http.StatusUnauthorized, protocol.ErrAuth, "missing or invalid token")
			return
		}
		b.mu.Lock()
		unavailable := b.faults.Unavailable
		b.mu.Unlock()
		if unavailable {
			writeError(rw, http.StatusServiceUnavailable, protocol.ErrUnavailable, "backend unavailable")
			return
		}
		next(rw, r)
	}
}

func (b *Backend) handleList(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, protocol.ListSessionsResp{Sessions: b.Summaries()})
}

func (b *Backend) handleGet(rw http.ResponseWriter, r *http.Request) {
	s, ok := b.Session(r.PathValue("id"))
	if !ok {
		writeError(rw, http.StatusNotFound, protocol.ErrSessionNotFound, "no such session")
		return
	}
	writeJSON(rw, http.StatusOK, s)
}

func (b *Backend) handleDelete(rw http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b.mu.Lock()
	h, ok := b.sessions[id]
	delete(b.sessions, id)
	var clients []*client
	if ok {
		for c := range h.clients {
			clients = append(clients, c)
		}
	}
	b.mu.Unlock()
	if !ok {
		writeError(rw, http.StatusNotFound, protocol.ErrSessionNotFound, "no such session")
		return
	}
	for _, c := range clients {
		c.close()
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (b *Backend) handleAction(rw http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req protocol.SubmitActionReq
	if err := json.NewDecoder(http.MaxBytesReader(rw, r.Body, 64*1024)).Decode(&req); err != nil {
		writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, "bad json")
		return
	}
	text := strings.TrimSpace(req.Text)
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		key = req.CorrelationID
	}
	if text == "" || key == "" {
		writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, "text and correlation id are required")
		return
	}

	b.mu.Lock()
	_, known := b.sessions[id]
	reject := b.faults.RejectCode
	dup := b.actions[key]
	if known && reject == "" && !dup {
		b.actions[key] = true
	}
	b.mu.Unlock()

	switch {
	case !known:
		writeError(rw, http.StatusNotFound, protocol.ErrSessionNotFound, "no such session")
		return
	case reject != "":
		writeJSON(rw, http.StatusOK, protocol.SubmitActionResp{Accepted: false, Code: reject, Message: "action rejected"})
		return
	case dup:
		// Already accepted once; the narration for it is on its way.
		writeJSON(rw, http.StatusAccepted, protocol.SubmitActionResp{Accepted: true})
		return
	}

	if !b.enqueue(job{sessionID: id, text: text, correlationID: key}) {
		writeError(rw, http.StatusServiceUnavailable, protocol.ErrUnavailable, "shutting down")
		return
	}
	b.log.Debug("action accepted", zap.String("session_id", id), zap.String("correlation_id", key))
	writeJSON(rw, http.StatusAccepted, protocol.SubmitActionResp{Accepted: true})
}
