// Package ws is a scripted in-process backend: the session HTTP API plus
// the websocket frame stream. It backs the dev server and integration
// tests, and can inject the faults a real backend shows.
package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"storyloom.ai/internal/protocol"
	"storyloom.ai/internal/session"
)

var ErrClosed = errors.New("backend closed")

type Config struct {
	// Token, when set, is required as a bearer token on every request and
	// in HELLO.
	Token string
	// NarrationDelay is how long after accepting an action the narration
	// frames go out.
	NarrationDelay time.Duration
	Narrator       Narrator
	Logger         *zap.Logger
	Now            func() time.Time
}

// Faults changes how the backend answers. Zero value means well behaved.
type Faults struct {
	// RejectCode makes action submissions answer accepted=false.
	RejectCode string
	// Unavailable makes every HTTP call answer 503.
	Unavailable bool
	// DenyStream refuses stream handshakes with E_AUTH.
	DenyStream bool

	DuplicateFrames bool
	// ReorderFrames sends each batch of frames in reverse.
	ReorderFrames bool
	// DropFrames records frames without delivering them live.
	DropFrames bool
	// SeqGap is added to the sequence before the next batch, once.
	SeqGap uint64
}

type hosted struct {
	store   *session.Store
	lastSeq uint64
	history [][]byte // encoded frames, parallel to seqs
	seqs    []uint64
	clients map[*client]struct{}
}

type job struct {
	sessionID     string
	text          string
	correlationID string
}

type Backend struct {
	token    string
	delay    time.Duration
	narrator Narrator
	log      *zap.Logger
	now      func() time.Time

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*hosted
	faults   Faults
	closed   bool
	actions  map[string]bool // idempotency keys already accepted

	jobs    chan job
	stop    chan struct{}
	workers sync.WaitGroup
	conns   sync.WaitGroup
}

func NewBackend(cfg Config) *Backend {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Narrator == nil {
		cfg.Narrator = ScriptedNarrator{}
	}
	b := &Backend{
		token:    strings.TrimSpace(cfg.Token),
		delay:    cfg.NarrationDelay,
		narrator: cfg.Narrator,
		log:      cfg.Logger.Named("backend"),
		now:      cfg.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		sessions: map[string]*hosted{},
		actions:  map[string]bool{},
		jobs:     make(chan job, 64),
		stop:     make(chan struct{}),
	}
	b.workers.Add(1)
	go b.narrate()
	return b
}

// Close disconnects every stream and stops the narration worker.
func (b *Backend) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var clients []*client
	for _, h := range b.sessions {
		for c := range h.clients {
			clients = append(clients, c)
		}
	}
	b.mu.Unlock()

	close(b.stop)
	b.workers.Wait()
	for _, c := range clients {
		c.close()
	}
	b.conns.Wait()
}

func (b *Backend) SetFaults(f Faults) {
	b.mu.Lock()
	b.faults = f
	b.mu.Unlock()
}

// AddSession hosts sess, replacing any session with the same id.
func (b *Backend) AddSession(sess *session.Session) {
	st := session.NewStore(session.Config{Logger: b.log, Now: b.now})
	cp := sess.Clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = b.now()
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}
	st.Replace(cp)

	b.mu.Lock()
	var stale []*client
	if old, ok := b.sessions[sess.ID]; ok {
		for c := range old.clients {
			stale = append(stale, c)
		}
	}
	b.sessions[sess.ID] = &hosted{store: st, lastSeq: sess.LastSeq, clients: map[*client]struct{}{}}
	b.mu.Unlock()
	for _, c := range stale {
		c.close()
	}
}

func (b *Backend) Session(id string) (*session.Session, bool) {
	b.mu.Lock()
	h, ok := b.sessions[id]
	b.mu.Unlock()
	if !ok {
		return nil, false
	}
	s, ok := h.store.Current()
	if !ok {
		return nil, false
	}
	s.LastSeq = b.lastSeq(id)
	return s, true
}

func (b *Backend) lastSeq(id string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok := b.sessions[id]; ok {
		return h.lastSeq
	}
	return 0
}

func (b *Backend) Summaries() []session.Summary {
	b.mu.Lock()
	ids := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	sort.Strings(ids)

	out := make([]session.Summary, 0, len(ids))
	for _, id := range ids {
		if s, ok := b.Session(id); ok {
			out = append(out, s.Summary())
		}
	}
	return out
}

// Kick drops every stream connection of sessionID, as a flaky network would.
func (b *Backend) Kick(sessionID string) {
	b.mu.Lock()
	var clients []*client
	if h, ok := b.sessions[sessionID]; ok {
		for c := range h.clients {
			clients = append(clients, c)
		}
	}
	b.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

// Publish assigns sequence numbers to payloads, folds them into the hosted
// session and sends them to connected streams.
func (b *Backend) Publish(sessionID, correlationID string, payloads ...protocol.Payload) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	h, ok := b.sessions[sessionID]
	if !ok {
		return errors.New("unknown session " + sessionID)
	}

	if b.faults.SeqGap > 0 {
		h.lastSeq += b.faults.SeqGap
		b.faults.SeqGap = 0
	}
	batch := make([][]byte, 0, len(payloads))
	for _, p := range payloads {
		h.lastSeq++
		raw, err := protocol.EncodeFrame(h.lastSeq, sessionID, correlationID, p)
		if err != nil {
			return err
		}
		b.fold(h, p, h.lastSeq, correlationID)
		h.history = append(h.history, raw)
		h.seqs = append(h.seqs, h.lastSeq)
		batch = append(batch, raw)
	}

	if b.faults.DropFrames {
		b.log.Debug("dropping live frames", zap.String("session_id", sessionID), zap.Int("n", len(batch)))
		return nil
	}
	if b.faults.ReorderFrames {
		for i, j := 0, len(batch)-1; i < j; i, j = i+1, j-1 {
			batch[i], batch[j] = batch[j], batch[i]
		}
	}
	for c := range h.clients {
		for _, raw := range batch {
			c.send(raw)
			if b.faults.DuplicateFrames {
				c.send(raw)
			}
		}
	}
	return nil
}

// fold keeps the hosted copy in step with what it publishes, so a GetSession
// after a gap returns state that covers the gap. The player line of an
// action is stored under its correlation id.
func (b *Backend) fold(h *hosted, p protocol.Payload, seq uint64, correlationID string) {
	cur, _ := h.store.Current()
	d := session.Delta{SessionID: cur.ID, Seq: seq}
	switch v := p.(type) {
	case protocol.NarrationDelta:
		if v.Text != "" {
			e := session.StoryEntry{ID: v.EntryID, Type: v.EntryType, Text: v.Text, Timestamp: v.Timestamp}
			switch {
			case e.ID != "":
			case correlationID != "":
				e.ID, e.Type = correlationID, session.EntryPlayer
			default:
				e.ID = "seq-" + strconv.FormatUint(seq, 10)
			}
			d.Append = append(d.Append, e)
		}
		d.Append = append(d.Append, v.Append...)
	case protocol.WorldUpdate:
		d.World, d.Character = v.World, v.Character
	case protocol.QuestUpdate:
		d.Quests = v.Quests
	case protocol.InventoryUpdate:
		d.Items = v.Items
	case protocol.InsightAvailable:
		if v.Insight.StoryEntryID != "" {
			d.InsightRefs = []session.InsightRef{{EntryID: v.Insight.StoryEntryID, InsightID: v.Insight.ID}}
		}
	}
	if _, err := h.store.ApplyDelta(d); err != nil {
		b.log.Warn("fold frame", zap.Uint64("seq", seq), zap.Error(err))
	}
}

// backlog returns frames after seq, oldest first.
func (h *hosted) backlog(seq uint64) [][]byte {
	i := sort.Search(len(h.seqs), func(i int) bool { return h.seqs[i] > seq })
	out := make([][]byte, len(h.history)-i)
	copy(out, h.history[i:])
	return out
}

func (b *Backend) enqueue(j job) bool {
	select {
	case b.jobs <- j:
		return true
	case <-b.stop:
		return false
	}
}

func (b *Backend) narrate() {
	defer b.workers.Done()
	for {
		select {
		case <-b.stop:
			return
		case j := <-b.jobs:
			if b.delay > 0 {
				t := time.NewTimer(b.delay)
				select {
				case <-b.stop:
					t.Stop()
					return
				case <-t.C:
				}
			}
			sess, ok := b.Session(j.sessionID)
			if !ok {
				continue
			}
			payloads := b.narrator.Narrate(sess, j.text, b.now())
			if err := b.Publish(j.sessionID, j.correlationID, payloads...); err != nil {
				b.log.Warn("publish narration", zap.String("session_id", j.sessionID), zap.Error(err))
			}
		}
	}
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, code, msg string) {
	writeJSON(rw, status, protocol.ErrorResp{Code: code, Message: msg})
}
