// Package session holds the canonical state of one active game session and
// the single merge entry point every writer goes through.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrNoSession       = errors.New("no current session")
	ErrSessionMismatch = errors.New("delta targets a session that is not current")
	ErrBusy            = errors.New("an action is already pending")
	ErrNoPending       = errors.New("correlation id is not in flight")
	ErrBadResolution   = errors.New("resolution status must be confirmed or failed")
)

type Config struct {
	Logger *zap.Logger
	Now    func() time.Time
}

// Change is delivered to subscribers after every successful merge.
type Change struct {
	Version    uint64
	Session    *Session
	Connection ConnectionStatus
	Pending    *PendingAction

	// Resolved is the action this merge confirmed or failed.
	Resolved *PendingAction
	// Discarded is an in-flight action dropped because the session was
	// replaced by a different one.
	Discarded *PendingAction
}

// Store is safe for concurrent use; each merge completes fully before the
// next begins. Subscribers run synchronously, in merge order, and must not
// call back into the store.
type Store struct {
	log *zap.Logger
	now func() time.Time

	mu      sync.Mutex
	cur     *Session
	ids     map[string]struct{}
	conn    ConnectionStatus
	pending *PendingAction
	// failed is the last action the stream resolved as failed, kept so a
	// submission failing afterwards can still remove its optimistic entry.
	failed  *PendingAction
	nextSeq uint64
	version uint64

	notifyMu sync.Mutex

	subsMu  sync.Mutex
	subs    map[int]func(Change)
	nextSub int
}

func NewStore(cfg Config) *Store {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		log:  cfg.Logger.Named("session"),
		now:  cfg.Now,
		conn: StatusDisconnected,
		ids:  map[string]struct{}{},
		subs: map[int]func(Change){},
	}
}

// Current returns a copy of the current session.
func (s *Store) Current() (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return nil, false
	}
	return s.cur.Clone(), true
}

func (s *Store) CurrentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return ""
	}
	return s.cur.ID
}

func (s *Store) Connection() ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Store) Pending() (*PendingAction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return nil, false
	}
	return s.pending.Clone(), true
}

func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Subscribe registers fn for every subsequent change.
func (s *Store) Subscribe(fn func(Change)) (cancel func()) {
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subsMu.Unlock()
	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

// Replace installs sess as the canonical session. Replacing with a different
// session id (or nil) discards any in-flight action; replacing with the same
// id keeps it.
func (s *Store) Replace(sess *Session) {
	s.mu.Lock()
	var discarded *PendingAction
	if s.pending != nil && (sess == nil || s.cur == nil || s.cur.ID != sess.ID) {
		discarded = s.pending
		s.pending = nil
		s.log.Info("discarding pending action on session switch",
			zap.String("correlation_id", discarded.CorrelationID))
	}
	if sess == nil || s.cur == nil || s.cur.ID != sess.ID {
		s.failed = nil
	}
	s.installLocked(sess)
	s.version++
	ch := s.changeLocked()
	ch.Discarded = discarded
	s.publishLocked(ch)
}

func (s *Store) installLocked(sess *Session) {
	s.cur = sess.Clone()
	s.ids = map[string]struct{}{}
	s.nextSeq = 0
	if s.cur != nil {
		for i := range s.cur.Story {
			s.nextSeq++
			s.cur.Story[i].Seq = s.nextSeq
			s.ids[s.cur.Story[i].ID] = struct{}{}
		}
	}
}

// Rollback undoes a failed submission in one merge. While correlationID is
// still in flight, snapshot is restored and the action resolved failed. If
// the stream already failed the action, its optimistic entry entryID is
// removed instead, leaving later merges alone. Once the session has moved on
// or the action was confirmed nothing changes. It reports whether it did
// anything.
func (s *Store) Rollback(correlationID, entryID string, snapshot *Session) bool {
	s.mu.Lock()
	if s.cur == nil || snapshot == nil || s.cur.ID != snapshot.ID {
		s.mu.Unlock()
		return false
	}

	var resolved *PendingAction
	switch {
	case s.pending != nil && s.pending.CorrelationID == correlationID:
		s.installLocked(snapshot)
		resolved = s.pending
		resolved.Status = PendingFailed
		s.pending = nil
	case s.failed != nil && s.failed.CorrelationID == correlationID:
		s.failed = nil
		if entryID == "" || !s.removeEntryLocked(entryID) {
			s.mu.Unlock()
			return false
		}
		s.cur.UpdatedAt = s.now()
	default:
		s.mu.Unlock()
		return false
	}

	s.version++
	ch := s.changeLocked()
	ch.Resolved = resolved
	s.publishLocked(ch)
	return true
}

func (s *Store) removeEntryLocked(id string) bool {
	for i, e := range s.cur.Story {
		if e.ID != id {
			continue
		}
		s.cur.Story = append(s.cur.Story[:i:i], s.cur.Story[i+1:]...)
		delete(s.ids, id)
		return true
	}
	return false
}

// ApplyDelta is the only way to mutate session state. Validation happens
// before any field is touched, so a rejected delta leaves no trace.
func (s *Store) ApplyDelta(d Delta) (Result, error) {
	s.mu.Lock()
	if err := s.checkLocked(d); err != nil {
		s.mu.Unlock()
		return Result{}, err
	}

	var res Result
	if d.Begin != nil {
		res.Snapshot = s.cur.Clone()
		p := *d.Begin
		p.SessionID = s.cur.ID
		p.Status = PendingInFlight
		p.SnapshotBefore = res.Snapshot.Clone()
		s.pending = &p
	}

	changed := false
	if s.cur != nil && d.touchesGame() {
		res.Ignored, changed = s.mergeLocked(d)
	}

	var resolved *PendingAction
	if d.Resolve != nil {
		resolved = s.pending
		resolved.Status = d.Resolve.Status
		s.pending = nil
		s.failed = nil
		if resolved.Status == PendingFailed {
			s.failed = resolved.Clone()
		}
	}
	if d.Connection != nil {
		s.conn = *d.Connection
	}
	if changed {
		s.cur.UpdatedAt = s.now()
	}

	s.version++
	res.Version = s.version
	ch := s.changeLocked()
	ch.Resolved = resolved
	s.publishLocked(ch)
	return res, nil
}

func (s *Store) checkLocked(d Delta) error {
	if d.touchesGame() {
		if s.cur == nil {
			return ErrNoSession
		}
		if d.SessionID != s.cur.ID {
			return fmt.Errorf("%w: got %q, current %q", ErrSessionMismatch, d.SessionID, s.cur.ID)
		}
	}
	if d.Begin != nil && s.pending != nil {
		return ErrBusy
	}
	if d.Resolve != nil {
		if d.Resolve.Status != PendingConfirmed && d.Resolve.Status != PendingFailed {
			return ErrBadResolution
		}
		if s.pending == nil || s.pending.CorrelationID != d.Resolve.CorrelationID {
			return ErrNoPending
		}
	}
	return nil
}

func (s *Store) changeLocked() Change {
	ch := Change{
		Version:    s.version,
		Session:    s.cur.Clone(),
		Connection: s.conn,
	}
	if s.pending != nil {
		ch.Pending = s.pending.Clone()
	}
	return ch
}

// publishLocked hands ch to subscribers and releases s.mu. notifyMu is taken
// before s.mu is released so changes reach subscribers in version order.
func (s *Store) publishLocked(ch Change) {
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	s.subsMu.Lock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subsMu.Unlock()
	for _, fn := range fns {
		fn(ch)
	}
}
