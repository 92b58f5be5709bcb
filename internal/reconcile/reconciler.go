// Package reconcile merges authoritative stream frames into the session
// store, ordering and deduping them by sequence number.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"storyloom.ai/internal/insight"
	"storyloom.ai/internal/protocol"
	"storyloom.ai/internal/session"
	"storyloom.ai/internal/syncerr"
)

const DefaultGapThreshold = 32

// Fetcher reloads a session from the backend for a resync.
type Fetcher interface {
	GetSession(ctx context.Context, id string) (*session.Session, error)
}

type Config struct {
	Store    *session.Store
	Insights *insight.Recorder
	Fetcher  Fetcher

	// GapThreshold is how far past the watermark a frame may land before
	// the session is resynced instead of merged.
	GapThreshold uint64

	Logger *zap.Logger

	// OnError receives ServerRejection and StreamDesync errors. It must not
	// block.
	OnError func(error)
	// OnApplied sees every frame that was merged.
	OnApplied func(protocol.Frame)
}

// Disposition says what Handle did with a frame.
type Disposition int

const (
	Applied Disposition = iota
	Stale
	Gated
	Foreign
	Resynced
	Rejected
)

func (d Disposition) String() string {
	switch d {
	case Applied:
		return "applied"
	case Stale:
		return "stale"
	case Gated:
		return "gated"
	case Foreign:
		return "foreign"
	case Resynced:
		return "resynced"
	case Rejected:
		return "rejected"
	}
	return fmt.Sprintf("disposition(%d)", int(d))
}

type Reconciler struct {
	store    *session.Store
	insights *insight.Recorder
	fetcher  Fetcher
	gap      uint64
	log      *zap.Logger
	onError  func(error)
	onApply  func(protocol.Frame)

	// handleMu serializes frame handling, including the resync fetch.
	handleMu sync.Mutex

	mu         sync.Mutex
	watermarks map[string]uint64
	status     session.ConnectionStatus
}

func New(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, errors.New("nil store")
	}
	if cfg.Insights == nil {
		cfg.Insights = insight.NewRecorder(insight.Config{Logger: cfg.Logger})
	}
	if cfg.GapThreshold == 0 {
		cfg.GapThreshold = DefaultGapThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Reconciler{
		store:      cfg.Store,
		insights:   cfg.Insights,
		fetcher:    cfg.Fetcher,
		gap:        cfg.GapThreshold,
		log:        cfg.Logger.Named("reconcile"),
		onError:    cfg.OnError,
		onApply:    cfg.OnApplied,
		watermarks: map[string]uint64{},
		status:     session.StatusDisconnected,
	}, nil
}

func (r *Reconciler) Insights() *insight.Recorder { return r.insights }

// SetStatus gates consumption: frames are only merged while connected.
func (r *Reconciler) SetStatus(st session.ConnectionStatus) {
	r.mu.Lock()
	r.status = st
	r.mu.Unlock()
}

// Reset sets the watermark of sessionID, typically to the last_seq of a
// freshly loaded session.
func (r *Reconciler) Reset(sessionID string, seq uint64) {
	r.mu.Lock()
	r.watermarks[sessionID] = seq
	r.mu.Unlock()
}

// Forget drops the watermark of a deleted session.
func (r *Reconciler) Forget(sessionID string) {
	r.mu.Lock()
	delete(r.watermarks, sessionID)
	r.mu.Unlock()
}

func (r *Reconciler) Watermark(sessionID string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.watermarks[sessionID]
}

// HandleRaw validates raw against the frame schema before handling it.
// Frames that fail validation never reach the store.
func (r *Reconciler) HandleRaw(ctx context.Context, raw []byte) (Disposition, error) {
	f, err := protocol.DecodeFrame(raw)
	if err != nil {
		r.log.Warn("rejecting malformed frame", zap.Error(err))
		return Rejected, err
	}
	return r.Handle(ctx, f)
}

// Handle merges one frame. Duplicate and stale frames are dropped without
// error; a frame too far ahead of the watermark triggers a resync.
func (r *Reconciler) Handle(ctx context.Context, f protocol.Frame) (Disposition, error) {
	r.handleMu.Lock()
	defer r.handleMu.Unlock()

	r.mu.Lock()
	status := r.status
	wm := r.watermarks[f.SessionID]
	r.mu.Unlock()

	if status != session.StatusConnected {
		r.log.Debug("frame gated", zap.Uint64("seq", f.Seq), zap.String("status", string(status)))
		return Gated, nil
	}
	if f.SessionID != r.store.CurrentID() {
		r.log.Debug("frame for inactive session", zap.String("session_id", f.SessionID), zap.Uint64("seq", f.Seq))
		return Foreign, nil
	}
	if f.Seq <= wm {
		r.log.Debug("dropping stale frame", zap.String("session_id", f.SessionID),
			zap.Uint64("seq", f.Seq), zap.Uint64("watermark", wm))
		return Stale, nil
	}

	payload, err := protocol.DecodePayload(f)
	if err != nil {
		r.log.Warn("rejecting frame payload", zap.Uint64("seq", f.Seq), zap.Error(err))
		return Rejected, err
	}

	disp := Applied
	if f.Seq-wm > r.gap {
		resynced, err := r.resync(ctx, f.SessionID, f.Seq, wm)
		if err != nil {
			r.report(err)
			return Rejected, err
		}
		if f.Seq <= resynced {
			return Resynced, nil
		}
		disp = Resynced
	}

	if err := r.apply(f, payload); err != nil {
		if errors.Is(err, session.ErrSessionMismatch) || errors.Is(err, session.ErrNoSession) {
			return Foreign, nil
		}
		r.log.Warn("frame merge failed", zap.Uint64("seq", f.Seq), zap.String("type", f.Type), zap.Error(err))
		return Rejected, err
	}
	r.advance(f.SessionID, f.Seq)
	if r.onApply != nil {
		r.onApply(f)
	}
	return disp, nil
}

func (r *Reconciler) apply(f protocol.Frame, payload protocol.Payload) error {
	switch p := payload.(type) {
	case *protocol.NarrationDelta:
		cur, ok := r.store.Current()
		if !ok {
			return session.ErrNoSession
		}
		pending, _ := r.store.Pending()
		return r.merge(r.narrationDelta(f, p, cur, pending))
	case *protocol.WorldUpdate:
		return r.merge(worldDelta(f, p))
	case *protocol.QuestUpdate:
		return r.merge(questDelta(f, p))
	case *protocol.InventoryUpdate:
		return r.merge(inventoryDelta(f, p))
	case *protocol.InsightAvailable:
		return r.storeInsight(f, p)
	case *protocol.ErrorNotice:
		return r.surface(f, p)
	}
	return fmt.Errorf("%w: %T", protocol.ErrUnknownFrameType, payload)
}

func (r *Reconciler) merge(d session.Delta) error {
	res, err := r.store.ApplyDelta(d)
	if err != nil {
		return err
	}
	if len(res.Ignored) > 0 {
		r.log.Warn("merge ignored patches", zap.Uint64("seq", d.Seq), zap.Strings("ids", res.Ignored))
	}
	return nil
}

func (r *Reconciler) storeInsight(f protocol.Frame, p *protocol.InsightAvailable) error {
	in := p.Insight
	if _, err := r.insights.Store(in); err != nil {
		return fmt.Errorf("store insight %q: %w", in.ID, err)
	}
	d := session.Delta{SessionID: f.SessionID, Seq: f.Seq}
	// An insight older than everything in a full buffer is evicted on
	// arrival; entries never point at an insight the recorder lost.
	if _, held := r.insights.Get(in.ID); !held {
		r.log.Debug("insight evicted on arrival", zap.String("insight_id", in.ID))
	} else if in.StoryEntryID != "" {
		d.InsightRefs = []session.InsightRef{{EntryID: in.StoryEntryID, InsightID: in.ID}}
	}
	return r.merge(d)
}

// surface reports an error frame. Game state is untouched; an error
// correlated with the in-flight action fails that action.
func (r *Reconciler) surface(f protocol.Frame, p *protocol.ErrorNotice) error {
	var err *syncerr.Error
	if p.Code == protocol.ErrDesync {
		err = &syncerr.Error{Kind: syncerr.KindStreamDesync, Code: p.Code, Message: p.Message}
	} else {
		err = syncerr.Rejected(p.Code, p.Message)
	}
	d := session.Delta{SessionID: f.SessionID, Seq: f.Seq}
	if pending, ok := r.store.Pending(); ok && f.CorrelationID != "" && pending.CorrelationID == f.CorrelationID {
		d.Resolve = &session.Resolution{CorrelationID: pending.CorrelationID, Status: session.PendingFailed}
	}
	if _, mergeErr := r.store.ApplyDelta(d); mergeErr != nil {
		return mergeErr
	}
	r.report(err)
	return nil
}

// resync replaces the session with a fresh copy from the backend and
// returns the new watermark. The server files an action's player line under
// its correlation id, which is how install recognizes a confirmed action.
func (r *Reconciler) resync(ctx context.Context, sessionID string, seq, wm uint64) (uint64, error) {
	if r.fetcher == nil {
		return 0, syncerr.New(syncerr.KindStreamDesync, "sequence gap and no resync source")
	}
	r.log.Info("sequence gap, resyncing", zap.String("session_id", sessionID),
		zap.Uint64("seq", seq), zap.Uint64("watermark", wm))

	fresh, err := r.fetcher.GetSession(ctx, sessionID)
	if err != nil {
		return 0, syncerr.Wrap(syncerr.KindStreamDesync, err, "resync session")
	}
	if fresh.ID != sessionID {
		return 0, syncerr.New(syncerr.KindStreamDesync, "resync returned session "+fresh.ID)
	}
	if r.store.CurrentID() != sessionID {
		return 0, syncerr.New(syncerr.KindStreamDesync, "session switched during resync")
	}

	r.install(fresh)
	return fresh.LastSeq, nil
}

// Install makes fresh the current session and resets its watermark to
// fresh.LastSeq. An in-flight action of the same session survives: it is
// confirmed when fresh already holds its player line, otherwise its
// optimistic entry is carried over.
func (r *Reconciler) Install(fresh *session.Session) {
	r.handleMu.Lock()
	defer r.handleMu.Unlock()
	r.install(fresh)
}

func (r *Reconciler) install(fresh *session.Session) {
	sessionID := fresh.ID
	var follow session.Delta
	if p, ok := r.store.Pending(); ok && p.SessionID == sessionID {
		if _, done := fresh.Entry(p.CorrelationID); done {
			follow.Resolve = &session.Resolution{CorrelationID: p.CorrelationID, Status: session.PendingConfirmed}
		} else if p.EntryID != "" {
			if _, has := fresh.Entry(p.EntryID); !has {
				if cur, ok := r.store.Current(); ok {
					if e, ok := cur.Entry(p.EntryID); ok {
						follow.Append = []session.StoryEntry{e}
					}
				}
			}
		}
	}
	r.store.Replace(fresh)
	if follow.Resolve != nil || len(follow.Append) > 0 {
		follow.SessionID = sessionID
		if _, err := r.store.ApplyDelta(follow); err != nil {
			r.log.Warn("restore pending action", zap.Error(err))
		}
	}

	r.Reset(sessionID, fresh.LastSeq)
}

func (r *Reconciler) advance(sessionID string, seq uint64) {
	r.mu.Lock()
	if seq > r.watermarks[sessionID] {
		r.watermarks[sessionID] = seq
	}
	r.mu.Unlock()
}

func (r *Reconciler) report(err error) {
	if r.onError != nil {
		r.onError(err)
	}
}
