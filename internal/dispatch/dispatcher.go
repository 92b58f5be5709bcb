// Package dispatch runs a single player action through optimistic apply,
// submission and rollback.
package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"storyloom.ai/internal/protocol"
	"storyloom.ai/internal/session"
	"storyloom.ai/internal/syncerr"
)

const (
	DefaultMaxTextLen  = 500
	DefaultWaitTimeout = 30 * time.Second
)

var (
	// ErrStillProcessing is returned by Result.Wait when the timeout passes
	// before the stream confirms the action. The action stays pending.
	ErrStillProcessing = errors.New("action still processing")
	// ErrDiscarded means the session was switched while the action was in flight.
	ErrDiscarded = errors.New("session discarded while action was pending")
	ErrClosed    = errors.New("dispatcher closed")
)

// Submitter is the HTTP API side of an action.
type Submitter interface {
	SubmitAction(ctx context.Context, sessionID, text, correlationID string) (accepted bool, err error)
}

type Config struct {
	Store *session.Store
	API   Submitter

	MaxTextLen  int
	Optimistic  bool
	WaitTimeout time.Duration

	Logger *zap.Logger
	NewID  func() string
	Now    func() time.Time

	// OnOutcome observes every submission end state (rejected, failed,
	// confirmed, discarded).
	OnOutcome func(Outcome)
}

type Options struct {
	// Optimistic overrides Config.Optimistic when set.
	Optimistic *bool
	// Timeout overrides Config.WaitTimeout for Result.Wait.
	Timeout time.Duration
}

type Outcome struct {
	SessionID     string                `json:"session_id"`
	CorrelationID string                `json:"correlation_id"`
	Text          string                `json:"text"`
	Status        session.PendingStatus `json:"status"`
	Kind          string                `json:"kind,omitempty"`
	Error         string                `json:"error,omitempty"`
	At            time.Time             `json:"at"`
}

type Dispatcher struct {
	store      *session.Store
	api        Submitter
	maxLen     int
	optimistic bool
	timeout    time.Duration
	log        *zap.Logger
	newID      func() string
	now        func() time.Time
	onOutcome  func(Outcome)

	unsubscribe func()

	mu      sync.Mutex
	waiters map[string]*Result
	closed  bool
}

func New(cfg Config) (*Dispatcher, error) {
	if cfg.Store == nil {
		return nil, errors.New("nil store")
	}
	if cfg.API == nil {
		return nil, errors.New("nil api")
	}
	if cfg.MaxTextLen <= 0 {
		cfg.MaxTextLen = DefaultMaxTextLen
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	d := &Dispatcher{
		store:      cfg.Store,
		api:        cfg.API,
		maxLen:     cfg.MaxTextLen,
		optimistic: cfg.Optimistic,
		timeout:    cfg.WaitTimeout,
		log:        cfg.Logger.Named("dispatch"),
		newID:      cfg.NewID,
		now:        cfg.Now,
		onOutcome:  cfg.OnOutcome,
		waiters:    map[string]*Result{},
	}
	d.unsubscribe = cfg.Store.Subscribe(d.onChange)
	return d, nil
}

// Close stops tracking outstanding actions. Requests already sent are not
// cancelled; their late responses no longer touch the store.
func (d *Dispatcher) Close() {
	d.unsubscribe()
	d.mu.Lock()
	d.closed = true
	waiters := d.waiters
	d.waiters = map[string]*Result{}
	d.mu.Unlock()
	for _, r := range waiters {
		r.finish(session.PendingInFlight, ErrClosed)
	}
}

// PerformAction validates text, applies the optimistic player entry, and
// submits. The returned Result reports acceptance; Result.Wait reports the
// stream confirmation. Errors are *syncerr.Error values.
func (d *Dispatcher) PerformAction(ctx context.Context, text string, opts Options) (*Result, error) {
	text = strings.TrimSpace(text)
	if err := d.validate(text); err != nil {
		return nil, err
	}
	if d.isClosed() {
		return nil, syncerr.Wrap(syncerr.KindValidation, ErrClosed, "dispatcher closed")
	}
	sessionID := d.store.CurrentID()
	if sessionID == "" {
		return nil, syncerr.New(syncerr.KindValidation, "no active session")
	}
	if p, ok := d.store.Pending(); ok {
		return nil, &syncerr.Error{Kind: syncerr.KindBusy, Code: protocol.ErrSessionBusy,
			Message: "action " + p.CorrelationID + " is still pending", Retryable: true}
	}

	optimistic := d.optimistic
	if opts.Optimistic != nil {
		optimistic = *opts.Optimistic
	}
	timeout := d.timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	res := newResult(d.newID(), timeout)
	pending := &session.PendingAction{
		CorrelationID: res.CorrelationID,
		Text:          text,
		SubmittedAt:   d.now(),
	}
	delta := session.Delta{SessionID: sessionID, Begin: pending}
	if optimistic {
		res.EntryID = d.newID()
		pending.EntryID = res.EntryID
		delta.Append = []session.StoryEntry{{
			ID:        res.EntryID,
			Type:      session.EntryPlayer,
			Text:      text,
			Timestamp: pending.SubmittedAt,
		}}
	}

	// Registered before Begin so a confirmation racing the HTTP response
	// always finds its waiter.
	d.mu.Lock()
	d.waiters[res.CorrelationID] = res
	d.mu.Unlock()

	applied, err := d.store.ApplyDelta(delta)
	if err != nil {
		d.dropWaiter(res.CorrelationID)
		if errors.Is(err, session.ErrBusy) {
			return nil, &syncerr.Error{Kind: syncerr.KindBusy, Code: protocol.ErrSessionBusy, Message: "an action is already pending", Retryable: true}
		}
		return nil, syncerr.Wrap(syncerr.KindValidation, err, "begin action")
	}
	snapshot := applied.Snapshot

	accepted, err := d.api.SubmitAction(ctx, sessionID, text, res.CorrelationID)
	if err == nil && !accepted {
		err = syncerr.Rejected(protocol.ErrInvalidAction, "action not accepted")
	}
	if err == nil {
		res.Accepted = true
		d.log.Debug("action accepted", zap.String("session_id", sessionID), zap.String("correlation_id", res.CorrelationID))
		return res, nil
	}

	err = classify(err)
	res.setFailure(err)
	if !d.rollback(res, snapshot) {
		// Already confirmed by the stream, or the session moved on.
		if st, done := res.peek(); done && st == session.PendingConfirmed {
			res.Accepted = true
			return res, nil
		}
		res.Err = err
		return res, err
	}
	d.log.Info("action rolled back",
		zap.String("session_id", sessionID),
		zap.String("correlation_id", res.CorrelationID),
		zap.Error(err))
	res.Err = err
	return res, err
}

func (d *Dispatcher) validate(text string) error {
	if text == "" {
		return syncerr.New(syncerr.KindValidation, "action text is empty")
	}
	if n := utf8.RuneCountInString(text); n > d.maxLen {
		return syncerr.New(syncerr.KindValidation, "action text exceeds maximum length")
	}
	if !utf8.ValidString(text) {
		return syncerr.New(syncerr.KindValidation, "action text is not valid utf-8")
	}
	return nil
}

// rollback undoes the optimistic effects of res. It reports whether the
// store changed.
func (d *Dispatcher) rollback(res *Result, snapshot *session.Session) bool {
	if d.isClosed() {
		return false
	}
	return d.store.Rollback(res.CorrelationID, res.EntryID, snapshot)
}

func (d *Dispatcher) onChange(ch session.Change) {
	if ch.Resolved != nil {
		var err error
		if ch.Resolved.Status == session.PendingFailed {
			err = syncerr.New(syncerr.KindServerRejection, "action failed")
		}
		d.resolve(ch.Resolved, ch.Resolved.Status, err)
	}
	if ch.Discarded != nil {
		d.resolve(ch.Discarded, session.PendingInFlight, ErrDiscarded)
	}
}

func (d *Dispatcher) resolve(p *session.PendingAction, status session.PendingStatus, err error) {
	d.mu.Lock()
	r, ok := d.waiters[p.CorrelationID]
	delete(d.waiters, p.CorrelationID)
	d.mu.Unlock()
	if !ok {
		return
	}
	if status == session.PendingFailed && r.failure() != nil {
		err = r.failure()
	}
	r.finish(status, err)

	out := Outcome{
		SessionID:     p.SessionID,
		CorrelationID: p.CorrelationID,
		Text:          p.Text,
		Status:        status,
		At:            d.now(),
	}
	if err != nil {
		out.Kind = syncerr.KindOf(err).String()
		out.Error = err.Error()
	}
	if d.onOutcome != nil {
		d.onOutcome(out)
	}
}

func (d *Dispatcher) dropWaiter(id string) {
	d.mu.Lock()
	delete(d.waiters, id)
	d.mu.Unlock()
}

func (d *Dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func classify(err error) error {
	var se *syncerr.Error
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return syncerr.Wrap(syncerr.KindNetwork, err, "submission interrupted")
	}
	return syncerr.Wrap(syncerr.KindNetwork, err, "submit action")
}
