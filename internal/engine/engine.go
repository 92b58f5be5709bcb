// Package engine wires the session store, the action dispatcher, the stream
// reconciler and the connection supervisor into one client.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"storyloom.ai/internal/config"
	"storyloom.ai/internal/dispatch"
	"storyloom.ai/internal/insight"
	"storyloom.ai/internal/persistence/indexdb"
	"storyloom.ai/internal/persistence/journal"
	"storyloom.ai/internal/persistence/snapshot"
	"storyloom.ai/internal/protocol"
	"storyloom.ai/internal/reconcile"
	"storyloom.ai/internal/session"
	"storyloom.ai/internal/syncerr"
	"storyloom.ai/internal/transport/httpapi"
	"storyloom.ai/internal/transport/stream"
)

// API is the backend HTTP surface the engine needs.
type API interface {
	SubmitAction(ctx context.Context, sessionID, text, correlationID string) (bool, error)
	GetSession(ctx context.Context, id string) (*session.Session, error)
	ListSessions(ctx context.Context) ([]session.Summary, error)
	DeleteSession(ctx context.Context, id string) error
}

type Config struct {
	// API defaults to an httpapi client for APIBaseURL.
	API        API
	APIBaseURL string
	StreamURL  string
	Token      string

	MaxTextLen      int
	Optimistic      bool
	WaitTimeout     time.Duration
	InsightCapacity int
	GapThreshold    uint64

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	Backoff           stream.BackoffConfig
	FailureThreshold  int

	// Optional stores; empty paths leave them off.
	JournalDir  string
	IndexDB     string
	SnapshotDir string

	Logger *zap.Logger
	Now    func() time.Time

	// OnError sees rejections, desyncs and connection errors as they are
	// raised. It runs on the stream goroutine and must not block.
	OnError func(error)
}

// FromConfig maps loaded settings onto an engine config.
func FromConfig(c config.Config) Config {
	return Config{
		APIBaseURL:        c.APIBaseURL,
		StreamURL:         c.StreamURL,
		Token:             c.Token,
		MaxTextLen:        c.Actions.MaxTextLen,
		Optimistic:        c.Actions.Optimistic,
		WaitTimeout:       c.Actions.WaitTimeout,
		InsightCapacity:   c.Insights.Capacity,
		GapThreshold:      c.Stream.GapThreshold,
		HeartbeatInterval: c.Stream.HeartbeatInterval,
		HeartbeatTimeout:  c.Stream.HeartbeatTimeout,
		FailureThreshold:  c.Stream.FailureThreshold,
		Backoff: stream.BackoffConfig{
			Initial:    c.Stream.BackoffInitial,
			Max:        c.Stream.BackoffMax,
			Multiplier: c.Stream.BackoffMultiplier,
			Jitter:     c.Stream.BackoffJitter,
		},
		JournalDir:  c.Storage.JournalDir,
		IndexDB:     c.Storage.IndexDB,
		SnapshotDir: c.Storage.SnapshotDir,
	}
}

type Engine struct {
	api         API
	log         *zap.Logger
	now         func() time.Time
	onError     func(error)
	snapshotDir string

	store      *session.Store
	insights   *insight.Recorder
	reconciler *reconcile.Reconciler
	dispatcher *dispatch.Dispatcher
	supervisor *stream.Supervisor

	journal *journal.Writer
	index   *indexdb.SQLiteIndex

	unsubscribe func()
	closeOnce   sync.Once

	// opMu serializes Open, Switch and DeleteSession.
	opMu sync.Mutex

	mu        sync.Mutex
	summaries map[string]session.Summary
	listed    bool
}

func New(cfg Config) (*Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	e := &Engine{
		log:         cfg.Logger.Named("engine"),
		now:         cfg.Now,
		onError:     cfg.OnError,
		snapshotDir: cfg.SnapshotDir,
		summaries:   map[string]session.Summary{},
	}

	e.api = cfg.API
	if e.api == nil {
		c, err := httpapi.New(httpapi.Config{BaseURL: cfg.APIBaseURL, Token: cfg.Token, Logger: cfg.Logger})
		if err != nil {
			return nil, err
		}
		e.api = c
	}

	var err error
	if cfg.JournalDir != "" {
		if e.journal, err = journal.New(journal.Config{Dir: cfg.JournalDir, Logger: cfg.Logger, Now: cfg.Now}); err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
	}
	if cfg.IndexDB != "" {
		if e.index, err = indexdb.OpenSQLite(cfg.IndexDB, cfg.Logger); err != nil {
			e.closeStores()
			return nil, fmt.Errorf("open index: %w", err)
		}
	}

	e.store = session.NewStore(session.Config{Logger: cfg.Logger, Now: cfg.Now})
	e.insights = insight.NewRecorder(insight.Config{
		Capacity: cfg.InsightCapacity,
		Logger:   cfg.Logger,
		OnEvict:  e.archiveInsight,
	})
	e.reconciler, err = reconcile.New(reconcile.Config{
		Store:        e.store,
		Insights:     e.insights,
		Fetcher:      e.api,
		GapThreshold: cfg.GapThreshold,
		Logger:       cfg.Logger,
		OnError:      e.report,
		OnApplied:    e.journalFrame,
	})
	if err != nil {
		e.closeStores()
		return nil, err
	}
	e.dispatcher, err = dispatch.New(dispatch.Config{
		Store:       e.store,
		API:         e.api,
		MaxTextLen:  cfg.MaxTextLen,
		Optimistic:  cfg.Optimistic,
		WaitTimeout: cfg.WaitTimeout,
		Logger:      cfg.Logger,
		Now:         cfg.Now,
		OnOutcome:   e.journalOutcome,
	})
	if err != nil {
		e.closeStores()
		return nil, err
	}
	e.supervisor, err = stream.New(stream.Config{
		URL:               cfg.StreamURL,
		Token:             cfg.Token,
		ResumeFrom:        e.reconciler.Watermark,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		Backoff:           cfg.Backoff,
		FailureThreshold:  cfg.FailureThreshold,
		Logger:            cfg.Logger,
		OnStatus:          e.onStatus,
		OnFrame:           e.onFrame,
		OnError:           e.report,
	})
	if err != nil {
		e.dispatcher.Close()
		e.closeStores()
		return nil, err
	}
	e.unsubscribe = e.store.Subscribe(e.trackSummary)
	return e, nil
}

// Start begins supervising the stream. Until a session is opened the
// supervisor stays idle.
func (e *Engine) Start() { e.supervisor.Start() }

// Close stops the stream, writes a snapshot of the current session and
// closes the local stores.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.supervisor.Close()
		e.dispatcher.Close()
		e.unsubscribe()
		if cur, ok := e.settled(); ok {
			err = e.saveSnapshot(cur)
		}
		err = errors.Join(err, e.closeStores())
	})
	return err
}

func (e *Engine) closeStores() error {
	var err error
	if e.journal != nil {
		err = errors.Join(err, e.journal.Close())
	}
	if e.index != nil {
		err = errors.Join(err, e.index.Close())
	}
	return err
}

func (e *Engine) Store() *session.Store { return e.store }

func (e *Engine) Insights() *insight.Recorder { return e.insights }

func (e *Engine) Status() session.ConnectionStatus { return e.supervisor.Status() }

// Subscribe observes every store change; see session.Store.Subscribe.
func (e *Engine) Subscribe(fn func(session.Change)) (cancel func()) {
	return e.store.Subscribe(fn)
}

// PerformAction submits a player action against the current session.
func (e *Engine) PerformAction(ctx context.Context, text string, opts dispatch.Options) (*dispatch.Result, error) {
	return e.dispatcher.PerformAction(ctx, text, opts)
}

// Restart leaves the error state after a fatal authentication failure,
// optionally with a new stream token.
func (e *Engine) Restart(token string) {
	if token != "" {
		e.supervisor.SetToken(token)
	}
	e.supervisor.Restart()
}

// ArchivedInsights reads insights evicted from the recorder. It returns
// nothing when no index is configured.
func (e *Engine) ArchivedInsights(ctx context.Context, sessionID string, limit int) ([]insight.Insight, error) {
	if e.index == nil {
		return nil, nil
	}
	if err := e.index.Sync(ctx); err != nil {
		return nil, err
	}
	return e.index.ArchivedInsights(ctx, sessionID, limit)
}

func (e *Engine) onStatus(st session.ConnectionStatus) {
	e.reconciler.SetStatus(st)
	if _, err := e.store.ApplyDelta(session.Delta{Connection: &st}); err != nil {
		e.log.Warn("record connection status", zap.String("status", string(st)), zap.Error(err))
	}
}

func (e *Engine) onFrame(raw []byte) {
	disp, err := e.reconciler.HandleRaw(context.Background(), raw)
	if err == nil {
		return
	}
	// Resync failures are already reported by the reconciler.
	if syncerr.Is(err, syncerr.KindStreamDesync) {
		return
	}
	e.report(syncerr.Wrap(syncerr.KindStreamDesync, err, "frame "+disp.String()))
}

func (e *Engine) report(err error) {
	if err == nil {
		return
	}
	switch syncerr.KindOf(err) {
	case syncerr.KindFatalAuth:
		e.log.Error("stream authentication failed", zap.Error(err))
	case syncerr.KindServerRejection:
		e.log.Info("server rejection", zap.Error(err))
	default:
		e.log.Warn("sync error", zap.Error(err))
	}
	if e.onError != nil {
		e.onError(err)
	}
}

func (e *Engine) journalFrame(f protocol.Frame) {
	if e.journal == nil {
		return
	}
	if err := e.journal.WriteFrame(f); err != nil {
		e.log.Warn("journal frame", zap.Uint64("seq", f.Seq), zap.Error(err))
	}
}

func (e *Engine) journalOutcome(o dispatch.Outcome) {
	if e.journal == nil {
		return
	}
	if err := e.journal.WriteOutcome(o); err != nil {
		e.log.Warn("journal outcome", zap.String("correlation_id", o.CorrelationID), zap.Error(err))
	}
}

// archiveInsight files an insight the recorder evicted under the session
// that is current when it leaves the buffer.
func (e *Engine) archiveInsight(in insight.Insight) {
	if e.index == nil {
		return
	}
	e.index.ArchiveInsight(e.store.CurrentID(), in)
}

func (e *Engine) trackSummary(ch session.Change) {
	if ch.Session == nil {
		return
	}
	e.mu.Lock()
	e.summaries[ch.Session.ID] = ch.Session.Summary()
	e.mu.Unlock()
}

// settled is the current session without the optimistic effects of an
// unconfirmed action.
func (e *Engine) settled() (*session.Session, bool) {
	cur, ok := e.store.Current()
	if !ok {
		return nil, false
	}
	if p, ok := e.store.Pending(); ok && p.SessionID == cur.ID && p.SnapshotBefore != nil {
		return p.SnapshotBefore, true
	}
	return cur, true
}

func (e *Engine) saveSnapshot(s *session.Session) error {
	if e.snapshotDir == "" || s == nil {
		return nil
	}
	if err := snapshot.Write(snapshot.Path(e.snapshotDir, s.ID), snapshot.New(s, e.now())); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	e.log.Debug("snapshot written", zap.String("session_id", s.ID), zap.Uint64("last_seq", s.LastSeq))
	return nil
}
