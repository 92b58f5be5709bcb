// Package indexdb is a local SQLite cache of session summaries and of
// insights evicted from the in-memory recorder. It is never the source of
// truth; writes are queued and dropped when the writer falls behind.
package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"storyloom.ai/internal/insight"
	"storyloom.ai/internal/session"
)

const (
	schemaVersion = "1"
	queueSize     = 4096
	batchMax      = 256

	// Fixed width so text order is time order.
	tsLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

var ErrClosed = errors.New("index closed")

type SQLiteIndex struct {
	db  *sql.DB
	log *zap.Logger

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	mu     sync.RWMutex
	closed bool

	dropped atomic.Uint64
}

type reqKind int

const (
	reqSummaries reqKind = iota + 1
	reqDelete
	reqInsight
	reqSync
)

type req struct {
	kind reqKind

	summaries []session.Summary
	sessionID string
	insight   insight.Insight
	done      chan struct{}
}

type Stats struct {
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	DropTotal     uint64 `json:"drop_total"`
}

func OpenSQLite(path string, logger *zap.Logger) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db:  db,
		log: logger.Named("indexdb"),
		ch:  make(chan req, queueSize),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			character_name TEXT NOT NULL,
			location TEXT NOT NULL,
			story_entries INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS insights (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			decision_type TEXT NOT NULL,
			confidence REAL NOT NULL,
			story_entry_id TEXT,
			ts TEXT NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_insights_session_ts ON insights(session_id, ts);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	_, err := db.Exec(`INSERT INTO meta(key,value) VALUES('schema_version',?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value`, schemaVersion)
	return err
}

// Close drains queued writes, then closes the database.
func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) enqueue(r req) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- r:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// PutSummaries replaces the cached session list.
func (s *SQLiteIndex) PutSummaries(list []session.Summary) {
	if s == nil {
		return
	}
	s.enqueue(req{kind: reqSummaries, summaries: append([]session.Summary(nil), list...)})
}

// DeleteSession drops the cached summary and archived insights of id.
func (s *SQLiteIndex) DeleteSession(id string) {
	if s == nil || id == "" {
		return
	}
	s.enqueue(req{kind: reqDelete, sessionID: id})
}

// ArchiveInsight keeps an insight the recorder evicted.
func (s *SQLiteIndex) ArchiveInsight(sessionID string, in insight.Insight) {
	if s == nil || in.ID == "" {
		return
	}
	s.enqueue(req{kind: reqInsight, sessionID: sessionID, insight: in})
}

// Sync waits until every write queued before it is committed.
func (s *SQLiteIndex) Sync(ctx context.Context) error {
	done := make(chan struct{})
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	select {
	case s.ch <- req{kind: reqSync, done: done}:
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}
	s.mu.RUnlock()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteIndex) Summaries(ctx context.Context) ([]session.Summary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id,character_name,location,story_entries,updated_at FROM sessions ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []session.Summary
	for rows.Next() {
		var (
			sum     session.Summary
			updated string
		)
		if err := rows.Scan(&sum.ID, &sum.CharacterName, &sum.Location, &sum.StoryEntries, &updated); err != nil {
			return nil, err
		}
		sum.UpdatedAt, _ = time.Parse(tsLayout, updated)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// ArchivedInsights returns the newest archived insights of a session,
// oldest first. limit <= 0 means all.
func (s *SQLiteIndex) ArchivedInsights(ctx context.Context, sessionID string, limit int) ([]insight.Insight, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT raw_json FROM (
		SELECT raw_json, ts, id FROM insights WHERE session_id=? ORDER BY ts DESC, id DESC LIMIT ?
	) ORDER BY ts, id`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []insight.Insight
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var in insight.Insight
		if err := json.Unmarshal([]byte(raw), &in); err != nil {
			return nil, fmt.Errorf("decode archived insight: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) Stats() Stats {
	return Stats{
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
		DropTotal:     s.dropped.Load(),
	}
}

// loop is the only writer. It commits one transaction per batch of queued
// requests.
func (s *SQLiteIndex) loop() {
	ctx := context.Background()
	for first := range s.ch {
		batch := []req{first}
	drain:
		for len(batch) < batchMax {
			select {
			case r, ok := <-s.ch:
				if !ok {
					break drain
				}
				batch = append(batch, r)
			default:
				break drain
			}
		}
		if err := s.writeBatch(ctx, batch); err != nil {
			s.log.Warn("index batch dropped", zap.Int("requests", len(batch)), zap.Error(err))
		}
		for _, r := range batch {
			if r.done != nil {
				close(r.done)
			}
		}
	}
}

func (s *SQLiteIndex) writeBatch(ctx context.Context, batch []req) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, r := range batch {
		if err := apply(ctx, tx, r); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func apply(ctx context.Context, tx *sql.Tx, r req) error {
	switch r.kind {
	case reqSummaries:
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions`); err != nil {
			return err
		}
		for _, sum := range r.summaries {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO sessions(id,character_name,location,story_entries,updated_at) VALUES(?,?,?,?,?)`,
				sum.ID, sum.CharacterName, sum.Location, sum.StoryEntries, sum.UpdatedAt.UTC().Format(tsLayout),
			); err != nil {
				return err
			}
		}
	case reqDelete:
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id=?`, r.sessionID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM insights WHERE session_id=?`, r.sessionID); err != nil {
			return err
		}
	case reqInsight:
		raw, err := json.Marshal(r.insight)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO insights(id,session_id,decision_type,confidence,story_entry_id,ts,raw_json) VALUES(?,?,?,?,?,?,?)`,
			r.insight.ID, r.sessionID, r.insight.DecisionType, r.insight.Confidence, r.insight.StoryEntryID,
			r.insight.Timestamp.UTC().Format(tsLayout), string(raw),
		); err != nil {
			return err
		}
	case reqSync:
	}
	return nil
}
