package engine

import (
	"context"
	"errors"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"

	"storyloom.ai/internal/persistence/snapshot"
	"storyloom.ai/internal/session"
	"storyloom.ai/internal/syncerr"
)

// Open loads sessionID from the backend, installs it in the store and points
// the stream at it. When the backend is unreachable a local snapshot of the
// session is used instead, if one exists.
func (e *Engine) Open(ctx context.Context, sessionID string) (*session.Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, syncerr.New(syncerr.KindValidation, "empty session id")
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return e.openLocked(ctx, sessionID)
}

// Switch makes sessionID current. The in-flight action of the previous
// session, if any, is discarded and its late responses become no-ops.
// Switching to the current session does nothing.
func (e *Engine) Switch(ctx context.Context, sessionID string) (*session.Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, syncerr.New(syncerr.KindValidation, "empty session id")
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()
	if cur, ok := e.store.Current(); ok && cur.ID == sessionID {
		return cur, nil
	}
	prev, hadPrev := e.settled()
	s, err := e.openLocked(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if hadPrev {
		if err := e.saveSnapshot(prev); err != nil {
			e.log.Warn("snapshot previous session", zap.String("session_id", prev.ID), zap.Error(err))
		}
	}
	return s, nil
}

func (e *Engine) openLocked(ctx context.Context, sessionID string) (*session.Session, error) {
	s, err := e.api.GetSession(ctx, sessionID)
	if err != nil {
		local, ok := e.fromSnapshot(sessionID, err)
		if !ok {
			return nil, err
		}
		s = local
	}
	if s.ID != sessionID {
		return nil, syncerr.New(syncerr.KindServerRejection, "backend returned session "+s.ID)
	}

	e.reconciler.Install(s)
	e.supervisor.SetSession(sessionID)
	if e.supervisor.Status() == session.StatusError {
		e.supervisor.Restart()
	}
	e.log.Info("session opened", zap.String("session_id", sessionID), zap.Uint64("last_seq", s.LastSeq))

	cur, _ := e.store.Current()
	return cur, nil
}

func (e *Engine) fromSnapshot(sessionID string, cause error) (*session.Session, bool) {
	if e.snapshotDir == "" || !syncerr.Is(cause, syncerr.KindNetwork) {
		return nil, false
	}
	snap, err := snapshot.Read(snapshot.Path(e.snapshotDir, sessionID))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			e.log.Warn("read snapshot", zap.String("session_id", sessionID), zap.Error(err))
		}
		return nil, false
	}
	e.log.Info("backend unreachable, opened session from snapshot",
		zap.String("session_id", sessionID), zap.Uint64("last_seq", snap.Header.LastSeq), zap.Error(cause))
	return snap.Session, true
}

// ListSessions returns the backend's session list. When the backend cannot
// be reached the last known list is returned, from memory or the index.
func (e *Engine) ListSessions(ctx context.Context) ([]session.Summary, error) {
	list, err := e.api.ListSessions(ctx)
	if err == nil {
		e.mu.Lock()
		e.summaries = make(map[string]session.Summary, len(list))
		for _, s := range list {
			e.summaries[s.ID] = s
		}
		e.listed = true
		e.mu.Unlock()
		e.index.PutSummaries(list)
		return list, nil
	}
	if !syncerr.Is(err, syncerr.KindNetwork) {
		return nil, err
	}

	if cached, ok := e.cachedSummaries(); ok {
		e.log.Info("listing cached sessions", zap.Error(err))
		return cached, nil
	}
	if e.index != nil {
		stored, ierr := e.index.Summaries(ctx)
		if ierr == nil && len(stored) > 0 {
			e.log.Info("listing indexed sessions", zap.Error(err))
			return stored, nil
		}
	}
	return nil, err
}

func (e *Engine) cachedSummaries() ([]session.Summary, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.listed {
		return nil, false
	}
	out := make([]session.Summary, 0, len(e.summaries))
	for _, s := range e.summaries {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, true
}

// DeleteSession removes a session on the backend and from every local
// cache. Deleting the current session leaves the client without one.
func (e *Engine) DeleteSession(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return syncerr.New(syncerr.KindValidation, "empty session id")
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()
	if err := e.api.DeleteSession(ctx, sessionID); err != nil {
		return err
	}

	if e.store.CurrentID() == sessionID {
		e.supervisor.SetSession("")
		e.store.Replace(nil)
	}
	e.reconciler.Forget(sessionID)

	e.mu.Lock()
	delete(e.summaries, sessionID)
	e.mu.Unlock()
	e.index.DeleteSession(sessionID)
	if e.snapshotDir != "" {
		if err := os.Remove(snapshot.Path(e.snapshotDir, sessionID)); err != nil && !errors.Is(err, os.ErrNotExist) {
			e.log.Warn("remove snapshot", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	e.log.Info("session deleted", zap.String("session_id", sessionID))
	return nil
}
