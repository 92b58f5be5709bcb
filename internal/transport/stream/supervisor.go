// Package stream supervises the persistent websocket channel that carries
// the session's event frames.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"storyloom.ai/internal/protocol"
	"storyloom.ai/internal/session"
	"storyloom.ai/internal/syncerr"
)

const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultHeartbeatTimeout  = 45 * time.Second
	DefaultHandshakeTimeout  = 5 * time.Second
	DefaultFailureThreshold  = 5
)

type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

type Config struct {
	URL   string
	Token string
	// SessionID is the session to stream. Empty means idle until SetSession.
	SessionID string
	// ResumeFrom reports the last applied seq of a session; it goes out in
	// HELLO so the server can skip frames already merged.
	ResumeFrom func(sessionID string) uint64

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	HandshakeTimeout  time.Duration
	Backoff           BackoffConfig
	// FailureThreshold is the number of consecutive failed attempts after
	// which one ConnectionError is reported.
	FailureThreshold int

	Dialer *websocket.Dialer
	Logger *zap.Logger

	// Hooks run on the supervisor goroutine, in order. OnStatus for the
	// connected transition always precedes the frames of that connection.
	OnStatus func(session.ConnectionStatus)
	OnFrame  func(raw []byte)
	OnError  func(error)
}

var errSwitched = errors.New("session switched")

type Supervisor struct {
	cfg Config
	log *zap.Logger

	startOnce sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
	wake      chan struct{}

	mu        sync.Mutex
	status    session.ConnectionStatus
	sessionID string
	conn      *websocket.Conn
	switched  bool
	restart   bool
	lastErr   error
}

func New(cfg Config) (*Supervisor, error) {
	raw := strings.TrimSpace(cfg.URL)
	if raw == "" {
		return nil, fmt.Errorf("empty stream url")
	}
	if !strings.HasPrefix(raw, "ws://") && !strings.HasPrefix(raw, "wss://") {
		return nil, fmt.Errorf("stream url must be ws:// or wss://: %s", raw)
	}
	cfg.URL = raw
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.HeartbeatTimeout <= cfg.HeartbeatInterval {
		cfg.HeartbeatTimeout = 3 * cfg.HeartbeatInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff.Initial = 250 * time.Millisecond
	}
	if cfg.Backoff.Max <= 0 {
		cfg.Backoff.Max = 30 * time.Second
	}
	if cfg.Backoff.Multiplier < 1 {
		cfg.Backoff.Multiplier = 2
	}
	if cfg.Backoff.Jitter < 0 || cfg.Backoff.Jitter >= 1 {
		cfg.Backoff.Jitter = 0.5
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Supervisor{
		cfg:       cfg,
		log:       cfg.Logger.Named("stream"),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		wake:      make(chan struct{}, 1),
		status:    session.StatusDisconnected,
		sessionID: cfg.SessionID,
	}, nil
}

func (s *Supervisor) Start() {
	s.startOnce.Do(func() {
		go s.run()
	})
}

// Close stops the supervisor and waits for its goroutine to exit.
func (s *Supervisor) Close() {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.dropConn()
		s.startOnce.Do(func() { close(s.done) })
		<-s.done
	})
}

func (s *Supervisor) Status() session.ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// SetSession points the channel at another session. The current
// connection, if any, is dropped and re-established without backoff.
func (s *Supervisor) SetSession(id string) {
	s.mu.Lock()
	if s.sessionID == id {
		s.mu.Unlock()
		return
	}
	s.sessionID = id
	s.switched = true
	s.mu.Unlock()
	s.dropConn()
	s.signal()
}

// Restart leaves the error state. It is a no-op otherwise.
func (s *Supervisor) Restart() {
	s.mu.Lock()
	if s.status != session.StatusError {
		s.mu.Unlock()
		return
	}
	s.restart = true
	s.mu.Unlock()
	s.signal()
}

// SetToken replaces the bearer token used by the next handshake.
func (s *Supervisor) SetToken(token string) {
	s.mu.Lock()
	s.cfg.Token = strings.TrimSpace(token)
	s.mu.Unlock()
}

func (s *Supervisor) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Supervisor) dropConn() {
	s.mu.Lock()
	c := s.conn
	s.conn = nil
	s.mu.Unlock()
	if c != nil {
		_ = c.Close()
	}
}

func (s *Supervisor) setStatus(st session.ConnectionStatus) {
	s.mu.Lock()
	if s.status == st {
		s.mu.Unlock()
		return
	}
	prev := s.status
	s.status = st
	s.mu.Unlock()
	s.log.Debug("status", zap.String("from", string(prev)), zap.String("to", string(st)))
	if s.cfg.OnStatus != nil {
		s.cfg.OnStatus(st)
	}
}

func (s *Supervisor) report(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	if s.cfg.OnError != nil {
		s.cfg.OnError(err)
	}
}

func (s *Supervisor) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.Backoff.Initial
	b.MaxInterval = s.cfg.Backoff.Max
	b.Multiplier = s.cfg.Backoff.Multiplier
	b.RandomizationFactor = s.cfg.Backoff.Jitter
	b.Reset()
	return b
}

func (s *Supervisor) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// sleep waits d, returning early on wake. It reports false once stopped.
func (s *Supervisor) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.stop:
		return false
	case <-s.wake:
		return true
	case <-t.C:
		return true
	}
}

func (s *Supervisor) run() {
	defer close(s.done)
	defer s.setStatus(session.StatusDisconnected)

	bo := s.newBackoff()
	failures := 0
	for {
		if s.stopped() {
			return
		}

		s.mu.Lock()
		sessionID := s.sessionID
		s.switched = false
		s.mu.Unlock()
		if sessionID == "" {
			s.setStatus(session.StatusDisconnected)
			if !s.sleep(time.Hour) {
				return
			}
			continue
		}

		s.setStatus(session.StatusConnecting)
		connected, err := s.connectAndReadLoop(sessionID)
		if s.stopped() {
			return
		}

		if syncerr.Is(err, syncerr.KindFatalAuth) {
			s.log.Error("stream authentication failed", zap.String("session_id", sessionID), zap.Error(err))
			s.setStatus(session.StatusError)
			s.report(err)
			if !s.awaitRestart() {
				return
			}
			bo.Reset()
			failures = 0
			continue
		}

		s.setStatus(session.StatusDisconnected)
		s.mu.Lock()
		switched := s.switched
		s.mu.Unlock()
		if switched || errors.Is(err, errSwitched) {
			bo.Reset()
			failures = 0
			continue
		}

		if connected {
			bo.Reset()
			failures = 0
		} else {
			failures++
			if failures == s.cfg.FailureThreshold {
				s.report(syncerr.Wrap(syncerr.KindConnection, err,
					fmt.Sprintf("%d consecutive connection failures", failures)))
			}
		}

		wait := bo.NextBackOff()
		s.log.Info("stream disconnected, retrying",
			zap.String("session_id", sessionID),
			zap.Int("failures", failures),
			zap.Duration("backoff", wait),
			zap.Error(err))
		if !s.sleep(wait) {
			return
		}
	}
}

func (s *Supervisor) awaitRestart() bool {
	for {
		select {
		case <-s.stop:
			return false
		case <-s.wake:
		}
		s.mu.Lock()
		ok := s.restart
		s.restart = false
		s.mu.Unlock()
		if ok {
			return true
		}
	}
}

// connectAndReadLoop runs one connection. connected reports whether the
// handshake was acknowledged before the connection ended.
func (s *Supervisor) connectAndReadLoop(sessionID string) (connected bool, err error) {
	s.mu.Lock()
	token := s.cfg.Token
	s.mu.Unlock()

	hdr := http.Header{}
	if token != "" {
		hdr.Set("Authorization", "Bearer "+token)
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
	conn, resp, err := s.cfg.Dialer.DialContext(ctx, s.cfg.URL, hdr)
	cancel()
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return false, &syncerr.Error{Kind: syncerr.KindFatalAuth, Code: protocol.ErrAuth, Message: resp.Status, Err: err}
		}
		return false, syncerr.Wrap(syncerr.KindConnection, err, "dial")
	}

	s.mu.Lock()
	if s.sessionID != sessionID || s.stopped() {
		s.mu.Unlock()
		_ = conn.Close()
		return false, errSwitched
	}
	s.conn = conn
	s.mu.Unlock()
	defer s.dropConn()

	if err := s.handshake(conn, sessionID, token); err != nil {
		return false, err
	}
	s.setStatus(session.StatusConnected)
	s.log.Info("stream connected", zap.String("session_id", sessionID))

	timeout := s.cfg.HeartbeatTimeout
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(timeout))
	})

	pingDone := make(chan struct{})
	pingStop := make(chan struct{})
	go func() {
		defer close(pingDone)
		t := time.NewTicker(s.cfg.HeartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-pingStop:
				return
			case <-t.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.HandshakeTimeout)); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()
	defer func() {
		close(pingStop)
		<-pingDone
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, syncerr.Wrap(syncerr.KindConnection, err, "read")
		}
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		if base, err := protocol.DecodeBase(msg); err == nil && base.Type == protocol.TypeDenied {
			var d protocol.DeniedMsg
			_ = json.Unmarshal(msg, &d)
			return true, deniedError(d)
		}
		if s.cfg.OnFrame != nil {
			s.cfg.OnFrame(msg)
		}
	}
}

func (s *Supervisor) handshake(conn *websocket.Conn, sessionID, token string) error {
	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		SessionID:       sessionID,
		ClientName:      "storyloom",
	}
	if s.cfg.ResumeFrom != nil {
		hello.LastSeq = s.cfg.ResumeFrom(sessionID)
	}
	if token != "" {
		hello.Auth = &protocol.HelloAuth{Token: token}
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	if err := conn.WriteJSON(hello); err != nil {
		return syncerr.Wrap(syncerr.KindConnection, err, "send hello")
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return syncerr.Wrap(syncerr.KindConnection, err, "await welcome")
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return syncerr.Wrap(syncerr.KindConnection, err, "decode handshake reply")
	}
	switch base.Type {
	case protocol.TypeWelcome:
		var w protocol.WelcomeMsg
		if err := json.Unmarshal(msg, &w); err != nil {
			return syncerr.Wrap(syncerr.KindConnection, err, "decode welcome")
		}
		if !protocol.IsSupportedVersion(w.ProtocolVersion) {
			return syncerr.New(syncerr.KindConnection, "unsupported protocol version "+w.ProtocolVersion)
		}
		if w.SessionID != "" && w.SessionID != sessionID {
			return syncerr.New(syncerr.KindConnection, "welcome for session "+w.SessionID)
		}
		return nil
	case protocol.TypeDenied:
		var d protocol.DeniedMsg
		_ = json.Unmarshal(msg, &d)
		return deniedError(d)
	default:
		return syncerr.New(syncerr.KindConnection, "unexpected handshake reply "+base.Type)
	}
}

func deniedError(d protocol.DeniedMsg) error {
	if d.Code == protocol.ErrAuth {
		return &syncerr.Error{Kind: syncerr.KindFatalAuth, Code: d.Code, Message: nonEmpty(d.Message, "authentication refused")}
	}
	return &syncerr.Error{Kind: syncerr.KindConnection, Code: d.Code, Message: nonEmpty(d.Message, "handshake refused"), Retryable: true}
}

func nonEmpty(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
