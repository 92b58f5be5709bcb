// Package httpapi is the client for the backend's session HTTP API.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"storyloom.ai/internal/protocol"
	"storyloom.ai/internal/session"
	"storyloom.ai/internal/syncerr"
)

type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

type Client struct {
	base       *url.URL
	token      string
	httpClient *http.Client
	log        *zap.Logger
}

func New(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("empty api base url")
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid base url: %s", raw)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Client{
		base:       u,
		token:      strings.TrimSpace(cfg.Token),
		httpClient: hc,
		log:        cfg.Logger.Named("httpapi"),
	}, nil
}

// SubmitAction posts a player action. The correlation id doubles as the
// idempotency key, so a retried submission is not applied twice.
func (c *Client) SubmitAction(ctx context.Context, sessionID, text, correlationID string) (bool, error) {
	body := protocol.SubmitActionReq{SessionID: sessionID, Text: text, CorrelationID: correlationID}
	var out protocol.SubmitActionResp
	hdr := http.Header{"Idempotency-Key": []string{correlationID}}
	status, err := c.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(sessionID)+"/actions", hdr, body, &out)
	if err != nil {
		return false, err
	}
	if !out.Accepted {
		code := out.Code
		if code == "" {
			code = protocol.ErrInvalidAction
		}
		return false, syncerr.Rejected(code, nonEmpty(out.Message, "action not accepted"))
	}
	c.log.Debug("action accepted", zap.String("session_id", sessionID),
		zap.String("correlation_id", correlationID), zap.Int("status", status))
	return true, nil
}

func (c *Client) GetSession(ctx context.Context, id string) (*session.Session, error) {
	var out session.Session
	if _, err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		out.ID = id
	}
	return &out, nil
}

func (c *Client) ListSessions(ctx context.Context) ([]session.Summary, error) {
	var out protocol.ListSessionsResp
	if _, err := c.do(ctx, http.MethodGet, "/v1/sessions", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

func (c *Client) DeleteSession(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/v1/sessions/"+url.PathEscape(id), nil, nil, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, hdr http.Header, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 0, err
		}
		return 0, syncerr.Wrap(syncerr.KindNetwork, err, method+" "+path)
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return res.StatusCode, syncerr.Wrap(syncerr.KindNetwork, err, "read response")
	}

	if err := statusError(res.StatusCode, raw); err != nil {
		return res.StatusCode, err
	}
	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return res.StatusCode, syncerr.Wrap(syncerr.KindServerRejection, err, "decode response")
		}
	}
	return res.StatusCode, nil
}

func statusError(status int, raw []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	var e protocol.ErrorResp
	_ = json.Unmarshal(raw, &e)
	msg := nonEmpty(e.Message, http.StatusText(status))
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden || e.Code == protocol.ErrAuth:
		return &syncerr.Error{Kind: syncerr.KindFatalAuth, Code: nonEmpty(e.Code, protocol.ErrAuth), Message: msg}
	case status >= 500:
		return &syncerr.Error{Kind: syncerr.KindNetwork, Code: e.Code, Message: msg, Retryable: true}
	default:
		code := e.Code
		if code == "" || !protocol.IsKnownCode(code) {
			code = protocol.ErrBadRequest
		}
		return syncerr.Rejected(code, msg)
	}
}

func nonEmpty(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
