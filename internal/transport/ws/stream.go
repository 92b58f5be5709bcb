package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"storyloom.ai/internal/protocol"
)

const clientQueue = 256

// client is one stream connection. send never blocks; a client that falls
// a full queue behind is disconnected and will resume from its last_seq.
type client struct {
	conn *websocket.Conn
	out  chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(conn *websocket.Conn, backlog [][]byte) *client {
	c := &client{
		conn: conn,
		out:  make(chan []byte, len(backlog)+clientQueue),
		done: make(chan struct{}),
	}
	for _, raw := range backlog {
		c.out <- raw
	}
	return c
}

func (c *client) send(raw []byte) {
	select {
	case c.out <- raw:
	case <-c.done:
	default:
		c.close()
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (b *Backend) handleStream(rw http.ResponseWriter, r *http.Request) {
	if !b.authorized(r) {
		writeError(rw, http.StatusUnauthorized, protocol.ErrAuth, "missing or invalid token")
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		writeError(rw, http.StatusServiceUnavailable, protocol.ErrUnavailable, "shutting down")
		return
	}
	b.conns.Add(1)
	b.mu.Unlock()
	defer b.conns.Done()

	conn, err := b.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sessionID, c := b.handshake(conn)
	if c == nil {
		return
	}
	defer b.detach(sessionID, c)
	b.log.Debug("stream attached", zap.String("session_id", sessionID))

	// Writer goroutine.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-c.done:
				return
			case raw := <-c.out:
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
					c.close()
					return
				}
			}
		}
	}()

	// Reader loop; clients only send control frames after HELLO.
	for {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Minute))
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	c.close()
	wg.Wait()
}

func (b *Backend) handshake(conn *websocket.Conn) (string, *client) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return "", nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return "", nil
	}
	if !protocol.IsSupportedVersion(hello.ProtocolVersion) {
		_ = writeFrame(conn, deny(protocol.ErrProtoBadRequest, "bad protocol_version"))
		return "", nil
	}

	token := ""
	if hello.Auth != nil {
		token = hello.Auth.Token
	}
	b.mu.Lock()
	denyAll := b.faults.DenyStream
	b.mu.Unlock()
	if denyAll || (b.token != "" && token != b.token) {
		_ = writeFrame(conn, deny(protocol.ErrAuth, "stream authentication refused"))
		return "", nil
	}

	// Attach and take the backlog under one lock so no frame falls between.
	b.mu.Lock()
	h, ok := b.sessions[hello.SessionID]
	if !ok || b.closed {
		b.mu.Unlock()
		_ = writeFrame(conn, deny(protocol.ErrSessionNotFound, "no such session"))
		return "", nil
	}
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       hello.SessionID,
		LastSeq:         h.lastSeq,
	}
	c := newClient(conn, h.backlog(hello.LastSeq))
	h.clients[c] = struct{}{}
	b.mu.Unlock()

	if err := writeFrame(conn, welcome); err != nil {
		b.detach(hello.SessionID, c)
		return "", nil
	}
	return hello.SessionID, c
}

func (b *Backend) detach(sessionID string, c *client) {
	b.mu.Lock()
	if h, ok := b.sessions[sessionID]; ok {
		delete(h.clients, c)
	}
	b.mu.Unlock()
	c.close()
}

func deny(code, msg string) protocol.DeniedMsg {
	return protocol.DeniedMsg{Type: protocol.TypeDenied, ProtocolVersion: protocol.Version, Code: code, Message: msg}
}

func writeFrame(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	}
	return nil
}
