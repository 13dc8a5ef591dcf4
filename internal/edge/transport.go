package edge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/marketvox/marketvox/internal/session"
)

// wsTransport adapts one WebSocket connection to [session.Transport]. Writes
// are serialised by a mutex and bounded by a per-write timeout so a stalled
// client cannot block the session's outbound pump indefinitely.
type wsTransport struct {
	conn         *websocket.Conn
	sessionID    string
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

var _ session.Transport = (*wsTransport)(nil)

func newWSTransport(conn *websocket.Conn, sessionID string, writeTimeout time.Duration) *wsTransport {
	return &wsTransport{
		conn:         conn,
		sessionID:    sessionID,
		writeTimeout: writeTimeout,
	}
}

// Send serialises out and writes it as one text message. The session id is
// stamped on frames that do not already carry one, so clients can correlate
// every event without the session layer knowing wire details.
func (t *wsTransport) Send(out session.Outbound) error {
	if out.SessionID == "" {
		out.SessionID = t.sessionID
	}
	data, err := encodeOutbound(out)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("edge: send on closed transport")
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.writeTimeout)
	defer cancel()
	if err := t.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("edge: write frame: %w", err)
	}
	return nil
}

// Close shuts the WebSocket down with a normal closure. Idempotent.
func (t *wsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close(websocket.StatusNormalClosure, "session closed")
}
