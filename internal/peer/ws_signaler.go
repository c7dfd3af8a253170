package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatcall-backend/internal/signaling"
	"chatcall-backend/pkg/constants"
)

// WSSignaler is the client end of the signaling WebSocket
type WSSignaler struct {
	conn *websocket.Conn
	log  *zap.Logger

	writeMu sync.Mutex
}

// DialSignaling opens the signaling socket at url with an access token
func DialSignaling(ctx context.Context, url, accessToken string, log *zap.Logger) (*WSSignaler, error) {
	if log == nil {
		log = zap.NewNop()
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+accessToken)

	dialer := websocket.Dialer{HandshakeTimeout: constants.DefaultTimeout}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("signaling handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial signaling: %w", err)
	}
	conn.SetReadLimit(constants.MaxSignalMessageSize)
	return &WSSignaler{conn: conn, log: log}, nil
}

// Send implements Signaler
func (s *WSSignaler) Send(ctx context.Context, msg *signaling.Message) error {
	frame, err := msg.Encode()
	if err != nil {
		return err
	}

	deadline := time.Now().Add(constants.WebSocketWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

// Run delivers inbound messages to handle until the socket closes or ctx is
// cancelled
func (s *WSSignaler) Run(ctx context.Context, handle func(*signaling.Message)) error {
	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer stop()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("signaling read failed: %w", err)
		}

		// server messages include presence and error types, which Decode refuses
		var msg signaling.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn("Dropping malformed signaling frame", zap.Error(err))
			continue
		}
		handle(&msg)
	}
}

// Close sends a close frame and closes the socket
func (s *WSSignaler) Close() error {
	s.writeMu.Lock()
	// best effort: the peer may already be gone
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(constants.WebSocketWriteTimeout))
	s.writeMu.Unlock()
	return s.conn.Close()
}
