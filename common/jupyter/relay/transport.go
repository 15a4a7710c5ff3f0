package relay

import (
	"context"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"nhooyr.io/websocket"
)

//go:generate mockgen -source=transport.go -destination=mock_relay/transport.go -package=mock_relay

var (
	ErrMessageTooLarge = errors.New("message exceeds the maximum size")
)

// OversizedMessageError reports a transport message that was discarded for being larger than the transport's
// limit. The connection remains usable.
type OversizedMessageError struct {
	Size  int64
	Limit int64
}

func (e *OversizedMessageError) Error() string {
	return fmt.Sprintf("discarded %d-byte message: limit is %d bytes", e.Size, e.Limit)
}

func (e *OversizedMessageError) Is(target error) bool {
	return target == ErrMessageTooLarge
}

// Transport is the client-facing side of a relayed channel: a duplex connection exchanging whole text messages.
type Transport interface {
	// Read blocks until the next message arrives. A message that is too large is consumed and reported with an
	// *OversizedMessageError, after which Read may be called again.
	Read(ctx context.Context) ([]byte, error)

	// Write sends one message.
	Write(ctx context.Context, data []byte) error

	// Close closes the connection with the given status.
	Close(code websocket.StatusCode, reason string) error
}

// WebsocketTransport is a Transport over a websocket connection.
type WebsocketTransport struct {
	conn  *websocket.Conn
	limit int64
}

// NewWebsocketTransport creates a WebsocketTransport that buffers at most maxMessageSize bytes of any message.
// Larger messages are streamed into the void and reported by Read rather than closing the connection.
func NewWebsocketTransport(conn *websocket.Conn, maxMessageSize int) *WebsocketTransport {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}

	// The connection itself never enforces a limit. Read does.
	conn.SetReadLimit(-1)

	return &WebsocketTransport{conn: conn, limit: int64(maxMessageSize)}
}

func (t *WebsocketTransport) Read(ctx context.Context) ([]byte, error) {
	_, r, err := t.conn.Reader(ctx)
	if err != nil {
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(r, t.limit+1))
	if err != nil {
		return nil, err
	}

	if int64(len(data)) <= t.limit {
		return data, nil
	}

	// The rest of the message must be consumed before the next one can be read.
	discarded, err := io.Copy(io.Discard, r)
	if err != nil {
		return nil, err
	}

	return nil, &OversizedMessageError{Size: int64(len(data)) + discarded, Limit: t.limit}
}

func (t *WebsocketTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *WebsocketTransport) Close(code websocket.StatusCode, reason string) error {
	return t.conn.Close(code, reason)
}
