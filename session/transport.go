package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"
)

// Transport is one message-oriented connection to the central system.
// Implementations must allow a concurrent reader and writer; Session
// serializes writes itself.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a transport for one charge point.
type Dialer func(ctx context.Context, url, chargePointID string) (Transport, error)

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteMessage(data []byte) error {
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// DialWebSocket connects to the central system with the ocpp1.6 subprotocol.
// The charge point id is appended to the URL path, as central systems expect.
func DialWebSocket(ctx context.Context, url, chargePointID string) (Transport, error) {
	full := strings.TrimRight(url, "/") + "/" + chargePointID
	dialer := websocket.Dialer{Subprotocols: []string{"ocpp1.6"}}
	conn, _, err := dialer.DialContext(ctx, full, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", full, err)
	}
	return &wsTransport{conn: conn}, nil
}
