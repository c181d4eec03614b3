// Package client is a small websocket client for the relay, used by the
// call state machine and by integration tooling. It dials with the auth
// cookie, pushes typed frames out, and hands every inbound frame to a
// single handler.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"chatrelay/internal/domain"
	"chatrelay/pkg/protocol"
)

// Handler receives every inbound frame with its parsed kind and raw bytes.
type Handler func(kind protocol.Kind, raw []byte)

type Client struct {
	conn *websocket.Conn

	writeMu sync.Mutex
}

// Dial connects to the relay's signal endpoint. authToken, if non-empty,
// is sent as the auth cookie; without it the connection is presence-only.
func Dial(ctx context.Context, url, authToken string) (*Client, error) {
	header := http.Header{}
	if authToken != "" {
		header.Set("Cookie", "authToken="+authToken)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Listen reads frames until the connection or ctx dies, dispatching each
// one to h. Frames without a parseable kind are dropped.
func (c *Client) Listen(ctx context.Context, h Handler) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-done:
		}
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read frame: %w", err)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Err(err).Str("module", "client").Msg("malformed frame dropped")
			continue
		}
		h(env.Type, data)
	}
}

func (c *Client) send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// SendSignal pushes a call-signaling frame to the relay. Implements
// call.Signaler via Send.
func (c *Client) SendSignal(f protocol.SignalFrame) error {
	return c.send(&f)
}

// Send satisfies call.Signaler.
func (c *Client) Send(f protocol.SignalFrame) error {
	return c.SendSignal(f)
}

// SendChat sends one chat message; the persisted record comes back on the
// socket as a chat-message frame.
func (c *Client) SendChat(recipient domain.UserID, text string) error {
	return c.send(&protocol.ChatSend{
		Type:        protocol.KindChat,
		RecipientID: string(recipient),
		Text:        text,
	})
}

func (c *Client) Close() {
	_ = c.conn.Close()
}
