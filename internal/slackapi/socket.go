package slackapi

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
)

// SocketEnvelope is a Socket Mode frame. Payload carries the inner
// Events API body for events_api envelopes.
type SocketEnvelope struct {
	EnvelopeID string          `json:"envelope_id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
}

// ConnectSocket opens a Socket Mode websocket connection using the
// app-level token.
func (c *Client) ConnectSocket(ctx context.Context) (*websocket.Conn, error) {
	url, err := c.OpenSocketURL(ctx)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial socket mode: %w", err)
	}
	return conn, nil
}

// ConsumeSocket reads envelopes until the connection fails or ctx is
// canceled, acking each envelope that carries an envelope_id before
// handing it to onEnvelope. Slack resends unacked envelopes, so the
// ack must not wait on the handler.
func (c *Client) ConsumeSocket(ctx context.Context, conn *websocket.Conn, onEnvelope func(env SocketEnvelope)) error {
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read socket mode frame: %w", err)
		}

		var env SocketEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.log.Warn("slack_socket_decode_error", "error", err.Error())
			continue
		}

		if env.EnvelopeID != "" {
			ack := map[string]string{"envelope_id": env.EnvelopeID}
			if err := conn.WriteJSON(ack); err != nil {
				c.log.Warn("slack_socket_ack_error", "error", err.Error())
			}
		}

		switch env.Type {
		case "hello":
			c.log.Info("slack_socket_hello")
		case "disconnect":
			c.log.Info("slack_socket_disconnect_requested")
			return nil
		default:
			onEnvelope(env)
		}
	}
}
