package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Feed message types sent by the server.
const (
	feedInitial = "initialMessages"
	feedNew     = "newMessage"
)

const handshakeTimeout = 10 * time.Second

// FeedEvent is one message of the status feed: the stored history on
// connect, then one record per message.
type FeedEvent struct {
	Initial bool
	Records []StatusRecord
}

type feedMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// feedURL maps the HTTP endpoint onto the websocket route.
func feedURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/ws"
	return u.String(), nil
}

// decode turns a feed message into an event. ok is false for message
// types this client does not know.
func (m feedMessage) decode() (ev FeedEvent, ok bool, err error) {
	switch m.Type {
	case feedInitial:
		ev.Initial = true
		if err := json.Unmarshal(m.Data, &ev.Records); err != nil {
			return ev, false, fmt.Errorf("decode history: %w", err)
		}
		return ev, true, nil
	case feedNew:
		var rec StatusRecord
		if err := json.Unmarshal(m.Data, &rec); err != nil {
			return ev, false, fmt.Errorf("decode record: %w", err)
		}
		ev.Records = []StatusRecord{rec}
		return ev, true, nil
	}
	return ev, false, nil
}

// Watch follows the live status feed. onEvent is called with the history
// first and then with every new record. Return an error from onEvent to stop;
// Watch returns that error. Cancelling ctx closes the connection and returns
// ctx.Err().
func (c *Client) Watch(ctx context.Context, onEvent func(FeedEvent) error) error {
	target, err := feedURL(c.endpoint)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("websocket connect: %w", err)
	}

	var once sync.Once
	hangUp := func() { once.Do(func() { conn.Close() }) }
	defer hangUp()

	stop := context.AfterFunc(ctx, hangUp)
	defer stop()

	for {
		var msg feedMessage
		if err := conn.ReadJSON(&msg); err != nil {
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				return nil
			}
			return fmt.Errorf("read feed: %w", err)
		}

		ev, ok, err := msg.decode()
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := onEvent(ev); err != nil {
			return err
		}
	}
}
