package chat

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	relayPongWait   = 60 * time.Second
	relayPingPeriod = 25 * time.Second
	relayWriteWait  = 10 * time.Second
	relayMaxFrame   = 64 << 10
)

// relayFrame is the JSON envelope spoken by chat relays.
type relayFrame struct {
	Type        string `json:"type"`
	Room        string `json:"room,omitempty"`
	ID          string `json:"id,omitempty"`
	ViewerID    string `json:"viewer_id,omitempty"`
	ViewerName  string `json:"viewer_name,omitempty"`
	Text        string `json:"text,omitempty"`
	TS          int64  `json:"ts,omitempty"` // unix millis from the platform
	Broadcaster bool   `json:"broadcaster,omitempty"`
	Count       int    `json:"count,omitempty"`
	Value       int    `json:"value,omitempty"`
	Error       string `json:"error,omitempty"`
}

var relayEngagement = map[string]EventKind{
	"gift":         EventGift,
	"subscription": EventSubscription,
	"raid":         EventRaid,
	"follow":       EventFollow,
	"like":         EventLike,
	"share":        EventShare,
	"member":       EventJoin,
}

func (f relayFrame) event() ChatEvent {
	ev := ChatEvent{
		MessageID:   f.ID,
		ViewerID:    f.ViewerID,
		ViewerName:  f.ViewerName,
		RawText:     f.Text,
		Broadcaster: f.Broadcaster,
		Count:       f.Count,
		Value:       f.Value,
	}
	if ev.ViewerID == "" {
		ev.ViewerID = f.ViewerName
	}
	if f.TS > 0 {
		ev.ReceivedAt = time.UnixMilli(f.TS).UTC()
	}
	return ev
}

// WebSocketTransport joins a room on a chat relay:
//
//	-> {"type":"join","room":"..."}
//	<- {"type":"joined"} | {"type":"error","error":"..."}
//	<- {"type":"chat","id":"...","viewer_id":"...","viewer_name":"...","text":"...","ts":0}
//	<- {"type":"gift","viewer_id":"...","count":5,"value":100,"ts":0}
//
// Engagement frames use the types gift, subscription, raid, follow, like, share
// and member; unknown types are ignored.
type WebSocketTransport struct {
	URL              string
	Header           http.Header
	Dialer           *websocket.Dialer
	HandshakeTimeout time.Duration // wait for "joined", default 10s
}

// Run implements Transport.
func (t *WebSocketTransport) Run(ctx context.Context, room string, ready func(), deliver func(ChatEvent)) error {
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	handshake := t.HandshakeTimeout
	if handshake <= 0 {
		handshake = 10 * time.Second
	}

	conn, resp, err := dialer.DialContext(ctx, t.URL, t.Header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial relay: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close()

	// Close the socket on cancellation so the blocking read below returns.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	_ = conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
	if err := conn.WriteJSON(relayFrame{Type: "join", Room: room}); err != nil {
		return fmt.Errorf("send join: %w", err)
	}

	conn.SetReadLimit(relayMaxFrame)
	_ = conn.SetReadDeadline(time.Now().Add(handshake))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(relayPongWait))
	})

	joined := false
	for {
		var f relayFrame
		if err := conn.ReadJSON(&f); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !joined {
				return fmt.Errorf("relay handshake: %w", err)
			}
			return err
		}
		switch f.Type {
		case "joined":
			if joined {
				continue
			}
			joined = true
			_ = conn.SetReadDeadline(time.Now().Add(relayPongWait))
			go t.pingLoop(conn, stop)
			ready()
		case "error":
			if !joined {
				return fmt.Errorf("%w: %s", ErrJoinRejected, f.Error)
			}
		case "chat":
			if !joined {
				continue
			}
			_ = conn.SetReadDeadline(time.Now().Add(relayPongWait))
			deliver(f.event())
		default:
			kind, ok := relayEngagement[f.Type]
			if !ok || !joined {
				continue
			}
			_ = conn.SetReadDeadline(time.Now().Add(relayPongWait))
			ev := f.event()
			ev.Kind = kind
			if ev.Count <= 0 {
				ev.Count = 1
			}
			deliver(ev)
		}
	}
}

// pingLoop uses WriteControl, which gorilla allows concurrently with readers.
func (t *WebSocketTransport) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(relayPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(relayWriteWait)); err != nil {
				return
			}
		}
	}
}
