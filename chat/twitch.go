package chat

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

// Twitch NOTICE ids that mean the room cannot be joined.
var joinRejectNotices = map[string]struct{}{
	"msg_channel_suspended": {},
	"msg_banned":            {},
	"msg_room_not_found":    {},
}

// TwitchTransport reads a channel over Twitch IRC. Without credentials it joins
// anonymously, which is enough to read chat.
type TwitchTransport struct {
	Username   string
	OAuthToken string
}

// Run implements Transport.
func (t *TwitchTransport) Run(ctx context.Context, room string, ready func(), deliver func(ChatEvent)) error {
	channel := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(room), "#"))

	var client *twitch.Client
	if t.Username == "" {
		client = twitch.NewAnonymousClient()
	} else {
		client = twitch.NewClient(t.Username, t.OAuthToken)
	}

	rejected := make(chan error, 1)
	client.OnConnect(func() {
		client.Join(channel)
	})
	client.OnSelfJoinMessage(func(m twitch.UserJoinMessage) {
		if strings.EqualFold(m.Channel, channel) {
			ready()
		}
	})
	client.OnNoticeMessage(func(m twitch.NoticeMessage) {
		if _, ok := joinRejectNotices[m.MsgID]; ok {
			select {
			case rejected <- fmt.Errorf("%w: %s", ErrJoinRejected, m.Message):
			default:
			}
		}
	})
	client.OnPrivateMessage(func(m twitch.PrivateMessage) {
		deliver(fromPrivateMessage(m))
		if m.Bits > 0 {
			deliver(cheerEvent(m))
		}
	})
	client.OnUserNoticeMessage(func(m twitch.UserNoticeMessage) {
		if ev, ok := fromUserNotice(m); ok {
			deliver(ev)
		}
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- client.Connect()
	}()

	select {
	case <-ctx.Done():
		_ = client.Disconnect()
		<-errCh
		return ctx.Err()
	case err := <-rejected:
		_ = client.Disconnect()
		<-errCh
		return err
	case err := <-errCh:
		return err
	}
}

func fromPrivateMessage(m twitch.PrivateMessage) ChatEvent {
	name := m.User.DisplayName
	if name == "" {
		name = m.User.Name
	}
	return ChatEvent{
		MessageID:   m.ID,
		ViewerID:    m.User.ID,
		ViewerName:  name,
		RawText:     m.Message,
		Broadcaster: m.User.Badges["broadcaster"] > 0,
	}
}

// cheerEvent reports the bits attached to a chat line as a gift.
func cheerEvent(m twitch.PrivateMessage) ChatEvent {
	ev := fromPrivateMessage(m)
	ev.MessageID = m.ID + ":bits"
	ev.Kind = EventGift
	ev.RawText = ""
	ev.Count = 1
	ev.Value = m.Bits
	return ev
}

// fromUserNotice maps subscription and raid notices. Other notices are ignored.
func fromUserNotice(m twitch.UserNoticeMessage) (ChatEvent, bool) {
	name := m.User.DisplayName
	if name == "" {
		name = m.User.Name
	}
	ev := ChatEvent{MessageID: m.ID, ViewerID: m.User.ID, ViewerName: name, RawText: m.Message, Count: 1}
	switch m.MsgID {
	case "sub", "resub", "subgift":
		ev.Kind = EventSubscription
	case "submysterygift":
		ev.Kind = EventSubscription
		ev.Count = noticeParam(m, "msg-param-mass-gift-count", 1)
	case "raid":
		ev.Kind = EventRaid
		ev.Count = noticeParam(m, "msg-param-viewerCount", 0)
	default:
		return ChatEvent{}, false
	}
	return ev, true
}

func noticeParam(m twitch.UserNoticeMessage, key string, def int) int {
	n, err := strconv.Atoi(m.MsgParams[key])
	if err != nil {
		return def
	}
	return n
}
