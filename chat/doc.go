// Package chat contains the live chat ingestion client.
//
// A Client owns one connection to a chat room through a Transport and turns it
// into a stream of ChatEvent values:
//   - TwitchTransport speaks Twitch IRC via go-twitch-irc.
//   - WebSocketTransport speaks a small JSON protocol to a chat relay, used for
//     platforms that are bridged rather than spoken to directly.
//
// After the first successful join the client reconnects forever with capped,
// fully jittered exponential backoff until Stop is called. Duplicate frames are
// dropped before emission, and a full output buffer drops (and counts) events
// instead of stalling the transport.
//
// The process-wide connection status read by the dashboard lives in this package
// as a single atomically replaced value; see CurrentStatus.
package chat
