package domain

import (
	"context"
	"errors"
)

// ConnState is the shared adapter connection state machine.
type ConnState string

const (
	StateUnconfigured ConnState = "unconfigured" // credentials absent or unreadable
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateDisconnected ConnState = "disconnected"
)

var (
	// ErrNotConnected is returned by Send when the adapter is not connected.
	// It is synchronous; no network call is attempted.
	ErrNotConnected = errors.New("channel not connected")

	// ErrNotConfigured marks a send on an adapter with no credentials.
	ErrNotConfigured = errors.New("channel not configured")

	// ErrAuthFailed marks a terminal authentication failure (revoked token,
	// logged-out device). The adapter will not retry; a human must
	// re-authenticate through the configure flow.
	ErrAuthFailed = errors.New("channel authentication failed")
)

// Sink receives an adapter's events. Callbacks run on the adapter's own
// connection goroutine; implementations must marshal onto their own dispatch
// path rather than block.
type Sink interface {
	OnMessage(msg InboundMessage)
	OnConnected(channelID string)
	OnDisconnected(channelID string, reason string)
	OnError(channelID string, err error)
	// OnPairing surfaces a pairing code/QR payload for the caller to display
	// (device-paired networks only).
	OnPairing(channelID string, code string)
}

// Adapter is the uniform contract every network client satisfies.
type Adapter interface {
	// Name returns the stable channel id (e.g. "telegram", "matrix").
	Name() string

	// DefaultDomain is the domain stamped on inbound messages before routing.
	DefaultDomain() ChannelDomain

	// Connect is idempotent. Missing credentials are an expected steady
	// state: the adapter logs a warning, remains unconfigured, and returns
	// nil. The adapter does not self-retry credential absence.
	Connect(ctx context.Context) error

	// Disconnect always succeeds, releases the transport, and guarantees no
	// further message/connected events are emitted afterward.
	Disconnect() error

	// Send delivers one outbound message. It fails synchronously with
	// ErrNotConnected when the adapter is not connected.
	Send(ctx context.Context, msg OutboundMessage) error

	IsConnected() bool
	State() ConnState
}
