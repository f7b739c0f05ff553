// Package host declares the runtime port the channel core consumes: the
// agent router, the reply dispatcher, the session store and the text
// tools. The real implementations live in the Host process; this package
// holds the contracts plus the file-backed session anchor store.
package host

import (
	"context"
	"time"
)

// RouteRequest asks the router where an inbound message should go.
type RouteRequest struct {
	Channel   string
	AccountID string
	Peer      string
	ChatType  string
}

// Route is the resolved agent destination for one conversation.
type Route struct {
	SessionKey     string
	AccountID      string
	AgentID        string
	MainSessionKey string
}

// Router resolves inbound messages to agent sessions.
type Router interface {
	ResolveRoute(ctx context.Context, req RouteRequest) (Route, error)
}

// BlockKind labels one streamed reply block.
type BlockKind string

const (
	BlockTyping  BlockKind = "typing"
	BlockInterim BlockKind = "interim"
	BlockFinal   BlockKind = "final"
)

// DeliverFunc sends one reply block to the user's channel. The channel
// core supplies it; send errors are logged per kind and never interrupt
// the stream.
type DeliverFunc func(ctx context.Context, kind BlockKind, text string) error

// Dispatcher is the buffered block reply dispatcher.
type Dispatcher interface {
	// Dispatch runs the agent for one inbound body and streams reply
	// blocks through deliver.
	Dispatch(ctx context.Context, route Route, body string, deliver DeliverFunc) error
	// MarkIdle signals that the conversation finished dispatching.
	MarkIdle(sessionKey string)
}

// EnvelopeOptions parameterize the agent-facing message wrapper.
type EnvelopeOptions struct {
	ChannelLabel string
	From         string
	Previous     time.Time
}

// Formatter wraps raw inbound text into the agent-facing envelope.
type Formatter interface {
	FormatEnvelope(body string, opts EnvelopeOptions) string
}

// Sessions persists conversation metadata.
type Sessions interface {
	ReadUpdatedAt(sessionKey string) (time.Time, error)
	// RecordInbound stores the outbound routing anchor so
	// Host-initiated replies route back to the last peer.
	RecordInbound(ctx context.Context, anchor Anchor) error
}

// TextTools is the Host's markdown tooling surface.
type TextTools interface {
	ChunkMarkdown(text string, limit int) []string
	ConvertTables(text string, mode string) string
}

// Runtime bundles the full port.
type Runtime struct {
	Router    Router
	Reply     Dispatcher
	Formatter Formatter
	Sessions  Sessions
	Text      TextTools
}
