package channels

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Adapter is the interface every channel account implementation
// satisfies. One adapter instance serves exactly one account; the
// registry keys adapters by (channel, accountId).
type Adapter interface {
	// Metadata
	ID() string // composite "channel/accountId"
	Name() string
	Type() ChannelType
	AccountID() string
	Capabilities() *Capabilities

	// Lifecycle
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool
	Probe(ctx context.Context) (*ProbeResult, error)

	// Outbound
	SendText(ctx context.Context, req *TextRequest) (*SendResult, error)
	SendMedia(ctx context.Context, req *MediaRequest) (*SendResult, error)

	// State
	State() RuntimeState
	SetHandler(handler MessageHandler)
}

// BaseAdapter provides the shared bookkeeping for adapters. Embedding
// types implement Start/Stop/Probe/SendText/SendMedia.
type BaseAdapter struct {
	id           string
	name         string
	chanType     ChannelType
	accountID    string
	capabilities *Capabilities
	logger       zerolog.Logger

	mu      sync.RWMutex
	handler MessageHandler
	state   RuntimeState
}

// NewBaseAdapter creates the shared part of an adapter. The logger is
// tagged with the channel and account so every line is attributable.
func NewBaseAdapter(chanType ChannelType, accountID, name string, caps *Capabilities, logger zerolog.Logger) *BaseAdapter {
	return &BaseAdapter{
		id:           string(chanType) + "/" + accountID,
		name:         name,
		chanType:     chanType,
		accountID:    accountID,
		capabilities: caps,
		logger: logger.With().
			Str("channel", string(chanType)).
			Str("account", accountID).
			Logger(),
	}
}

func (a *BaseAdapter) ID() string                  { return a.id }
func (a *BaseAdapter) Name() string                { return a.name }
func (a *BaseAdapter) Type() ChannelType           { return a.chanType }
func (a *BaseAdapter) AccountID() string           { return a.accountID }
func (a *BaseAdapter) Capabilities() *Capabilities { return a.capabilities }

// Logger returns a pointer to the logger for calling pointer receiver methods.
func (a *BaseAdapter) Logger() *zerolog.Logger { return &a.logger }

func (a *BaseAdapter) SetHandler(handler MessageHandler) {
	a.mu.Lock()
	a.handler = handler
	a.mu.Unlock()
}

func (a *BaseAdapter) Handler() MessageHandler {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.handler
}

func (a *BaseAdapter) IsRunning() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state.Running
}

func (a *BaseAdapter) State() RuntimeState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// SetRunning flips the running flag and stamps the transition time.
func (a *BaseAdapter) SetRunning(running bool, mode string) {
	now := time.Now()
	a.mu.Lock()
	a.state.Running = running
	if running {
		a.state.Mode = mode
		a.state.LastStartAt = &now
		a.state.LastError = ""
	} else {
		a.state.LastStopAt = &now
	}
	a.mu.Unlock()
}

// MarkInbound counts one received message.
func (a *BaseAdapter) MarkInbound() {
	now := time.Now()
	a.mu.Lock()
	a.state.LastInboundAt = &now
	a.state.MessageCount++
	a.mu.Unlock()
}

// MarkOutbound stamps the last successful send.
func (a *BaseAdapter) MarkOutbound() {
	now := time.Now()
	a.mu.Lock()
	a.state.LastOutboundAt = &now
	a.mu.Unlock()
}

// SetLastError records a transport or send failure for status output.
func (a *BaseAdapter) SetLastError(err error) {
	a.mu.Lock()
	if err != nil {
		a.state.LastError = err.Error()
	} else {
		a.state.LastError = ""
	}
	a.mu.Unlock()
}

// Deliver hands a normalized envelope to the handler and updates state.
// Adapters call this from their ingress goroutines.
func (a *BaseAdapter) Deliver(ctx context.Context, env *InboundEnvelope) error {
	h := a.Handler()
	if h == nil {
		a.logger.Warn().Str("messageId", env.MessageID).Msg("no handler set, dropping message")
		return nil
	}
	a.MarkInbound()
	return h.HandleIncoming(ctx, env)
}
