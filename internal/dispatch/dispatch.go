// Package dispatch connects inbound channel envelopes to the Host
// runtime. The coordinator admits each message through the account
// policy, resolves the agent route, records the session anchor, wraps
// the body into the agent envelope and streams reply blocks back out
// through the owning adapter.
package dispatch

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/wendell1224/openclaw-china/internal/channels"
	"github.com/wendell1224/openclaw-china/internal/host"
	"github.com/wendell1224/openclaw-china/internal/policy"
)

// AccountSettings is the per-account slice of config the coordinator
// needs at dispatch time.
type AccountSettings struct {
	Policy       policy.Policy
	ChunkLimit   int
	ChannelLabel string
}

// SettingsFunc resolves dispatch settings for one account. Returning
// false drops the message (account vanished between receive and
// dispatch, typically during a reload).
type SettingsFunc func(channel channels.ChannelType, accountID string) (AccountSettings, bool)

// Streamer replaces plain chunked text delivery for channels with a
// native streaming surface (DingTalk AI cards). Deliver receives every
// block; Finish is called exactly once when the dispatch ends.
type Streamer interface {
	Deliver(ctx context.Context, kind host.BlockKind, text string) error
	Finish(ctx context.Context, dispatchErr error) error
}

// StreamerOpener opens a streamer for one inbound message. Returning
// false falls back to chunked text.
type StreamerOpener func(ctx context.Context, env *channels.InboundEnvelope) (Streamer, bool)

// Sender is the outbound slice of the adapter registry.
type Sender interface {
	SendText(ctx context.Context, chanType channels.ChannelType, accountID string, req *channels.TextRequest) (*channels.SendResult, error)
}

// Coordinator implements channels.MessageHandler.
type Coordinator struct {
	host      host.Runtime
	sender    Sender
	settings  SettingsFunc
	streamers map[channels.ChannelType]StreamerOpener
	log       zerolog.Logger
}

// NewCoordinator builds a coordinator over the Host runtime port.
func NewCoordinator(rt host.Runtime, sender Sender, settings SettingsFunc, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		host:      rt,
		sender:    sender,
		settings:  settings,
		streamers: make(map[channels.ChannelType]StreamerOpener),
		log:       log.With().Str("component", "dispatch").Logger(),
	}
}

// RegisterStreamer installs a streaming delivery opener for one channel.
func (c *Coordinator) RegisterStreamer(chanType channels.ChannelType, opener StreamerOpener) {
	c.streamers[chanType] = opener
}

// HandleIncoming runs one inbound envelope through the full pipeline.
func (c *Coordinator) HandleIncoming(ctx context.Context, env *channels.InboundEnvelope) error {
	log := c.log.With().
		Str("channel", string(env.Channel)).
		Str("account", env.AccountID).
		Str("peer", env.PeerID).
		Logger()

	settings, ok := c.settings(env.Channel, env.AccountID)
	if !ok {
		log.Warn().Msg("no settings for account, dropping message")
		return nil
	}

	decision := policy.Evaluate(settings.Policy, policy.Request{
		ChatType:     string(env.ChatType),
		SenderID:     env.SenderID,
		PeerID:       env.PeerID,
		WasMentioned: env.WasMentioned,
	})
	if !decision.Allowed {
		log.Debug().Str("reason", decision.Reason).Msg("message rejected by policy")
		return nil
	}

	route, err := c.host.Router.ResolveRoute(ctx, host.RouteRequest{
		Channel:   string(env.Channel),
		AccountID: env.AccountID,
		Peer:      env.PeerID,
		ChatType:  string(env.ChatType),
	})
	if err != nil {
		return fmt.Errorf("resolve route: %w", err)
	}

	anchor := host.Anchor{
		SessionKey: route.SessionKey,
		Channel:    string(env.Channel),
		AccountID:  env.AccountID,
		To:         env.PeerID,
	}
	if err := c.host.Sessions.RecordInbound(ctx, anchor); err != nil {
		// Replies for this message still work; only Host-initiated
		// sends lose their routing hint.
		log.Warn().Err(err).Msg("record session anchor failed")
	}

	previous, _ := c.host.Sessions.ReadUpdatedAt(route.SessionKey)
	from := env.SenderName
	if from == "" {
		from = env.SenderID
	}
	body := c.host.Formatter.FormatEnvelope(env.Body, host.EnvelopeOptions{
		ChannelLabel: settings.ChannelLabel,
		From:         from,
		Previous:     previous,
	})

	deliver, finish := c.delivery(ctx, env, settings, log)
	dispatchErr := c.host.Reply.Dispatch(ctx, route, body, deliver)
	if finish != nil {
		if err := finish(ctx, dispatchErr); err != nil {
			log.Error().Err(err).Msg("finish streamed delivery failed")
		}
	}
	c.host.Reply.MarkIdle(route.SessionKey)
	if dispatchErr != nil {
		return fmt.Errorf("dispatch: %w", dispatchErr)
	}
	return nil
}

// delivery picks the block sink for this message: a channel streamer
// when one opens, otherwise chunked text through the adapter.
func (c *Coordinator) delivery(ctx context.Context, env *channels.InboundEnvelope, settings AccountSettings, log zerolog.Logger) (host.DeliverFunc, func(context.Context, error) error) {
	if opener, ok := c.streamers[env.Channel]; ok {
		if streamer, ok := opener(ctx, env); ok {
			return streamer.Deliver, streamer.Finish
		}
	}

	deliver := func(ctx context.Context, kind host.BlockKind, text string) error {
		if kind == host.BlockTyping || text == "" {
			return nil
		}
		converted := c.host.Text.ConvertTables(text, "")
		for _, chunk := range c.host.Text.ChunkMarkdown(converted, settings.ChunkLimit) {
			_, err := c.sender.SendText(ctx, env.Channel, env.AccountID, &channels.TextRequest{
				To:         env.PeerID,
				ChatType:   env.ChatType,
				Text:       chunk,
				ReplyTo:    env.MessageID,
				MessageSid: env.MessageSid,
			})
			if err != nil {
				// Send failures never interrupt the reply stream.
				log.Error().Err(err).Str("kind", string(kind)).Msg("send reply block failed")
				return nil
			}
		}
		return nil
	}
	return deliver, nil
}
