package host

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/wendell1224/openclaw-china/internal/markdown"
)

// NoHostDispatcher drops every turn with a warning. Used when no Host
// base URL is configured, which keeps webhook verification and status
// probing usable before the agent runtime is attached.
type NoHostDispatcher struct {
	Log zerolog.Logger
}

func (d NoHostDispatcher) Dispatch(ctx context.Context, route Route, body string, deliver DeliverFunc) error {
	d.Log.Warn().Str("session", route.SessionKey).Msg("no host runtime configured, dropping turn")
	return nil
}

func (d NoHostDispatcher) MarkIdle(sessionKey string) {}

// StaticRouter maps every conversation of an account onto one agent.
// It is the built-in router used when no external Host is bridged.
type StaticRouter struct {
	AgentID string
}

func (r StaticRouter) ResolveRoute(ctx context.Context, req RouteRequest) (Route, error) {
	agent := r.AgentID
	if agent == "" {
		agent = "main"
	}
	key := fmt.Sprintf("agent:%s:%s:%s:%s", agent, req.Channel, req.AccountID, req.Peer)
	return Route{
		SessionKey:     key,
		AccountID:      req.AccountID,
		AgentID:        agent,
		MainSessionKey: "agent:" + agent + ":main",
	}, nil
}

// EnvelopeFormatter produces the agent-facing message wrapper:
//
//	[Feishu] 小王: 帮我写周报
//
// with a staleness note when the conversation has been quiet.
type EnvelopeFormatter struct {
	// StaleAfter controls when the elapsed-time note appears.
	// Zero means one hour.
	StaleAfter time.Duration
	Now        func() time.Time
}

func (f EnvelopeFormatter) FormatEnvelope(body string, opts EnvelopeOptions) string {
	head := ""
	if opts.ChannelLabel != "" && opts.From != "" {
		head = "[" + opts.ChannelLabel + "] " + opts.From + ": "
	} else if opts.From != "" {
		head = opts.From + ": "
	}

	stale := f.StaleAfter
	if stale == 0 {
		stale = time.Hour
	}
	now := time.Now()
	if f.Now != nil {
		now = f.Now()
	}
	if !opts.Previous.IsZero() {
		if gap := now.Sub(opts.Previous); gap >= stale {
			head = fmt.Sprintf("(resuming after %s) ", gap.Round(time.Minute)) + head
		}
	}
	return head + body
}

// MarkdownTools backs the TextTools port with the local markdown
// package.
type MarkdownTools struct {
	// DefaultTables applies when the caller passes no mode.
	DefaultTables markdown.TableMode
}

func (t MarkdownTools) ChunkMarkdown(text string, limit int) []string {
	return markdown.Chunk(text, limit)
}

func (t MarkdownTools) ConvertTables(text string, mode string) string {
	m := markdown.TableMode(mode)
	if m == "" {
		m = t.DefaultTables
	}
	if m == "" {
		m = markdown.TableBullets
	}
	return markdown.ConvertTables(text, m)
}
