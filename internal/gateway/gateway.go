// Package gateway assembles the running service: the shared webhook
// server, the media and token services, the channel lifecycle manager,
// the dispatch coordinator bridged to the Host runtime, and a small
// admin API for status and Host-initiated sends.
package gateway

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/wendell1224/openclaw-china/extensions/dingtalk"
	"github.com/wendell1224/openclaw-china/extensions/feishu"
	"github.com/wendell1224/openclaw-china/extensions/qq"
	"github.com/wendell1224/openclaw-china/extensions/wecom"
	"github.com/wendell1224/openclaw-china/extensions/wecomapp"
	"github.com/wendell1224/openclaw-china/internal/channels"
	"github.com/wendell1224/openclaw-china/internal/config"
	"github.com/wendell1224/openclaw-china/internal/dispatch"
	"github.com/wendell1224/openclaw-china/internal/host"
	"github.com/wendell1224/openclaw-china/internal/media"
	"github.com/wendell1224/openclaw-china/internal/tokencache"
	"github.com/wendell1224/openclaw-china/internal/webhook"
)

// Gateway is the assembled service.
type Gateway struct {
	log     zerolog.Logger
	viper   *viper.Viper
	webhook *webhook.Server
	manager *channels.Manager
	coord   *dispatch.Coordinator
	media   *media.Service
	anchors *host.AnchorStore
	cron    *cron.Cron
	admin   *adminServer

	mu  sync.RWMutex
	cfg *config.Config
}

// senderFunc adapts a closure to the coordinator's Sender port.
type senderFunc func(ctx context.Context, chanType channels.ChannelType, accountID string, req *channels.TextRequest) (*channels.SendResult, error)

func (f senderFunc) SendText(ctx context.Context, chanType channels.ChannelType, accountID string, req *channels.TextRequest) (*channels.SendResult, error) {
	return f(ctx, chanType, accountID, req)
}

// New wires the gateway. v may be nil, in which case config hot reload
// is disabled (tests).
func New(cfg *config.Config, v *viper.Viper, log zerolog.Logger) (*Gateway, error) {
	stateDir := config.StateDir()

	mediaRoot := cfg.Media.Root
	if mediaRoot == "" {
		mediaRoot = filepath.Join(stateDir, "media")
	}
	mediaSvc := &media.Service{
		TempRoot:    filepath.Join(mediaRoot, "tmp"),
		InboundRoot: filepath.Join(mediaRoot, "inbound"),
		MaxBytes:    cfg.Media.MaxBytes,
		KeepDays:    cfg.Media.KeepDays,
		Client:      resty.New(),
		Log:         log.With().Str("component", "media").Logger(),
	}

	anchors := host.NewAnchorStore(filepath.Join(stateDir, "anchors.json"))
	runtime := buildRuntime(cfg, anchors, log)
	hook := webhook.New(log.With().Str("component", "webhook").Logger())

	g := &Gateway{
		log:     log,
		viper:   v,
		webhook: hook,
		media:   mediaSvc,
		anchors: anchors,
		cfg:     cfg,
		cron:    cron.New(),
	}

	deps := channels.Deps{
		Log:     log,
		Media:   mediaSvc,
		Tokens:  tokencache.New(),
		Webhook: hook,
	}

	factory := channels.NewFactory()
	factory.RegisterBuilder(channels.ChannelDingTalk, dingtalk.Builder)
	factory.RegisterBuilder(channels.ChannelFeishu, feishu.Builder)
	factory.RegisterBuilder(channels.ChannelWeCom, wecom.Builder)
	factory.RegisterBuilder(channels.ChannelWeComApp, wecomapp.Builder)
	factory.RegisterBuilder(channels.ChannelQQ, qq.Builder)

	g.coord = dispatch.NewCoordinator(runtime, senderFunc(g.sendText), g.accountSettings, log)
	registry := channels.NewRegistry(&log, g.coord)
	g.manager = channels.NewManager(registry, factory, deps, log)
	g.coord.RegisterStreamer(channels.ChannelDingTalk, dingtalk.CardOpener(registry))

	g.admin = newAdminServer(g, log)
	return g, nil
}

// buildRuntime picks the Host binding: the HTTP bridge when a base URL
// is configured, the built-in single-agent defaults otherwise.
func buildRuntime(cfg *config.Config, anchors *host.AnchorStore, log zerolog.Logger) host.Runtime {
	rt := host.Runtime{
		Formatter: host.EnvelopeFormatter{},
		Sessions:  anchors,
		Text:      host.MarkdownTools{},
	}
	if cfg.Host.BaseURL != "" {
		bridge := host.NewBridge(cfg.Host.BaseURL, cfg.Host.Token, log)
		rt.Router = bridge
		rt.Reply = bridge
		return rt
	}
	rt.Router = host.StaticRouter{AgentID: cfg.Host.AgentID}
	rt.Reply = host.NoHostDispatcher{Log: log}
	return rt
}

// Config returns the currently active configuration.
func (g *Gateway) Config() *config.Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg
}

func (g *Gateway) setConfig(cfg *config.Config) {
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
}

// Registry exposes the adapter registry for status and sends.
func (g *Gateway) Registry() *channels.Registry { return g.manager.Registry() }

func (g *Gateway) sendText(ctx context.Context, chanType channels.ChannelType, accountID string, req *channels.TextRequest) (*channels.SendResult, error) {
	return g.Registry().SendText(ctx, chanType, accountID, req)
}

// accountSettings is the coordinator's per-account settings source. It
// reads the live config so reloads take effect without a restart.
func (g *Gateway) accountSettings(chanType channels.ChannelType, accountID string) (dispatch.AccountSettings, bool) {
	cfg := g.Config()
	switch chanType {
	case channels.ChannelDingTalk:
		a, err := cfg.ResolveDingTalk(accountID)
		if err != nil {
			return dispatch.AccountSettings{}, false
		}
		return dispatch.AccountSettings{Policy: a.Policy, ChunkLimit: a.TextChunkLimit, ChannelLabel: a.Name}, true
	case channels.ChannelFeishu:
		a, err := cfg.ResolveFeishu(accountID)
		if err != nil {
			return dispatch.AccountSettings{}, false
		}
		return dispatch.AccountSettings{Policy: a.Policy, ChunkLimit: a.TextChunkLimit, ChannelLabel: a.Name}, true
	case channels.ChannelWeCom:
		a, err := cfg.ResolveWeCom(accountID)
		if err != nil {
			return dispatch.AccountSettings{}, false
		}
		return dispatch.AccountSettings{Policy: a.Policy, ChunkLimit: a.TextChunkLimit, ChannelLabel: a.Name}, true
	case channels.ChannelWeComApp:
		a, err := cfg.ResolveWeComApp(accountID)
		if err != nil {
			return dispatch.AccountSettings{}, false
		}
		return dispatch.AccountSettings{Policy: a.Policy, ChunkLimit: a.TextChunkLimit, ChannelLabel: a.Name}, true
	case channels.ChannelQQ:
		a, err := cfg.ResolveQQ(accountID)
		if err != nil {
			return dispatch.AccountSettings{}, false
		}
		return dispatch.AccountSettings{Policy: a.Policy, ChunkLimit: a.TextChunkLimit, ChannelLabel: a.Name}, true
	}
	return dispatch.AccountSettings{}, false
}

// Run starts the listeners, applies the configuration and blocks until
// the context ends, then shuts everything down.
func (g *Gateway) Run(ctx context.Context) error {
	cfg := g.Config()

	webhookAddr := fmt.Sprintf("%s:%d", cfg.Gateway.WebhookBind, cfg.Gateway.WebhookPort)
	go func() {
		if err := g.webhook.Start(webhookAddr); err != nil {
			g.log.Error().Err(err).Msg("webhook server failed")
		}
	}()

	adminAddr := fmt.Sprintf("%s:%d", cfg.Gateway.Bind, cfg.Gateway.Port)
	go func() {
		if err := g.admin.Start(adminAddr); err != nil {
			g.log.Error().Err(err).Msg("admin server failed")
		}
	}()

	g.manager.Apply(ctx, cfg)

	// Inbound media kept on disk ages out once a day, off-peak.
	if _, err := g.cron.AddFunc("0 2 * * *", func() {
		if err := g.media.Prune(time.Now()); err != nil {
			g.log.Warn().Err(err).Msg("media prune failed")
		}
	}); err != nil {
		return fmt.Errorf("gateway: schedule prune: %w", err)
	}
	g.cron.Start()

	if g.viper != nil {
		config.Watch(g.viper,
			func(next *config.Config) {
				g.log.Info().Msg("configuration changed, reconciling accounts")
				g.setConfig(next)
				g.manager.Apply(ctx, next)
			},
			func(err error) {
				g.log.Error().Err(err).Msg("config reload rejected, keeping previous")
			})
	}

	g.log.Info().
		Str("webhook", webhookAddr).
		Str("admin", adminAddr).
		Msg("gateway running")
	<-ctx.Done()
	return g.shutdown()
}

func (g *Gateway) shutdown() error {
	g.log.Info().Msg("gateway shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	g.cron.Stop()
	if err := g.manager.Shutdown(ctx); err != nil {
		g.log.Error().Err(err).Msg("adapter shutdown incomplete")
	}
	if err := g.admin.Shutdown(ctx); err != nil {
		g.log.Error().Err(err).Msg("admin server shutdown failed")
	}
	return g.webhook.Shutdown(ctx)
}
