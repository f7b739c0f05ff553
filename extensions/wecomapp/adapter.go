// Package wecomapp implements the WeCom self-built app channel adapter.
// Inbound XML callbacks are handled by the go-workwx HTTP handler;
// outbound messages use the corp access token against the message/send
// and media APIs, so the app can reach users at any time.
package wecomapp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/labstack/echo/v4"
	"github.com/xen0n/go-workwx"

	"github.com/wendell1224/openclaw-china/internal/channels"
	"github.com/wendell1224/openclaw-china/internal/config"
	"github.com/wendell1224/openclaw-china/internal/media"
	"github.com/wendell1224/openclaw-china/internal/tokencache"
	"github.com/wendell1224/openclaw-china/internal/transcode"
)

const apiBase = "https://qyapi.weixin.qq.com"

// webhookRegistrar is the slice of the webhook server the adapter uses.
type webhookRegistrar interface {
	Register(path string, h echo.HandlerFunc) error
	Unregister(path string)
}

// Adapter is one WeCom self-built app account.
type Adapter struct {
	*channels.BaseAdapter

	cfg    config.ResolvedWeComApp
	tokens *tokencache.Cache
	media  *media.Service
	server webhookRegistrar
	api    *resty.Client
	base   string

	mu sync.Mutex
	rx http.Handler
}

// Builder creates WeCom app adapters for the factory.
func Builder(deps channels.Deps, cfg *config.Config, accountID string) (channels.Adapter, error) {
	resolved, err := cfg.ResolveWeComApp(accountID)
	if err != nil {
		return nil, err
	}
	if deps.Webhook == nil {
		return nil, fmt.Errorf("wecom-app: webhook server required")
	}
	return New(resolved, deps, deps.Webhook), nil
}

// New creates an adapter for one resolved account.
func New(cfg config.ResolvedWeComApp, deps channels.Deps, server webhookRegistrar) *Adapter {
	caps := &channels.Capabilities{
		ChatTypes:  []channels.ChatType{channels.ChatTypeDirect},
		Media:      true,
		Reply:      true,
		ActiveSend: cfg.CanSendActive(),
		Markdown:   true,
	}
	return &Adapter{
		BaseAdapter: channels.NewBaseAdapter(channels.ChannelWeComApp, cfg.AccountID, cfg.Name, caps, deps.Log),
		cfg:         cfg,
		tokens:      deps.Tokens,
		media:       deps.Media,
		server:      server,
		api:         resty.New().SetBaseURL(apiBase),
		base:        apiBase,
	}
}

func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.IsRunning() {
		return nil
	}

	// Receiving needs the callback credentials; an app configured only
	// for active sending still starts.
	if a.cfg.Token != "" && a.cfg.EncodingAESKey != "" {
		rx, err := workwx.NewHTTPHandler(a.cfg.Token, a.cfg.EncodingAESKey, a)
		if err != nil {
			return fmt.Errorf("wecom-app: callback handler: %w", err)
		}
		a.rx = rx
		if err := a.server.Register(a.cfg.WebhookPath, echo.WrapHandler(rx)); err != nil {
			return fmt.Errorf("wecom-app: register webhook: %w", err)
		}
	} else {
		a.Logger().Warn().Msg("token or encodingAesKey missing, callbacks disabled")
	}

	a.SetRunning(true, "webhook")
	a.Logger().Info().Str("path", a.cfg.WebhookPath).Int64("agentId", a.cfg.AgentID).Msg("wecom-app adapter started")
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.IsRunning() {
		return nil
	}
	if a.rx != nil {
		a.server.Unregister(a.cfg.WebhookPath)
		a.rx = nil
	}
	a.SetRunning(false, "")
	a.Logger().Info().Msg("wecom-app adapter stopped")
	return nil
}

// Probe fetches an access token to verify the corp credentials.
func (a *Adapter) Probe(ctx context.Context) (*channels.ProbeResult, error) {
	start := time.Now()
	if _, err := a.accessToken(ctx); err != nil {
		return &channels.ProbeResult{Error: err.Error()}, nil
	}
	return &channels.ProbeResult{OK: true, LatencyMs: time.Since(start).Milliseconds()}, nil
}

// OnIncomingMessage implements workwx.RxMessageHandler. The platform
// redelivers callbacks not acked within 5 seconds, so processing moves
// off the request goroutine immediately.
func (a *Adapter) OnIncomingMessage(msg *workwx.RxMessage) error {
	go a.process(msg)
	return nil
}

func (a *Adapter) process(msg *workwx.RxMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	env := &channels.InboundEnvelope{
		MessageID: fmt.Sprintf("%d", msg.MsgID),
		Timestamp: msg.SendTime.Unix(),
		Channel:   channels.ChannelWeComApp,
		AccountID: a.AccountID(),
		ChatType:  channels.ChatTypeDirect,
		SenderID:  msg.FromUserID,
		PeerID:    msg.FromUserID,
	}

	switch msg.MsgType {
	case workwx.MessageTypeText:
		extras, ok := msg.Text()
		if !ok {
			return
		}
		env.Body = strings.TrimSpace(extras.GetContent())
		if env.Body == "" {
			return
		}
	case workwx.MessageTypeImage:
		extras, ok := msg.Image()
		if !ok {
			return
		}
		env.Body = "[图片]"
		if att := a.fetchInbound(ctx, "image", extras.GetPicURL(), ""); att != nil {
			env.Attachments = append(env.Attachments, *att)
			env.Body = media.Ref(media.KindImage, att.LocalPath)
		}
	case workwx.MessageTypeVoice:
		extras, ok := msg.Voice()
		if !ok {
			return
		}
		env.Body = "[语音]"
		if att := a.fetchInboundMedia(ctx, "voice", extras.GetMediaID(), "voice."+extras.GetFormat()); att != nil {
			env.Attachments = append(env.Attachments, *att)
			env.Body = media.Ref(media.KindVoice, att.LocalPath)
		}
	default:
		a.Logger().Debug().Str("msgtype", string(msg.MsgType)).Msg("ignoring unsupported message type")
		return
	}

	if err := a.Deliver(ctx, env); err != nil {
		a.Logger().Error().Err(err).Str("messageId", env.MessageID).Msg("handle inbound failed")
	}
}

// fetchInbound downloads callback media by URL and archives it.
func (a *Adapter) fetchInbound(ctx context.Context, kind, url, filename string) *channels.Attachment {
	if !a.cfg.InboundMedia.Enabled || a.media == nil || url == "" {
		return nil
	}
	path, _, err := a.media.Download(ctx, media.DownloadRequest{
		URL:      url,
		Prefix:   "wecom-app",
		Filename: filename,
	})
	if err != nil {
		a.Logger().Warn().Err(err).Str("kind", kind).Msg("inbound media download failed")
		return nil
	}
	if archived, err := a.media.Archive(path); err == nil {
		path = archived
	}
	return &channels.Attachment{Kind: kind, Source: url, LocalPath: path}
}

// fetchInboundMedia downloads callback media through the media/get API.
func (a *Adapter) fetchInboundMedia(ctx context.Context, kind, mediaID, filename string) *channels.Attachment {
	if !a.cfg.InboundMedia.Enabled || a.media == nil || mediaID == "" {
		return nil
	}
	token, err := a.accessToken(ctx)
	if err != nil {
		a.Logger().Warn().Err(err).Msg("inbound media token fetch failed")
		return nil
	}
	url := fmt.Sprintf("%s/cgi-bin/media/get?access_token=%s&media_id=%s", a.base, token, mediaID)
	att := a.fetchInbound(ctx, kind, url, filename)
	if att != nil {
		att.Source = mediaID
	}
	return att
}

// SendText sends markdown or plain text through message/send.
func (a *Adapter) SendText(ctx context.Context, req *channels.TextRequest) (*channels.SendResult, error) {
	msgType, payload := "text", map[string]any{"content": req.Text}
	if looksLikeMarkdown(req.Text) {
		msgType = "markdown"
	}
	if err := a.sendMessage(ctx, req.To, msgType, payload); err != nil {
		a.SetLastError(err)
		return &channels.SendResult{Error: err.Error()}, err
	}
	a.MarkOutbound()
	return &channels.SendResult{Success: true}, nil
}

// SendMedia uploads the file as temporary media and sends it with the
// matching message type. Audio that needs transcoding is converted to
// AMR first; without ffmpeg it degrades to a file message.
func (a *Adapter) SendMedia(ctx context.Context, req *channels.MediaRequest) (*channels.SendResult, error) {
	path := req.Path
	if path == "" && req.URL != "" {
		var err error
		path, _, err = a.media.Download(ctx, media.DownloadRequest{
			URL:      req.URL,
			Prefix:   "outbound",
			Filename: req.Name,
		})
		if err != nil {
			return &channels.SendResult{Error: err.Error()}, err
		}
	}
	if path == "" {
		err := errors.New("wecom-app: media request without path or url")
		return &channels.SendResult{Error: err.Error()}, err
	}

	kind := media.Classify(firstNonEmpty(req.Name, path), "", a.cfg.VoiceTranscode.Enabled)
	if kind == media.KindVoice && needsTranscode(path) {
		converted, err := toAMR(ctx, path)
		switch {
		case err == nil:
			defer os.Remove(converted)
			path = converted
		case errors.Is(err, transcode.ErrFFmpegMissing):
			a.Logger().Warn().Msg("ffmpeg not available, sending voice as file")
			kind = media.KindFile
		default:
			return &channels.SendResult{Error: err.Error()}, err
		}
	}

	token, err := a.accessToken(ctx)
	if err != nil {
		return &channels.SendResult{Error: err.Error()}, err
	}
	mediaID, err := a.media.Upload(ctx, media.UploadRequest{
		URL:      a.base + "/cgi-bin/media/upload",
		Token:    token,
		FilePath: path,
		Query:    map[string]string{"type": string(kind)},
	})
	if err != nil {
		a.SetLastError(err)
		return &channels.SendResult{Error: err.Error()}, err
	}

	if err := a.sendMessage(ctx, req.To, string(kind), map[string]any{"media_id": mediaID}); err != nil {
		a.SetLastError(err)
		return &channels.SendResult{Error: err.Error()}, err
	}
	if req.Caption != "" {
		if _, err := a.SendText(ctx, &channels.TextRequest{To: req.To, Text: req.Caption}); err != nil {
			a.Logger().Warn().Err(err).Msg("caption send failed")
		}
	}
	a.MarkOutbound()
	return &channels.SendResult{Success: true, MessageID: mediaID}, nil
}

// sendMessage posts one message/send call, refreshing the token once
// when the platform reports it expired.
func (a *Adapter) sendMessage(ctx context.Context, to, msgType string, payload map[string]any) error {
	for attempt := 0; attempt < 2; attempt++ {
		token, err := a.accessToken(ctx)
		if err != nil {
			return err
		}
		body := map[string]any{
			"touser":  to,
			"agentid": a.cfg.AgentID,
			"msgtype": msgType,
			msgType:   payload,
		}
		var result struct {
			ErrCode int    `json:"errcode"`
			ErrMsg  string `json:"errmsg"`
		}
		resp, err := a.api.R().
			SetContext(ctx).
			SetQueryParam("access_token", token).
			SetBody(body).
			SetResult(&result).
			Post("/cgi-bin/message/send")
		if err != nil {
			return fmt.Errorf("wecom-app: send: %w", err)
		}
		if resp.IsError() {
			return fmt.Errorf("wecom-app: send: %s", resp.Status())
		}
		if result.ErrCode == 40014 || result.ErrCode == 42001 {
			a.tokens.Invalidate(a.cfg.TokenCacheKey())
			continue
		}
		if result.ErrCode != 0 {
			return fmt.Errorf("wecom-app: send: errcode %d: %s", result.ErrCode, result.ErrMsg)
		}
		return nil
	}
	return errors.New("wecom-app: send: token rejected twice")
}

// accessToken returns the cached corp token, fetching when stale.
func (a *Adapter) accessToken(ctx context.Context) (string, error) {
	return a.tokens.Get(ctx, a.cfg.TokenCacheKey(), func(ctx context.Context) (string, time.Duration, error) {
		var result struct {
			ErrCode     int    `json:"errcode"`
			ErrMsg      string `json:"errmsg"`
			AccessToken string `json:"access_token"`
			ExpiresIn   int64  `json:"expires_in"`
		}
		resp, err := a.api.R().
			SetContext(ctx).
			SetQueryParam("corpid", a.cfg.CorpID).
			SetQueryParam("corpsecret", a.cfg.CorpSecret).
			SetResult(&result).
			Get("/cgi-bin/gettoken")
		if err != nil {
			return "", 0, fmt.Errorf("wecom-app: gettoken: %w", err)
		}
		if resp.IsError() || result.ErrCode != 0 || result.AccessToken == "" {
			return "", 0, fmt.Errorf("wecom-app: gettoken: errcode %d: %s", result.ErrCode, result.ErrMsg)
		}
		return result.AccessToken, time.Duration(result.ExpiresIn) * time.Second, nil
	})
}

// toAMR is swappable for tests.
var toAMR = transcode.ToAMR

func needsTranscode(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".wav") || strings.HasSuffix(lower, ".mp3")
}

func looksLikeMarkdown(text string) bool {
	return strings.Contains(text, "```") ||
		strings.Contains(text, "\n# ") || strings.HasPrefix(text, "# ") ||
		strings.Contains(text, "**") ||
		strings.Contains(text, "\n- ") || strings.HasPrefix(text, "- ") ||
		strings.Contains(text, "](")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
