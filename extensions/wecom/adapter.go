// Package wecom implements the WeCom AI Robot channel adapter. The
// platform delivers encrypted callbacks to a webhook; replies are
// posted to the callback's response_url while it is valid. The robot
// has no credentials for active sending.
package wecom

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/wendell1224/openclaw-china/internal/channels"
	"github.com/wendell1224/openclaw-china/internal/config"
	"github.com/wendell1224/openclaw-china/internal/markdown"
	"github.com/wendell1224/openclaw-china/internal/media"
	"github.com/wendell1224/openclaw-china/internal/wecomcrypto"
)

const dedupWindow = 5 * time.Minute

// callbackMessage is the decrypted JSON payload of one robot callback.
type callbackMessage struct {
	MsgID    string `json:"msgid"`
	AIBotID  string `json:"aibotid"`
	ChatID   string `json:"chatid"`
	ChatType string `json:"chattype"` // "single" or "group"
	From     struct {
		UserID string `json:"userid"`
	} `json:"from"`
	MsgType string `json:"msgtype"`
	Text    struct {
		Content string `json:"content"`
	} `json:"text"`
	Image struct {
		URL string `json:"url"`
	} `json:"image"`
	Event struct {
		EventType string `json:"eventtype"`
	} `json:"event"`
	ResponseURL string `json:"response_url"`
}

// Adapter is one WeCom AI Robot account.
type Adapter struct {
	*channels.BaseAdapter

	cfg    config.ResolvedWeCom
	server webhookRegistrar
	http   *resty.Client
	media  *media.Service

	mu    sync.Mutex
	dedup sync.Map // msgid -> struct{}
}

// webhookRegistrar is the slice of the webhook server the adapter uses.
type webhookRegistrar interface {
	Register(path string, h echo.HandlerFunc) error
	Unregister(path string)
}

// Builder creates WeCom AI Robot adapters for the factory.
func Builder(deps channels.Deps, cfg *config.Config, accountID string) (channels.Adapter, error) {
	resolved, err := cfg.ResolveWeCom(accountID)
	if err != nil {
		return nil, err
	}
	if deps.Webhook == nil {
		return nil, fmt.Errorf("wecom: webhook server required")
	}
	return New(resolved, deps, deps.Webhook), nil
}

// New creates an adapter for one resolved account.
func New(cfg config.ResolvedWeCom, deps channels.Deps, server webhookRegistrar) *Adapter {
	caps := &channels.Capabilities{
		ChatTypes: []channels.ChatType{channels.ChatTypeDirect, channels.ChatTypeGroup},
		Reply:     true,
		Markdown:  true,
	}
	return &Adapter{
		BaseAdapter: channels.NewBaseAdapter(channels.ChannelWeCom, cfg.AccountID, cfg.Name, caps, deps.Log),
		cfg:         cfg,
		server:      server,
		http:        resty.New().SetTimeout(10 * time.Second),
		media:       deps.Media,
	}
}

func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.IsRunning() {
		return nil
	}
	if err := a.server.Register(a.cfg.WebhookPath, a.handleCallback); err != nil {
		return fmt.Errorf("wecom: register webhook: %w", err)
	}
	a.SetRunning(true, "webhook")
	a.Logger().Info().Str("path", a.cfg.WebhookPath).Msg("wecom adapter started")
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.IsRunning() {
		return nil
	}
	a.server.Unregister(a.cfg.WebhookPath)
	a.SetRunning(false, "")
	a.Logger().Info().Msg("wecom adapter stopped")
	return nil
}

// Probe verifies the configured key material decodes.
func (a *Adapter) Probe(ctx context.Context) (*channels.ProbeResult, error) {
	if a.cfg.Token == "" {
		return &channels.ProbeResult{Error: "token not configured"}, nil
	}
	if _, err := wecomcrypto.DecodeAESKey(a.cfg.EncodingAESKey); err != nil {
		return &channels.ProbeResult{Error: err.Error()}, nil
	}
	return &channels.ProbeResult{OK: true}, nil
}

// handleCallback serves both the URL verification handshake (GET) and
// encrypted message callbacks (POST).
func (a *Adapter) handleCallback(c echo.Context) error {
	switch c.Request().Method {
	case http.MethodGet:
		return a.handleVerify(c)
	case http.MethodPost:
		return a.handleMessage(c)
	default:
		return c.NoContent(http.StatusMethodNotAllowed)
	}
}

// handleVerify answers the console's URL check with the decrypted
// echostr plaintext.
func (a *Adapter) handleVerify(c echo.Context) error {
	q := c.QueryParams()
	signature := q.Get("msg_signature")
	timestamp := q.Get("timestamp")
	nonce := q.Get("nonce")
	echostr := q.Get("echostr")

	if err := wecomcrypto.VerifySignature(a.cfg.Token, timestamp, nonce, echostr, signature); err != nil {
		a.Logger().Warn().Err(err).Msg("verification signature mismatch")
		return c.NoContent(http.StatusForbidden)
	}
	plain, err := wecomcrypto.Decrypt(a.cfg.EncodingAESKey, echostr, "")
	if err != nil {
		a.Logger().Warn().Err(err).Msg("verification decrypt failed")
		return c.NoContent(http.StatusBadRequest)
	}
	// Some tenants prepend a UTF-8 BOM to the echo plaintext.
	return c.String(http.StatusOK, strings.TrimPrefix(string(plain), "\uFEFF"))
}

func (a *Adapter) handleMessage(c echo.Context) error {
	q := c.QueryParams()
	signature := q.Get("msg_signature")
	timestamp := q.Get("timestamp")
	nonce := q.Get("nonce")

	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.NoContent(http.StatusBadRequest)
	}
	var outer struct {
		Encrypt string `json:"encrypt"`
	}
	if err := json.Unmarshal(raw, &outer); err != nil || outer.Encrypt == "" {
		return c.NoContent(http.StatusBadRequest)
	}

	if err := wecomcrypto.VerifySignature(a.cfg.Token, timestamp, nonce, outer.Encrypt, signature); err != nil {
		a.Logger().Warn().Err(err).Msg("callback signature mismatch")
		return c.NoContent(http.StatusForbidden)
	}
	plain, err := wecomcrypto.Decrypt(a.cfg.EncodingAESKey, outer.Encrypt, "")
	if err != nil {
		a.Logger().Warn().Err(err).Msg("callback decrypt failed")
		return c.NoContent(http.StatusBadRequest)
	}

	var msg callbackMessage
	if err := json.Unmarshal(plain, &msg); err != nil {
		a.Logger().Warn().Err(err).Msg("callback payload not understood")
		return c.NoContent(http.StatusOK)
	}

	// Callbacks are redelivered until acked within 5 seconds; dedup and
	// ack immediately, then process in the background.
	if msg.MsgID != "" {
		if _, loaded := a.dedup.LoadOrStore(msg.MsgID, struct{}{}); loaded {
			return c.NoContent(http.StatusOK)
		}
		go func(id string) {
			time.Sleep(dedupWindow)
			a.dedup.Delete(id)
		}(msg.MsgID)
	}

	switch {
	case msg.MsgType == "event" && msg.Event.EventType == "enter_chat":
		a.sendWelcome(&msg)
	case msg.MsgType == "text", msg.MsgType == "image":
		env := a.normalize(&msg)
		if env != nil {
			go a.process(env)
			return a.ackStream(c, msg.MsgID)
		}
	default:
		a.Logger().Debug().Str("msgtype", msg.MsgType).Msg("ignoring unsupported callback")
	}
	return c.NoContent(http.StatusOK)
}

// ackStream answers a message callback with an encrypted empty
// stream-type payload, which tells the platform the message was taken
// over and stops redelivery.
func (a *Adapter) ackStream(c echo.Context, msgID string) error {
	plain, err := json.Marshal(map[string]any{
		"msgtype": "stream",
		"stream":  map[string]string{"id": msgID},
	})
	if err != nil {
		return c.NoContent(http.StatusOK)
	}
	encrypt, err := wecomcrypto.Encrypt(a.cfg.EncodingAESKey, plain, "")
	if err != nil {
		a.Logger().Warn().Err(err).Msg("encrypt stream ack failed")
		return c.NoContent(http.StatusOK)
	}
	ts := fmt.Sprintf("%d", time.Now().Unix())
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	return c.JSON(http.StatusOK, map[string]string{
		"encrypt":      encrypt,
		"msgsignature": wecomcrypto.Signature(a.cfg.Token, ts, nonce, encrypt),
		"timestamp":    ts,
		"nonce":        nonce,
	})
}

func (a *Adapter) process(env *channels.InboundEnvelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	a.fetchInbound(ctx, env)
	if err := a.Deliver(ctx, env); err != nil {
		a.Logger().Error().Err(err).Str("messageId", env.MessageID).Msg("handle inbound failed")
	}
}

// fetchInbound downloads callback media, which arrives AES-encrypted
// under the same key as the envelope, archives it and splices the saved
// path into the body. Failures keep the placeholder body.
func (a *Adapter) fetchInbound(ctx context.Context, env *channels.InboundEnvelope) {
	if a.media == nil || len(env.Attachments) == 0 {
		return
	}
	key, err := wecomcrypto.DecodeAESKey(a.cfg.EncodingAESKey)
	if err != nil {
		a.Logger().Warn().Err(err).Msg("media key decode failed")
		return
	}
	for i := range env.Attachments {
		att := &env.Attachments[i]
		if att.Source == "" {
			continue
		}
		path, _, err := a.media.Download(ctx, media.DownloadRequest{
			URL:    att.Source,
			Prefix: att.Kind,
			Decrypt: func(b []byte) ([]byte, error) {
				return wecomcrypto.DecryptBytes(key, b)
			},
		})
		if err != nil {
			a.Logger().Warn().Err(err).Str("messageId", env.MessageID).Msg("media download failed")
			continue
		}
		if archived, err := a.media.Archive(path); err == nil {
			path = archived
		}
		att.LocalPath = path
		env.Body = media.Ref(media.Kind(att.Kind), path)
	}
}

// sendWelcome greets a user who just opened the robot's chat.
func (a *Adapter) sendWelcome(msg *callbackMessage) {
	if a.cfg.WelcomeText == "" || msg.ResponseURL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.postResponse(ctx, msg.ResponseURL, a.cfg.WelcomeText); err != nil {
		a.Logger().Warn().Err(err).Msg("send welcome failed")
	}
}

func (a *Adapter) normalize(msg *callbackMessage) *channels.InboundEnvelope {
	body := strings.TrimSpace(msg.Text.Content)
	var attachments []channels.Attachment
	switch msg.MsgType {
	case "image":
		if msg.Image.URL == "" {
			return nil
		}
		body = "[图片]"
		attachments = append(attachments, channels.Attachment{Kind: "image", Source: msg.Image.URL})
	default:
		if body == "" {
			return nil
		}
	}
	chatType := channels.ChatTypeDirect
	peer := msg.From.UserID
	if msg.ChatType == "group" {
		chatType = channels.ChatTypeGroup
		peer = msg.ChatID
	}
	return &channels.InboundEnvelope{
		MessageID:   msg.MsgID,
		MessageSid:  msg.ResponseURL,
		Timestamp:   time.Now().Unix(),
		Channel:     channels.ChannelWeCom,
		AccountID:   a.AccountID(),
		ChatType:    chatType,
		SenderID:    msg.From.UserID,
		PeerID:      peer,
		Body:        body,
		Attachments: attachments,
		// The robot only receives group messages that mention it.
		WasMentioned: true,
	}
}

// SendText posts a markdown reply to the callback's response_url. The
// robot cannot reach a conversation without one.
func (a *Adapter) SendText(ctx context.Context, req *channels.TextRequest) (*channels.SendResult, error) {
	if req.MessageSid == "" {
		err := fmt.Errorf("wecom: no response_url, active send unsupported")
		return &channels.SendResult{Error: err.Error()}, err
	}
	if err := a.postResponse(ctx, req.MessageSid, req.Text); err != nil {
		a.SetLastError(err)
		return &channels.SendResult{Error: err.Error()}, err
	}
	a.MarkOutbound()
	return &channels.SendResult{Success: true}, nil
}

// SendMedia degrades to a markdown link or notice; the robot API has no
// media upload surface.
func (a *Adapter) SendMedia(ctx context.Context, req *channels.MediaRequest) (*channels.SendResult, error) {
	var text string
	if req.URL != "" {
		text = fmt.Sprintf("[%s](%s)", firstNonEmpty(req.Name, "附件"), req.URL)
	} else {
		text = markdown.FileFallbackText(firstNonEmpty(req.Name, req.Path), req.Path)
	}
	if req.Caption != "" {
		text = req.Caption + "\n" + text
	}
	return a.SendText(ctx, &channels.TextRequest{
		To:         req.To,
		ChatType:   req.ChatType,
		Text:       text,
		MessageSid: req.MessageSid,
	})
}

func (a *Adapter) postResponse(ctx context.Context, responseURL, text string) error {
	body := map[string]any{
		"msgtype":  "markdown",
		"markdown": map[string]string{"content": text},
	}
	var result struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post(responseURL)
	if err != nil {
		return fmt.Errorf("wecom: post response: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("wecom: post response: %s", resp.Status())
	}
	if result.ErrCode != 0 {
		return fmt.Errorf("wecom: post response: errcode %d: %s", result.ErrCode, result.ErrMsg)
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
