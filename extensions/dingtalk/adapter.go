// Package dingtalk implements the DingTalk channel adapter. Inbound
// messages arrive over the Stream (WebSocket) connection; replies go
// out through the conversation's session webhook while it is valid,
// then through the robot Open API.
package dingtalk

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/open-dingtalk/dingtalk-stream-sdk-go/chatbot"
	"github.com/open-dingtalk/dingtalk-stream-sdk-go/client"
	"github.com/open-dingtalk/dingtalk-stream-sdk-go/logger"
	"github.com/rs/zerolog"

	"github.com/wendell1224/openclaw-china/internal/channels"
	"github.com/wendell1224/openclaw-china/internal/config"
	"github.com/wendell1224/openclaw-china/internal/markdown"
	"github.com/wendell1224/openclaw-china/internal/media"
	"github.com/wendell1224/openclaw-china/internal/tokencache"
)

const apiBase = "https://api.dingtalk.com"

// Adapter is one DingTalk robot account.
type Adapter struct {
	*channels.BaseAdapter

	cfg    config.ResolvedDingTalk
	tokens *tokencache.Cache
	api    *resty.Client
	media  *media.Service

	mu     sync.Mutex
	stream *client.StreamClient
}

// Builder creates DingTalk adapters for the factory.
func Builder(deps channels.Deps, cfg *config.Config, accountID string) (channels.Adapter, error) {
	resolved, err := cfg.ResolveDingTalk(accountID)
	if err != nil {
		return nil, err
	}
	return New(resolved, deps), nil
}

// New creates an adapter for one resolved account.
func New(cfg config.ResolvedDingTalk, deps channels.Deps) *Adapter {
	caps := &channels.Capabilities{
		ChatTypes:  []channels.ChatType{channels.ChatTypeDirect, channels.ChatTypeGroup},
		Media:      true,
		Reply:      true,
		ActiveSend: cfg.CanSendActive(),
		Cards:      cfg.EnableAICard,
		Markdown:   true,
	}
	return &Adapter{
		BaseAdapter: channels.NewBaseAdapter(channels.ChannelDingTalk, cfg.AccountID, cfg.Name, caps, deps.Log),
		cfg:         cfg,
		tokens:      deps.Tokens,
		api:         resty.New().SetBaseURL(apiBase),
		media:       deps.Media,
	}
}

func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.IsRunning() {
		return nil
	}

	// The SDK logs through a process-global logger.
	logger.SetLogger(&streamLogger{log: a.Logger()})

	stream := client.NewStreamClient(
		client.WithAppCredential(client.NewAppCredentialConfig(a.cfg.ClientID, a.cfg.ClientSecret)),
		client.WithUserAgent(client.NewDingtalkGoSDKUserAgent()),
	)
	stream.RegisterChatBotCallbackRouter(a.handleChatBotMessage)

	if err := stream.Start(ctx); err != nil {
		a.SetLastError(err)
		return fmt.Errorf("dingtalk: start stream: %w", err)
	}
	a.stream = stream
	a.SetRunning(true, "stream")
	a.Logger().Info().Str("clientId", a.cfg.ClientID).Msg("dingtalk adapter started")
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.IsRunning() {
		return nil
	}
	if a.stream != nil {
		a.stream.Close()
		a.stream = nil
	}
	a.SetRunning(false, "")
	a.Logger().Info().Msg("dingtalk adapter stopped")
	return nil
}

// Probe fetches an access token to verify the credentials.
func (a *Adapter) Probe(ctx context.Context) (*channels.ProbeResult, error) {
	start := time.Now()
	if _, err := a.accessToken(ctx); err != nil {
		return &channels.ProbeResult{Error: err.Error()}, nil
	}
	return &channels.ProbeResult{OK: true, LatencyMs: time.Since(start).Milliseconds()}, nil
}

// handleChatBotMessage is the Stream callback. Returning nil bytes acks
// the frame; processing errors are logged, never returned, so the
// platform does not redeliver.
func (a *Adapter) handleChatBotMessage(ctx context.Context, data *chatbot.BotCallbackDataModel) ([]byte, error) {
	env := normalize(a.AccountID(), data)
	if env == nil {
		a.Logger().Debug().Str("msgtype", data.Msgtype).Msg("ignoring unsupported message type")
		return []byte(""), nil
	}
	if needsFetch(env) {
		// Media downloads must outlive the stream callback.
		go a.process(env)
		return []byte(""), nil
	}
	if err := a.Deliver(ctx, env); err != nil {
		a.Logger().Error().Err(err).Str("messageId", env.MessageID).Msg("handle inbound failed")
	}
	return []byte(""), nil
}

func needsFetch(env *channels.InboundEnvelope) bool {
	for _, att := range env.Attachments {
		if att.Source != "" {
			return true
		}
	}
	return false
}

func (a *Adapter) process(env *channels.InboundEnvelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	a.fetchInbound(ctx, env)
	if err := a.Deliver(ctx, env); err != nil {
		a.Logger().Error().Err(err).Str("messageId", env.MessageID).Msg("handle inbound failed")
	}
}

// fetchInbound resolves attachment download codes, archives the files
// and splices the saved paths into the body. Failures keep the
// placeholder body so the message still dispatches.
func (a *Adapter) fetchInbound(ctx context.Context, env *channels.InboundEnvelope) {
	if a.media == nil {
		return
	}
	for i := range env.Attachments {
		att := &env.Attachments[i]
		if att.Source == "" {
			continue
		}
		url, err := a.resolveDownloadURL(ctx, att.Source)
		if err != nil {
			a.Logger().Warn().Err(err).Str("messageId", env.MessageID).Msg("resolve media download failed")
			continue
		}
		path, _, err := a.media.Download(ctx, media.DownloadRequest{
			URL:      url,
			Prefix:   att.Kind,
			Filename: att.Name,
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
		if att.Kind == "voice" && att.Transcript != "" {
			env.Body += "\n[recognition] " + att.Transcript
		}
	}
}

// resolveDownloadURL trades a callback's downloadCode for a short-lived
// URL through the robot file endpoint.
func (a *Adapter) resolveDownloadURL(ctx context.Context, code string) (string, error) {
	token, err := a.accessToken(ctx)
	if err != nil {
		return "", err
	}
	var result struct {
		DownloadURL string `json:"downloadUrl"`
	}
	resp, err := a.api.R().
		SetContext(ctx).
		SetHeader("x-acs-dingtalk-access-token", token).
		SetBody(map[string]string{
			"downloadCode": code,
			"robotCode":    a.cfg.ClientID,
		}).
		SetResult(&result).
		Post("/v1.0/robot/messageFiles/download")
	if err != nil {
		return "", fmt.Errorf("dingtalk: resolve download: %w", err)
	}
	if resp.IsError() || result.DownloadURL == "" {
		return "", fmt.Errorf("dingtalk: resolve download: %s", resp.Status())
	}
	return result.DownloadURL, nil
}

// normalize maps one stream callback to the neutral envelope. Voice
// messages carry the platform's own recognition text; it rides along as
// the attachment transcript.
func normalize(accountID string, data *chatbot.BotCallbackDataModel) *channels.InboundEnvelope {
	body := strings.TrimSpace(data.Text.Content)
	content, _ := data.Content.(map[string]interface{})
	var attachments []channels.Attachment
	switch data.Msgtype {
	case "", "text":
	case "audio":
		recognition, _ := content["recognition"].(string)
		recognition = strings.TrimSpace(recognition)
		if recognition == "" {
			return nil
		}
		code, _ := content["downloadCode"].(string)
		body = recognition
		attachments = append(attachments, channels.Attachment{Kind: "voice", Source: code, Transcript: recognition})
	case "picture":
		code, _ := content["downloadCode"].(string)
		body = "[图片]"
		attachments = append(attachments, channels.Attachment{Kind: "image", Source: code})
	case "video":
		code, _ := content["downloadCode"].(string)
		body = "[视频]"
		attachments = append(attachments, channels.Attachment{Kind: "video", Source: code})
	case "file":
		code, _ := content["downloadCode"].(string)
		name, _ := content["fileName"].(string)
		body = "[文件]"
		attachments = append(attachments, channels.Attachment{Kind: "file", Source: code, Name: name})
	default:
		return nil
	}

	chatType := channels.ChatTypeGroup
	peer := data.ConversationId
	// Group robots only receive messages that @-mention them, so group
	// traffic always counts as mentioned.
	mentioned := true
	if data.ConversationType == "1" {
		chatType = channels.ChatTypeDirect
		peer = data.SenderStaffId
		mentioned = false
	}

	return &channels.InboundEnvelope{
		MessageID:    data.MsgId,
		MessageSid:   data.SessionWebhook,
		Timestamp:    data.CreateAt / 1000,
		Channel:      channels.ChannelDingTalk,
		AccountID:    accountID,
		ChatType:     chatType,
		SenderID:     data.SenderStaffId,
		SenderName:   data.SenderNick,
		PeerID:       peer,
		Body:         body,
		Attachments:  attachments,
		WasMentioned: mentioned,
	}
}

// SendText replies through the session webhook when the request carries
// one, otherwise through the robot Open API.
func (a *Adapter) SendText(ctx context.Context, req *channels.TextRequest) (*channels.SendResult, error) {
	var err error
	if req.MessageSid != "" {
		err = a.sendSessionWebhook(ctx, req.MessageSid, req.Text)
	} else {
		err = a.sendActive(ctx, req.To, req.ChatType, req.Text)
	}
	if err != nil {
		a.SetLastError(err)
		return &channels.SendResult{Error: err.Error()}, err
	}
	a.MarkOutbound()
	return &channels.SendResult{Success: true}, nil
}

// SendMedia embeds the item into a markdown message. Local files have
// no public URL the platform could fetch, so they degrade to a notice.
func (a *Adapter) SendMedia(ctx context.Context, req *channels.MediaRequest) (*channels.SendResult, error) {
	var text string
	switch {
	case req.URL != "" && isImageName(firstNonEmpty(req.Name, req.URL)):
		text = fmt.Sprintf("![%s](%s)", req.Name, req.URL)
	case req.URL != "":
		text = fmt.Sprintf("[%s](%s)", firstNonEmpty(req.Name, "附件"), req.URL)
	default:
		text = markdown.FileFallbackText(firstNonEmpty(req.Name, req.Path), req.Path)
	}
	if req.Caption != "" {
		text = req.Caption + "\n\n" + text
	}
	return a.SendText(ctx, &channels.TextRequest{
		To:         req.To,
		ChatType:   req.ChatType,
		Text:       text,
		MessageSid: req.MessageSid,
	})
}

func (a *Adapter) sendSessionWebhook(ctx context.Context, webhookURL, text string) error {
	body := map[string]any{
		"msgtype": "markdown",
		"markdown": map[string]string{
			"title": firstLine(text),
			"text":  text,
		},
	}
	var result struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	resp, err := a.api.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post(webhookURL)
	if err != nil {
		return fmt.Errorf("dingtalk: session webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("dingtalk: session webhook: %s", resp.Status())
	}
	if result.ErrCode != 0 {
		return fmt.Errorf("dingtalk: session webhook: errcode %d: %s", result.ErrCode, result.ErrMsg)
	}
	return nil
}

// sendActive posts a markdown message through the robot API, for sends
// outside a callback's webhook window.
func (a *Adapter) sendActive(ctx context.Context, to string, chatType channels.ChatType, text string) error {
	token, err := a.accessToken(ctx)
	if err != nil {
		return err
	}

	msgParam := map[string]string{"title": firstLine(text), "text": text}
	var path string
	body := map[string]any{
		"robotCode": a.cfg.ClientID,
		"msgKey":    "sampleMarkdown",
		"msgParam":  jsonString(msgParam),
	}
	if chatType == channels.ChatTypeGroup {
		path = "/v1.0/robot/groupMessages/send"
		body["openConversationId"] = to
	} else {
		path = "/v1.0/robot/oToMessages/batchSend"
		body["userIds"] = []string{to}
	}

	var result struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	resp, err := a.api.R().
		SetContext(ctx).
		SetHeader("x-acs-dingtalk-access-token", token).
		SetBody(body).
		SetResult(&result).
		Post(path)
	if err != nil {
		return fmt.Errorf("dingtalk: active send: %w", err)
	}
	if resp.IsError() {
		if result.Code != "" {
			return fmt.Errorf("dingtalk: active send: %s: %s", result.Code, result.Message)
		}
		return fmt.Errorf("dingtalk: active send: %s", resp.Status())
	}
	return nil
}

// accessToken returns the cached enterprise token, fetching when stale.
func (a *Adapter) accessToken(ctx context.Context) (string, error) {
	key := "dingtalk|" + a.cfg.ClientID
	return a.tokens.Get(ctx, key, func(ctx context.Context) (string, time.Duration, error) {
		var result struct {
			AccessToken string `json:"accessToken"`
			ExpireIn    int64  `json:"expireIn"`
		}
		resp, err := a.api.R().
			SetContext(ctx).
			SetBody(map[string]string{
				"appKey":    a.cfg.ClientID,
				"appSecret": a.cfg.ClientSecret,
			}).
			SetResult(&result).
			Post("/v1.0/oauth2/accessToken")
		if err != nil {
			return "", 0, fmt.Errorf("dingtalk: fetch token: %w", err)
		}
		if resp.IsError() || result.AccessToken == "" {
			return "", 0, fmt.Errorf("dingtalk: fetch token: %s", resp.Status())
		}
		return result.AccessToken, time.Duration(result.ExpireIn) * time.Second, nil
	})
}

func jsonString(v any) string {
	data, _ := json.Marshal(v)
	return string(data)
}

func firstLine(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "消息"
	}
	const max = 32
	runes := []rune(text)
	if len(runes) > max {
		return string(runes[:max])
	}
	return text
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func isImageName(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range []string{".png", ".jpg", ".jpeg", ".gif", ".webp"} {
		if strings.HasSuffix(lower, ext) || strings.Contains(lower, ext+"?") {
			return true
		}
	}
	return false
}

// streamLogger adapts zerolog to the SDK's logger interface.
type streamLogger struct {
	log *zerolog.Logger
}

func (l *streamLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug().Msgf(format, args...)
}
func (l *streamLogger) Infof(format string, args ...interface{}) {
	l.log.Debug().Msgf(format, args...)
}
func (l *streamLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn().Msgf(format, args...)
}
func (l *streamLogger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msgf(format, args...)
}

// Fatalf must not kill the process over one channel's stream.
func (l *streamLogger) Fatalf(format string, args ...interface{}) {
	l.log.Error().Msgf(format, args...)
}
