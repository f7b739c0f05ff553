// Package feishu implements the Feishu channel adapter on the official
// SDK. Inbound events arrive over the long (WebSocket) connection;
// outbound messages go through the im/v1 API.
package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"

	"github.com/wendell1224/openclaw-china/internal/channels"
	"github.com/wendell1224/openclaw-china/internal/config"
	"github.com/wendell1224/openclaw-china/internal/markdown"
	"github.com/wendell1224/openclaw-china/internal/media"
)

const dedupWindow = 5 * time.Minute

// Adapter is one Feishu app account.
type Adapter struct {
	*channels.BaseAdapter

	cfg    config.ResolvedFeishu
	client *lark.Client
	media  *media.Service

	// fetchResource is swappable for tests; the default goes through
	// the im/v1 message resource endpoint.
	fetchResource func(ctx context.Context, messageID, fileKey, resType string) (io.Reader, error)

	mu       sync.Mutex
	wsClient *larkws.Client
	wsCancel context.CancelFunc

	dedup sync.Map // message_id -> struct{}
}

// Builder creates Feishu adapters for the factory.
func Builder(deps channels.Deps, cfg *config.Config, accountID string) (channels.Adapter, error) {
	resolved, err := cfg.ResolveFeishu(accountID)
	if err != nil {
		return nil, err
	}
	return New(resolved, deps), nil
}

// New creates an adapter for one resolved account.
func New(cfg config.ResolvedFeishu, deps channels.Deps) *Adapter {
	caps := &channels.Capabilities{
		ChatTypes:  []channels.ChatType{channels.ChatTypeDirect, channels.ChatTypeGroup},
		Media:      true,
		Reply:      true,
		ActiveSend: cfg.CanSendActive(),
		Markdown:   true,
	}
	a := &Adapter{
		BaseAdapter: channels.NewBaseAdapter(channels.ChannelFeishu, cfg.AccountID, cfg.Name, caps, deps.Log),
		cfg:         cfg,
		client:      lark.NewClient(cfg.AppID, cfg.AppSecret),
		media:       deps.Media,
	}
	a.fetchResource = a.downloadResource
	return a
}

func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.IsRunning() {
		return nil
	}

	eventHandler := dispatcher.NewEventDispatcher("", "")
	eventHandler.OnP2MessageReceiveV1(a.handleMessageReceive)

	a.wsClient = larkws.NewClient(
		a.cfg.AppID,
		a.cfg.AppSecret,
		larkws.WithEventHandler(eventHandler),
		larkws.WithLogLevel(larkcore.LogLevelWarn),
	)

	wsCtx, cancel := context.WithCancel(context.Background())
	a.wsCancel = cancel
	go func() {
		if err := a.wsClient.Start(wsCtx); err != nil && wsCtx.Err() == nil {
			a.Logger().Error().Err(err).Msg("feishu long connection stopped")
			a.SetLastError(err)
			a.SetRunning(false, "")
		}
	}()

	a.SetRunning(true, "websocket")
	a.Logger().Info().Str("appId", a.cfg.AppID).Msg("feishu adapter started")
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.IsRunning() {
		return nil
	}
	if a.wsCancel != nil {
		a.wsCancel()
		a.wsCancel = nil
	}
	a.wsClient = nil
	a.SetRunning(false, "")
	a.Logger().Info().Msg("feishu adapter stopped")
	return nil
}

// Probe checks credential presence only. The SDK offers no cheap
// identity endpoint that works across tenant types.
func (a *Adapter) Probe(ctx context.Context) (*channels.ProbeResult, error) {
	if a.cfg.AppID == "" || a.cfg.AppSecret == "" {
		return &channels.ProbeResult{Error: "appId and appSecret not configured"}, nil
	}
	return &channels.ProbeResult{OK: true, BotName: a.cfg.Name}, nil
}

func (a *Adapter) handleMessageReceive(ctx context.Context, event *larkim.P2MessageReceiveV1) error {
	env := normalize(a.AccountID(), event)
	if env == nil {
		return nil
	}
	// The platform redelivers events that are not acked in time; drop
	// message ids seen within the window.
	if _, loaded := a.dedup.LoadOrStore(env.MessageID, struct{}{}); loaded {
		return nil
	}
	go func(id string) {
		time.Sleep(dedupWindow)
		a.dedup.Delete(id)
	}(env.MessageID)

	if len(env.Attachments) > 0 && a.media != nil {
		// Resource downloads must not block the event ack.
		go a.process(env)
		return nil
	}
	if err := a.Deliver(ctx, env); err != nil {
		a.Logger().Error().Err(err).Str("messageId", env.MessageID).Msg("handle inbound failed")
	}
	return nil
}

func (a *Adapter) process(env *channels.InboundEnvelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	a.fetchInbound(ctx, env)
	if err := a.Deliver(ctx, env); err != nil {
		a.Logger().Error().Err(err).Str("messageId", env.MessageID).Msg("handle inbound failed")
	}
}

// fetchInbound pulls attachment resources off the platform, archives
// them and splices the saved paths into the body. A failed fetch keeps
// the placeholder body so the message still dispatches.
func (a *Adapter) fetchInbound(ctx context.Context, env *channels.InboundEnvelope) {
	if a.media == nil {
		return
	}
	for i := range env.Attachments {
		att := &env.Attachments[i]
		if att.Source == "" {
			continue
		}
		resType := "file"
		if att.Kind == "image" {
			resType = "image"
		}
		body, err := a.fetchResource(ctx, env.MessageID, att.Source, resType)
		if err != nil {
			a.Logger().Warn().Err(err).Str("messageId", env.MessageID).Msg("fetch message resource failed")
			continue
		}
		path, _, err := a.media.Store(body, att.Kind, firstNonEmpty(att.Name, defaultFilename(att.Kind)))
		if err != nil {
			a.Logger().Warn().Err(err).Str("messageId", env.MessageID).Msg("store media failed")
			continue
		}
		if archived, err := a.media.Archive(path); err == nil {
			path = archived
		}
		att.LocalPath = path
		env.Body = media.Ref(media.Kind(att.Kind), path)
	}
}

func (a *Adapter) downloadResource(ctx context.Context, messageID, fileKey, resType string) (io.Reader, error) {
	req := larkim.NewGetMessageResourceReqBuilder().
		MessageId(messageID).
		FileKey(fileKey).
		Type(resType).
		Build()
	resp, err := a.client.Im.MessageResource.Get(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("feishu: fetch resource: %w", err)
	}
	if !resp.Success() {
		return nil, fmt.Errorf("feishu: fetch resource: code %d: %s", resp.Code, resp.Msg)
	}
	return resp.File, nil
}

// defaultFilename supplies an extension when the event names none, so
// the stored file is not stuck with .bin. Feishu voice clips are opus.
func defaultFilename(kind string) string {
	switch kind {
	case "image":
		return "image.png"
	case "voice":
		return "voice.opus"
	case "video":
		return "video.mp4"
	}
	return ""
}

// normalize maps one im.message.receive_v1 event to the neutral
// envelope. Only text content is dispatched; other message types get a
// placeholder body so the agent knows something arrived.
func normalize(accountID string, event *larkim.P2MessageReceiveV1) *channels.InboundEnvelope {
	if event == nil || event.Event == nil || event.Event.Message == nil || event.Event.Sender == nil {
		return nil
	}
	msg := event.Event.Message
	sender := event.Event.Sender
	if msg.MessageId == nil || msg.ChatId == nil || sender.SenderId == nil || sender.SenderId.OpenId == nil {
		return nil
	}

	body, attachments, ok := extractContent(msg)
	if !ok {
		return nil
	}

	chatType := channels.ChatTypeGroup
	if msg.ChatType != nil && *msg.ChatType == "p2p" {
		chatType = channels.ChatTypeDirect
	}

	var ts int64
	if msg.CreateTime != nil {
		if ms, err := strconv.ParseInt(*msg.CreateTime, 10, 64); err == nil {
			ts = ms / 1000
		}
	}

	return &channels.InboundEnvelope{
		MessageID:    *msg.MessageId,
		Timestamp:    ts,
		Channel:      channels.ChannelFeishu,
		AccountID:    accountID,
		ChatType:     chatType,
		SenderID:     *sender.SenderId.OpenId,
		PeerID:       *msg.ChatId,
		Body:         body,
		Attachments:  attachments,
		WasMentioned: len(msg.Mentions) > 0,
	}
}

// extractContent pulls the body out of the content JSON. Text gets the
// @_user_N mention placeholders stripped; media types get a placeholder
// body plus an attachment carrying the resource key, which fetchInbound
// later resolves into a saved-path reference.
func extractContent(msg *larkim.EventMessage) (string, []channels.Attachment, bool) {
	if msg.Content == nil {
		return "", nil, false
	}
	msgType := ""
	if msg.MessageType != nil {
		msgType = *msg.MessageType
	}
	var keys struct {
		ImageKey string `json:"image_key"`
		FileKey  string `json:"file_key"`
		FileName string `json:"file_name"`
	}
	switch msgType {
	case "text":
		var content struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(*msg.Content), &content); err != nil {
			return "", nil, false
		}
		text := content.Text
		for i := range msg.Mentions {
			if msg.Mentions[i].Key != nil {
				text = strings.ReplaceAll(text, *msg.Mentions[i].Key, "")
			}
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return "", nil, false
		}
		return text, nil, true
	case "image":
		_ = json.Unmarshal([]byte(*msg.Content), &keys)
		return "[图片]", []channels.Attachment{{Kind: "image", Source: keys.ImageKey}}, true
	case "audio":
		_ = json.Unmarshal([]byte(*msg.Content), &keys)
		return "[语音]", []channels.Attachment{{Kind: "voice", Source: keys.FileKey}}, true
	case "media":
		_ = json.Unmarshal([]byte(*msg.Content), &keys)
		return "[视频]", []channels.Attachment{{Kind: "video", Source: keys.FileKey, Name: keys.FileName}}, true
	case "file":
		_ = json.Unmarshal([]byte(*msg.Content), &keys)
		return "[文件]", []channels.Attachment{{Kind: "file", Source: keys.FileKey, Name: keys.FileName}}, true
	default:
		return "", nil, false
	}
}

// SendText delivers markdown either as a plain text message or, when
// configured, as an interactive card which renders markdown natively.
func (a *Adapter) SendText(ctx context.Context, req *channels.TextRequest) (*channels.SendResult, error) {
	msgType := larkim.MsgTypeText
	content := jsonString(map[string]string{"text": req.Text})
	if a.cfg.SendMarkdownAsCard && looksLikeMarkdown(req.Text) {
		msgType = larkim.MsgTypeInteractive
		content = jsonString(markdownCard(req.Text))
	}

	res, err := a.createMessage(ctx, req.To, msgType, content)
	if err != nil {
		a.SetLastError(err)
		return &channels.SendResult{Error: err.Error()}, err
	}
	a.MarkOutbound()
	return res, nil
}

// SendMedia uploads local images through im/v1; everything else is
// degraded to a link or notice message.
func (a *Adapter) SendMedia(ctx context.Context, req *channels.MediaRequest) (*channels.SendResult, error) {
	if req.Path != "" && isImagePath(req.Path) {
		res, err := a.sendImage(ctx, req.To, req.Path)
		if err == nil {
			a.MarkOutbound()
			return res, nil
		}
		a.Logger().Warn().Err(err).Str("path", req.Path).Msg("image upload failed, falling back to text")
	}

	var text string
	if req.URL != "" {
		text = fmt.Sprintf("[%s](%s)", firstNonEmpty(req.Name, "附件"), req.URL)
	} else {
		text = markdown.FileFallbackText(firstNonEmpty(req.Name, req.Path), req.Path)
	}
	if req.Caption != "" {
		text = req.Caption + "\n" + text
	}
	return a.SendText(ctx, &channels.TextRequest{To: req.To, ChatType: req.ChatType, Text: text})
}

func (a *Adapter) sendImage(ctx context.Context, to, path string) (*channels.SendResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	upReq := larkim.NewCreateImageReqBuilder().
		Body(larkim.NewCreateImageReqBodyBuilder().
			ImageType(larkim.ImageTypeMessage).
			Image(f).
			Build()).
		Build()
	upResp, err := a.client.Im.Image.Create(ctx, upReq)
	if err != nil {
		return nil, fmt.Errorf("feishu: upload image: %w", err)
	}
	if !upResp.Success() || upResp.Data == nil || upResp.Data.ImageKey == nil {
		return nil, fmt.Errorf("feishu: upload image: code %d: %s", upResp.Code, upResp.Msg)
	}

	content := jsonString(map[string]string{"image_key": *upResp.Data.ImageKey})
	return a.createMessage(ctx, to, larkim.MsgTypeImage, content)
}

func (a *Adapter) createMessage(ctx context.Context, to, msgType, content string) (*channels.SendResult, error) {
	msgReq := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(receiveIDType(to)).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			MsgType(msgType).
			ReceiveId(to).
			Content(content).
			Uuid(fmt.Sprintf("%d", time.Now().UnixNano())).
			Build()).
		Build()

	resp, err := a.client.Im.Message.Create(ctx, msgReq)
	if err != nil {
		return nil, fmt.Errorf("feishu: send message: %w", err)
	}
	if !resp.Success() {
		return nil, fmt.Errorf("feishu: send message: code %d: %s", resp.Code, resp.Msg)
	}
	result := &channels.SendResult{Success: true}
	if resp.Data != nil && resp.Data.MessageId != nil {
		result.MessageID = *resp.Data.MessageId
	}
	return result, nil
}

// receiveIDType derives the id type from the platform's id prefixes.
func receiveIDType(id string) string {
	switch {
	case strings.HasPrefix(id, "ou_"):
		return larkim.ReceiveIdTypeOpenId
	case strings.HasPrefix(id, "on_"):
		return larkim.ReceiveIdTypeUnionId
	default:
		return larkim.ReceiveIdTypeChatId
	}
}

// markdownCard wraps text into an interactive card with one markdown
// element, which renders tables and code blocks properly.
func markdownCard(text string) map[string]any {
	return map[string]any{
		"schema": "2.0",
		"config": map[string]any{"wide_screen_mode": true},
		"body": map[string]any{
			"elements": []map[string]any{
				{"tag": "markdown", "content": text},
			},
		},
	}
}

func looksLikeMarkdown(text string) bool {
	return strings.Contains(text, "```") ||
		strings.Contains(text, "\n|") ||
		strings.HasPrefix(text, "|") ||
		strings.Contains(text, "\n# ") ||
		strings.HasPrefix(text, "# ")
}

func isImagePath(path string) bool {
	lower := strings.ToLower(path)
	for _, ext := range []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp"} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func jsonString(v any) string {
	data, _ := json.Marshal(v)
	return string(data)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
