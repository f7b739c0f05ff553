// Package qq implements the QQ Open Platform channel adapter on the
// botgo SDK. One WebSocket session receives guild, group and C2C
// events; replies are posted through the OpenAPI within the callback's
// passive window.
package qq

import (
	"context"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tencent-connect/botgo"
	"github.com/tencent-connect/botgo/dto"
	"github.com/tencent-connect/botgo/event"
	"github.com/tencent-connect/botgo/openapi"
	"github.com/tencent-connect/botgo/token"
	"golang.org/x/oauth2"

	"github.com/wendell1224/openclaw-china/internal/asr"
	"github.com/wendell1224/openclaw-china/internal/channels"
	"github.com/wendell1224/openclaw-china/internal/config"
	"github.com/wendell1224/openclaw-china/internal/markdown"
	"github.com/wendell1224/openclaw-china/internal/media"
)

// Peer id prefixes distinguish the four conversation surfaces.
const (
	peerGroup   = "group:"
	peerC2C     = "c2c:"
	peerChannel = "channel:"
	peerGuild   = "guild:"
)

const (
	apiURL     = "https://api.sgroup.qq.com"
	sandboxURL = "https://sandbox.api.sgroup.qq.com"
)

// file_type values of the v2 files endpoint.
const (
	fileTypeImage = 1
	fileTypeVideo = 2
	fileTypeVoice = 3
	fileTypeFile  = 4
)

const voiceFallbackText = "抱歉，这段语音我没能听清，请换成文字再试一次。"

// Adapter is one QQ bot account.
type Adapter struct {
	*channels.BaseAdapter

	cfg   config.ResolvedQQ
	media *media.Service
	asr   *asr.Client

	mu          sync.Mutex
	api         openapi.OpenAPI
	tokenSource oauth2.TokenSource
	rest        *resty.Client
}

// Builder creates QQ adapters for the factory.
func Builder(deps channels.Deps, cfg *config.Config, accountID string) (channels.Adapter, error) {
	resolved, err := cfg.ResolveQQ(accountID)
	if err != nil {
		return nil, err
	}
	return New(resolved, deps), nil
}

// New creates an adapter for one resolved account.
func New(cfg config.ResolvedQQ, deps channels.Deps) *Adapter {
	caps := &channels.Capabilities{
		ChatTypes:  []channels.ChatType{channels.ChatTypeDirect, channels.ChatTypeGroup},
		Media:      true,
		Reply:      true,
		ActiveSend: cfg.CanSendActive(),
		Markdown:   cfg.MarkdownSupport,
	}
	a := &Adapter{
		BaseAdapter: channels.NewBaseAdapter(channels.ChannelQQ, cfg.AccountID, cfg.Name, caps, deps.Log),
		cfg:         cfg,
		media:       deps.Media,
	}
	if cfg.ASR.Enabled {
		a.asr = &asr.Client{
			AppID:     cfg.ASR.AppID,
			SecretID:  cfg.ASR.SecretID,
			SecretKey: cfg.ASR.SecretKey,
			Log:       deps.Log,
		}
	}
	return a
}

func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.IsRunning() {
		return nil
	}

	appID := strconv.FormatUint(a.cfg.AppID, 10)
	tokenSource := token.NewQQBotTokenSource(&token.QQBotCredentials{
		AppID:     appID,
		AppSecret: a.cfg.ClientSecret,
	})
	a.tokenSource = tokenSource
	if a.cfg.Sandbox {
		a.api = botgo.NewSandboxOpenAPI(appID, tokenSource).WithTimeout(10 * time.Second)
		a.rest = resty.New().SetBaseURL(sandboxURL).SetTimeout(30 * time.Second)
	} else {
		a.api = botgo.NewOpenAPI(appID, tokenSource).WithTimeout(10 * time.Second)
		a.rest = resty.New().SetBaseURL(apiURL).SetTimeout(30 * time.Second)
	}

	wsInfo, err := a.api.WS(ctx, nil, "")
	if err != nil {
		a.SetLastError(err)
		return fmt.Errorf("qq: websocket info: %w", err)
	}

	intent := event.RegisterHandlers(
		a.c2cMessageHandler(),
		a.groupATMessageHandler(),
		a.atMessageHandler(),
		a.directMessageHandler(),
	)
	go func() {
		if err := botgo.NewSessionManager().Start(wsInfo, tokenSource, &intent); err != nil {
			a.Logger().Error().Err(err).Msg("qq websocket session ended")
			a.SetLastError(err)
			a.SetRunning(false, "")
		}
	}()

	a.SetRunning(true, "websocket")
	a.Logger().Info().Uint64("appId", a.cfg.AppID).Bool("sandbox", a.cfg.Sandbox).Msg("qq adapter started")
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.IsRunning() {
		return nil
	}
	// The session manager offers no explicit close; dropping the flag
	// stops dispatch and the session dies with the process or on the
	// next credential rotation.
	a.SetRunning(false, "")
	a.Logger().Info().Msg("qq adapter stopped")
	return nil
}

// Probe calls the Me endpoint to verify the credentials.
func (a *Adapter) Probe(ctx context.Context) (*channels.ProbeResult, error) {
	if a.api == nil {
		return &channels.ProbeResult{Error: "adapter not started"}, nil
	}
	start := time.Now()
	me, err := a.api.Me(ctx)
	if err != nil {
		return &channels.ProbeResult{Error: err.Error()}, nil
	}
	return &channels.ProbeResult{
		OK:        true,
		BotName:   me.Username,
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

func (a *Adapter) c2cMessageHandler() event.C2CMessageEventHandler {
	return func(e *dto.WSPayload, data *dto.WSC2CMessageData) error {
		msg := (*dto.Message)(data)
		a.dispatch(msg, peerC2C+msg.Author.ID, channels.ChatTypeDirect, false)
		return nil
	}
}

func (a *Adapter) groupATMessageHandler() event.GroupATMessageEventHandler {
	return func(e *dto.WSPayload, data *dto.WSGroupATMessageData) error {
		msg := (*dto.Message)(data)
		a.dispatch(msg, peerGroup+msg.GroupID, channels.ChatTypeGroup, true)
		return nil
	}
}

func (a *Adapter) atMessageHandler() event.ATMessageEventHandler {
	return func(e *dto.WSPayload, data *dto.WSATMessageData) error {
		msg := (*dto.Message)(data)
		a.dispatch(msg, peerChannel+msg.ChannelID, channels.ChatTypeGroup, true)
		return nil
	}
}

func (a *Adapter) directMessageHandler() event.DirectMessageEventHandler {
	return func(e *dto.WSPayload, data *dto.WSDirectMessageData) error {
		msg := (*dto.Message)(data)
		a.dispatch(msg, peerGuild+msg.GuildID, channels.ChatTypeDirect, false)
		return nil
	}
}

// dispatch normalizes one message and hands it to the handler on a
// fresh goroutine so the event loop is never blocked.
func (a *Adapter) dispatch(msg *dto.Message, peer string, chatType channels.ChatType, mentioned bool) {
	env := a.normalize(msg, peer, chatType, mentioned)
	if env == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		a.fetchAttachments(ctx, env)
		if a.asr != nil && hasVoice(env) {
			if !a.transcribeVoice(ctx, env) {
				a.sendVoiceFallback(ctx, env)
				return
			}
		}
		if err := a.Deliver(ctx, env); err != nil {
			a.Logger().Error().Err(err).Str("messageId", env.MessageID).Msg("handle inbound failed")
		}
	}()
}

// fetchAttachments archives downloadable attachments and splices the
// saved path into the body. Voice clips are left for transcription.
func (a *Adapter) fetchAttachments(ctx context.Context, env *channels.InboundEnvelope) {
	if a.media == nil {
		return
	}
	for i := range env.Attachments {
		att := &env.Attachments[i]
		if att.Kind == "voice" {
			continue
		}
		local, _, err := a.media.Download(ctx, media.DownloadRequest{
			URL:    att.Source,
			Prefix: "qq-" + att.Kind,
		})
		if err != nil {
			a.Logger().Warn().Err(err).Str("kind", att.Kind).Msg("attachment download failed")
			continue
		}
		if archived, err := a.media.Archive(local); err == nil {
			local = archived
		}
		att.LocalPath = local
		env.Body = media.Ref(media.Kind(att.Kind), local)
	}
}

func hasVoice(env *channels.InboundEnvelope) bool {
	for _, att := range env.Attachments {
		if att.Kind == "voice" {
			return true
		}
	}
	return false
}

func (a *Adapter) normalize(msg *dto.Message, peer string, chatType channels.ChatType, mentioned bool) *channels.InboundEnvelope {
	body := stripMentions(msg.Content)
	var attachments []channels.Attachment
	for _, att := range msg.Attachments {
		if att == nil || att.URL == "" {
			continue
		}
		attachments = append(attachments, channels.Attachment{
			Kind:   attachmentKind(att.URL),
			Source: att.URL,
		})
	}
	if body == "" && len(attachments) == 0 {
		return nil
	}
	if body == "" {
		body = "[附件]"
	}

	senderID, senderName := "", ""
	if msg.Author != nil {
		senderID = msg.Author.ID
		senderName = msg.Author.Username
	}
	return &channels.InboundEnvelope{
		MessageID:    msg.ID,
		MessageSid:   msg.ID,
		Timestamp:    time.Now().Unix(),
		Channel:      channels.ChannelQQ,
		AccountID:    a.AccountID(),
		ChatType:     chatType,
		SenderID:     senderID,
		SenderName:   senderName,
		PeerID:       peer,
		Body:         body,
		Attachments:  attachments,
		WasMentioned: mentioned,
	}
}

// transcribeVoice downloads voice attachments and replaces the
// placeholder body with the recognized text. A false return means the
// clip could not be transcribed and the message must not go through
// with the placeholder body.
func (a *Adapter) transcribeVoice(ctx context.Context, env *channels.InboundEnvelope) bool {
	if a.media == nil {
		return false
	}
	for i := range env.Attachments {
		att := &env.Attachments[i]
		if att.Kind != "voice" {
			continue
		}
		local, _, err := a.media.Download(ctx, media.DownloadRequest{
			URL:    att.Source,
			Prefix: "qq-voice",
		})
		if err != nil {
			a.Logger().Warn().Err(err).Msg("voice download failed")
			return false
		}
		if archived, err := a.media.Archive(local); err == nil {
			local = archived
		}
		att.LocalPath = local
		audio, err := os.ReadFile(local)
		if err != nil {
			return false
		}
		text, err := a.asr.Transcribe(ctx, audio, strings.TrimPrefix(path.Ext(local), "."))
		if err != nil {
			a.Logger().Warn().Err(err).Msg("voice transcription failed")
			return false
		}
		att.Transcript = text
		env.Body = text
	}
	return true
}

// sendVoiceFallback tells the sender their clip did not come through.
func (a *Adapter) sendVoiceFallback(ctx context.Context, env *channels.InboundEnvelope) {
	if _, err := a.SendText(ctx, &channels.TextRequest{
		To:         env.PeerID,
		ChatType:   env.ChatType,
		Text:       voiceFallbackText,
		MessageSid: env.MessageSid,
	}); err != nil {
		a.Logger().Warn().Err(err).Msg("voice fallback send failed")
	}
}

// SendText posts one reply. Without native markdown support the text is
// degraded to the platform's plain text conventions first.
func (a *Adapter) SendText(ctx context.Context, req *channels.TextRequest) (*channels.SendResult, error) {
	if a.api == nil {
		err := fmt.Errorf("qq: adapter not started")
		return &channels.SendResult{Error: err.Error()}, err
	}
	text := req.Text
	if !a.cfg.MarkdownSupport {
		text = markdown.Degrade(text)
	}

	// MsgID ties the reply to the inbound message's passive window.
	msg := &dto.MessageToCreate{
		Content: text,
		MsgID:   req.MessageSid,
	}
	sent, err := a.post(ctx, req.To, msg)
	if err != nil {
		a.SetLastError(err)
		return &channels.SendResult{Error: err.Error()}, err
	}
	a.MarkOutbound()
	result := &channels.SendResult{Success: true}
	if sent != nil {
		result.MessageID = sent.ID
	}
	return result, nil
}

// SendMedia uploads by URL through the v2 files endpoint where the
// target surface carries it, and degrades to a link message otherwise
// or when the upload is rejected.
func (a *Adapter) SendMedia(ctx context.Context, req *channels.MediaRequest) (*channels.SendResult, error) {
	if req.URL != "" && a.rest != nil && canUploadTo(req.To) {
		err := a.sendRichMedia(ctx, req.To, req.URL, fileType(attachmentKind(req.URL)))
		if err == nil {
			if req.Caption != "" {
				if _, err := a.SendText(ctx, &channels.TextRequest{
					To:         req.To,
					ChatType:   req.ChatType,
					Text:       req.Caption,
					MessageSid: req.MessageSid,
				}); err != nil {
					a.Logger().Warn().Err(err).Msg("caption send failed")
				}
			}
			a.MarkOutbound()
			return &channels.SendResult{Success: true}, nil
		}
		a.Logger().Warn().Err(err).Msg("rich media upload failed, degrading to link")
	}
	return a.SendText(ctx, &channels.TextRequest{
		To:         req.To,
		ChatType:   req.ChatType,
		Text:       mediaFallback(req),
		MessageSid: req.MessageSid,
	})
}

// sendRichMedia posts one v2 files upload with srv_send_msg so the
// platform delivers the message itself.
func (a *Adapter) sendRichMedia(ctx context.Context, to, fileURL string, ft int) error {
	var endpoint string
	switch {
	case strings.HasPrefix(to, peerGroup):
		endpoint = "/v2/groups/" + strings.TrimPrefix(to, peerGroup) + "/files"
	case strings.HasPrefix(to, peerC2C):
		endpoint = "/v2/users/" + strings.TrimPrefix(to, peerC2C) + "/files"
	default:
		return fmt.Errorf("qq: no file upload for target %q", to)
	}
	tok, err := a.tokenSource.Token()
	if err != nil {
		return fmt.Errorf("qq: access token: %w", err)
	}
	var result struct {
		FileUUID string `json:"file_uuid"`
		Message  string `json:"message"`
	}
	resp, err := a.rest.R().
		SetContext(ctx).
		SetHeader("Authorization", "QQBot "+tok.AccessToken).
		SetBody(map[string]any{"file_type": ft, "url": fileURL, "srv_send_msg": true}).
		SetResult(&result).
		Post(endpoint)
	if err != nil {
		return fmt.Errorf("qq: file upload: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("qq: file upload: %s: %s", resp.Status(), result.Message)
	}
	return nil
}

// canUploadTo reports whether the target surface carries the v2 files
// endpoint. Guild channels only take uploads by multipart, which the
// link degradation covers well enough.
func canUploadTo(to string) bool {
	return strings.HasPrefix(to, peerGroup) || strings.HasPrefix(to, peerC2C)
}

// mediaFallback renders the link degradation of a media request.
func mediaFallback(req *channels.MediaRequest) string {
	ref := firstNonEmpty(req.URL, req.Path)
	text := "📎 " + ref
	if fileType(attachmentKind(ref)) == fileTypeFile {
		text = markdown.FileFallbackText(firstNonEmpty(req.Name, ref), ref)
	}
	if req.Caption != "" {
		text = req.Caption + "\n" + text
	}
	return text
}

func fileType(kind string) int {
	switch kind {
	case "image":
		return fileTypeImage
	case "video":
		return fileTypeVideo
	case "voice":
		return fileTypeVoice
	default:
		return fileTypeFile
	}
}

func (a *Adapter) post(ctx context.Context, to string, msg *dto.MessageToCreate) (*dto.Message, error) {
	switch {
	case strings.HasPrefix(to, peerGroup):
		return a.api.PostGroupMessage(ctx, strings.TrimPrefix(to, peerGroup), msg)
	case strings.HasPrefix(to, peerC2C):
		return a.api.PostC2CMessage(ctx, strings.TrimPrefix(to, peerC2C), msg)
	case strings.HasPrefix(to, peerGuild):
		return a.api.PostDirectMessage(ctx, &dto.DirectMessage{GuildID: strings.TrimPrefix(to, peerGuild)}, msg)
	case strings.HasPrefix(to, peerChannel):
		return a.api.PostMessage(ctx, strings.TrimPrefix(to, peerChannel), msg)
	default:
		return a.api.PostMessage(ctx, to, msg)
	}
}

// stripMentions removes <@!id> mention tags and trims the remainder.
func stripMentions(content string) string {
	for {
		start := strings.Index(content, "<@")
		if start < 0 {
			break
		}
		end := strings.Index(content[start:], ">")
		if end < 0 {
			break
		}
		content = content[:start] + content[start+end+1:]
	}
	return strings.TrimSpace(content)
}

func attachmentKind(url string) string {
	switch strings.ToLower(path.Ext(strings.SplitN(url, "?", 2)[0])) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		return "image"
	case ".amr", ".silk", ".mp3", ".wav":
		return "voice"
	case ".mp4", ".mov":
		return "video"
	default:
		return "file"
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
