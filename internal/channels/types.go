// Package channels provides the channel adapter framework. Adapters
// translate between one platform account (DingTalk, Feishu, WeCom, QQ)
// and the channel-neutral envelope the Host runtime consumes.
package channels

import (
	"context"
	"time"
)

// ChannelType identifies a platform.
type ChannelType string

const (
	ChannelDingTalk ChannelType = "dingtalk"
	ChannelFeishu   ChannelType = "feishu"
	ChannelWeCom    ChannelType = "wecom"
	ChannelWeComApp ChannelType = "wecom-app"
	ChannelQQ       ChannelType = "qqbot"
)

// ChatType distinguishes DMs from group conversations.
type ChatType string

const (
	ChatTypeDirect ChatType = "direct"
	ChatTypeGroup  ChatType = "group"
)

// Capabilities describes what one channel account supports.
type Capabilities struct {
	ChatTypes  []ChatType `json:"chatTypes"`
	Media      bool       `json:"media"`
	Reply      bool       `json:"reply"`
	ActiveSend bool       `json:"activeSend"`
	Cards      bool       `json:"cards,omitempty"`
	Markdown   bool       `json:"markdown,omitempty"`
}

// Attachment is one media item extracted from an inbound message or
// attached to an outbound one.
type Attachment struct {
	Kind       string `json:"kind"` // image, voice, video, file
	Source     string `json:"source,omitempty"`
	LocalPath  string `json:"localPath,omitempty"`
	Name       string `json:"name,omitempty"`
	MimeType   string `json:"mimeType,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// InboundEnvelope is the channel-neutral form of one received message.
type InboundEnvelope struct {
	MessageID    string       `json:"messageId"`
	MessageSid   string       `json:"messageSid,omitempty"`
	Timestamp    int64        `json:"timestamp"`
	Channel      ChannelType  `json:"channel"`
	AccountID    string       `json:"accountId"`
	ChatType     ChatType     `json:"chatType"`
	SenderID     string       `json:"senderId"`
	SenderName   string       `json:"senderName,omitempty"`
	PeerID       string       `json:"peerId"`
	Body         string       `json:"body"`
	RawBody      string       `json:"rawBody,omitempty"`
	Attachments  []Attachment `json:"attachments,omitempty"`
	WasMentioned bool         `json:"wasMentioned,omitempty"`
}

// RuntimeState holds per-account runtime state.
type RuntimeState struct {
	Running        bool       `json:"running"`
	Mode           string     `json:"mode,omitempty"` // "stream", "websocket", "webhook"
	LastStartAt    *time.Time `json:"lastStartAt,omitempty"`
	LastStopAt     *time.Time `json:"lastStopAt,omitempty"`
	LastError      string     `json:"lastError,omitempty"`
	LastInboundAt  *time.Time `json:"lastInboundAt,omitempty"`
	LastOutboundAt *time.Time `json:"lastOutboundAt,omitempty"`
	MessageCount   int64      `json:"messageCount"`
}

// ProbeResult reports a credential check against the platform.
type ProbeResult struct {
	OK        bool   `json:"ok"`
	BotName   string `json:"botName,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latencyMs,omitempty"`
}

// SendResult reports the outcome of one outbound send.
type SendResult struct {
	MessageID string `json:"messageId"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// TextRequest sends text (possibly markdown) to a resolved peer.
type TextRequest struct {
	To       string   `json:"to"`
	ChatType ChatType `json:"chatType,omitempty"`
	Text     string   `json:"text"`
	ReplyTo  string   `json:"replyTo,omitempty"`
	// MessageSid carries platform reply context (QQ msg_id, WeCom
	// response_url token) when replying within a callback window.
	MessageSid string `json:"messageSid,omitempty"`
}

// MediaRequest sends one media item to a resolved peer.
type MediaRequest struct {
	To         string   `json:"to"`
	ChatType   ChatType `json:"chatType,omitempty"`
	Path       string   `json:"path,omitempty"`
	URL        string   `json:"url,omitempty"`
	Name       string   `json:"name,omitempty"`
	Caption    string   `json:"caption,omitempty"`
	MessageSid string   `json:"messageSid,omitempty"`
}

// MessageHandler receives normalized inbound messages. The dispatch
// coordinator implements this.
type MessageHandler interface {
	HandleIncoming(ctx context.Context, env *InboundEnvelope) error
}

// MessageHandlerFunc is a function adapter for MessageHandler.
type MessageHandlerFunc func(ctx context.Context, env *InboundEnvelope) error

func (f MessageHandlerFunc) HandleIncoming(ctx context.Context, env *InboundEnvelope) error {
	return f(ctx, env)
}
