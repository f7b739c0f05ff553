package dingtalk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/open-dingtalk/dingtalk-stream-sdk-go/chatbot"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wendell1224/openclaw-china/internal/channels"
	"github.com/wendell1224/openclaw-china/internal/config"
	"github.com/wendell1224/openclaw-china/internal/media"
	"github.com/wendell1224/openclaw-china/internal/tokencache"
)

type apiRecorder struct {
	mu    sync.Mutex
	calls []recordedCall
}

type recordedCall struct {
	Method string
	Path   string
	Token  string
	Body   map[string]any
}

func newTestAdapter(t *testing.T, cfg config.ResolvedDingTalk) (*Adapter, *apiRecorder) {
	t.Helper()
	rec := &apiRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/v1.0/oauth2/accessToken" {
			_ = json.NewEncoder(w).Encode(map[string]any{"accessToken": "tok-1", "expireIn": 7200})
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		rec.mu.Lock()
		rec.calls = append(rec.calls, recordedCall{
			Method: r.Method,
			Path:   r.URL.Path,
			Token:  r.Header.Get("x-acs-dingtalk-access-token"),
			Body:   body,
		})
		rec.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"errcode": 0})
	}))
	t.Cleanup(srv.Close)

	a := New(cfg, channels.Deps{Log: zerolog.Nop(), Tokens: tokencache.New()})
	a.api.SetBaseURL(srv.URL)
	return a, rec
}

func resolved() config.ResolvedDingTalk {
	return config.ResolvedDingTalk{
		AccountID:    "default",
		Name:         "DingTalk",
		Enabled:      true,
		ClientID:     "ck",
		ClientSecret: "cs",
	}
}

func TestNormalizeText(t *testing.T) {
	env := normalize("default", &chatbot.BotCallbackDataModel{
		MsgId:            "m1",
		Msgtype:          "text",
		ConversationType: "1",
		ConversationId:   "cid1",
		SenderStaffId:    "staff1",
		SenderNick:       "小王",
		SessionWebhook:   "https://oapi.dingtalk.com/robot/sendBySession?session=abc",
		CreateAt:         1700000000000,
		Text:             chatbot.BotCallbackDataTextModel{Content: " 你好 "},
	})
	require.NotNil(t, env)
	assert.Equal(t, channels.ChatTypeDirect, env.ChatType)
	assert.Equal(t, "staff1", env.PeerID)
	assert.Equal(t, "你好", env.Body)
	assert.Equal(t, int64(1700000000), env.Timestamp)
	assert.False(t, env.WasMentioned)
	assert.Contains(t, env.MessageSid, "sendBySession")
}

func TestNormalizeGroupIsMentioned(t *testing.T) {
	env := normalize("default", &chatbot.BotCallbackDataModel{
		MsgId:            "m2",
		ConversationType: "2",
		ConversationId:   "cid2",
		SenderStaffId:    "staff1",
		Text:             chatbot.BotCallbackDataTextModel{Content: "hi"},
	})
	require.NotNil(t, env)
	assert.Equal(t, channels.ChatTypeGroup, env.ChatType)
	assert.Equal(t, "cid2", env.PeerID)
	assert.True(t, env.WasMentioned)
}

func TestNormalizeAudioUsesRecognition(t *testing.T) {
	env := normalize("default", &chatbot.BotCallbackDataModel{
		MsgId:            "m3",
		Msgtype:          "audio",
		ConversationType: "1",
		SenderStaffId:    "staff1",
		Content:          map[string]interface{}{"recognition": "明天开会", "downloadCode": "dc-voice"},
	})
	require.NotNil(t, env)
	assert.Equal(t, "明天开会", env.Body)
	require.Len(t, env.Attachments, 1)
	assert.Equal(t, "voice", env.Attachments[0].Kind)
	assert.Equal(t, "dc-voice", env.Attachments[0].Source)

	// No recognition text means nothing to dispatch.
	assert.Nil(t, normalize("default", &chatbot.BotCallbackDataModel{
		Msgtype: "audio",
		Content: map[string]interface{}{},
	}))
}

func TestNormalizeFileCarriesName(t *testing.T) {
	env := normalize("default", &chatbot.BotCallbackDataModel{
		MsgId:            "m4",
		Msgtype:          "file",
		ConversationType: "1",
		SenderStaffId:    "staff1",
		Content:          map[string]interface{}{"downloadCode": "dc-file", "fileName": "周报.pdf"},
	})
	require.NotNil(t, env)
	assert.Equal(t, "[文件]", env.Body)
	require.Len(t, env.Attachments, 1)
	assert.Equal(t, "file", env.Attachments[0].Kind)
	assert.Equal(t, "周报.pdf", env.Attachments[0].Name)
}

func newMediaAdapter(t *testing.T) *Adapter {
	t.Helper()
	root := t.TempDir()
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1.0/oauth2/accessToken":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{"accessToken": "tok-1", "expireIn": 7200})
		case "/v1.0/robot/messageFiles/download":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			assert.Equal(t, "ck", body["robotCode"])
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{"downloadUrl": srvURL + "/blob/pic.png"})
		case "/blob/pic.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("png-bytes"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	srvURL = srv.URL

	svc := &media.Service{
		TempRoot:    filepath.Join(root, "tmp"),
		InboundRoot: filepath.Join(root, "inbound"),
		MaxBytes:    1 << 20,
		Log:         zerolog.Nop(),
	}
	a := New(resolved(), channels.Deps{Log: zerolog.Nop(), Tokens: tokencache.New(), Media: svc})
	a.api.SetBaseURL(srv.URL)
	return a
}

func TestFetchInboundArchivesImage(t *testing.T) {
	a := newMediaAdapter(t)

	env := normalize("default", &chatbot.BotCallbackDataModel{
		MsgId:            "m5",
		Msgtype:          "picture",
		ConversationType: "1",
		SenderStaffId:    "staff1",
		Content:          map[string]interface{}{"downloadCode": "dc1"},
	})
	require.NotNil(t, env)
	assert.Equal(t, "[图片]", env.Body)

	a.fetchInbound(context.Background(), env)

	require.Len(t, env.Attachments, 1)
	att := env.Attachments[0]
	require.NotEmpty(t, att.LocalPath)
	assert.FileExists(t, att.LocalPath)
	assert.Contains(t, att.LocalPath, "inbound")
	assert.Equal(t, "[image] saved:"+att.LocalPath, env.Body)
}

func TestFetchInboundVoiceKeepsRecognition(t *testing.T) {
	a := newMediaAdapter(t)

	env := normalize("default", &chatbot.BotCallbackDataModel{
		MsgId:            "m6",
		Msgtype:          "audio",
		ConversationType: "1",
		SenderStaffId:    "staff1",
		Content:          map[string]interface{}{"recognition": "明天开会", "downloadCode": "dc2"},
	})
	require.NotNil(t, env)

	a.fetchInbound(context.Background(), env)

	att := env.Attachments[0]
	require.NotEmpty(t, att.LocalPath)
	assert.Equal(t, "[voice] saved:"+att.LocalPath+"\n[recognition] 明天开会", env.Body)
}

func TestFetchInboundKeepsPlaceholderOnFailure(t *testing.T) {
	a := newMediaAdapter(t)

	env := normalize("default", &chatbot.BotCallbackDataModel{
		MsgId:            "m7",
		Msgtype:          "video",
		ConversationType: "1",
		SenderStaffId:    "staff1",
		Content:          map[string]interface{}{"downloadCode": "dc3"},
	})
	require.NotNil(t, env)

	// A one-byte limit makes the download fail.
	a.media.MaxBytes = 1
	a.fetchInbound(context.Background(), env)

	assert.Equal(t, "[视频]", env.Body)
	assert.Empty(t, env.Attachments[0].LocalPath)
}

func TestSendTextPrefersSessionWebhook(t *testing.T) {
	a, rec := newTestAdapter(t, resolved())
	srvURL := a.api.BaseURL

	res, err := a.SendText(context.Background(), &channels.TextRequest{
		To:         "staff1",
		Text:       "# 标题\n正文",
		MessageSid: srvURL + "/robot/sendBySession",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)

	require.Len(t, rec.calls, 1)
	call := rec.calls[0]
	assert.Equal(t, "/robot/sendBySession", call.Path)
	assert.Equal(t, "markdown", call.Body["msgtype"])
	md := call.Body["markdown"].(map[string]any)
	assert.Equal(t, "# 标题", md["title"])
}

func TestSendTextActiveDirect(t *testing.T) {
	a, rec := newTestAdapter(t, resolved())

	_, err := a.SendText(context.Background(), &channels.TextRequest{
		To:       "staff1",
		ChatType: channels.ChatTypeDirect,
		Text:     "hello",
	})
	require.NoError(t, err)

	require.Len(t, rec.calls, 1)
	call := rec.calls[0]
	assert.Equal(t, "/v1.0/robot/oToMessages/batchSend", call.Path)
	assert.Equal(t, "tok-1", call.Token)
	assert.Equal(t, "sampleMarkdown", call.Body["msgKey"])
	assert.Equal(t, []any{"staff1"}, call.Body["userIds"])
}

func TestSendTextActiveGroup(t *testing.T) {
	a, rec := newTestAdapter(t, resolved())

	_, err := a.SendText(context.Background(), &channels.TextRequest{
		To:       "cid1",
		ChatType: channels.ChatTypeGroup,
		Text:     "hello",
	})
	require.NoError(t, err)

	require.Len(t, rec.calls, 1)
	call := rec.calls[0]
	assert.Equal(t, "/v1.0/robot/groupMessages/send", call.Path)
	assert.Equal(t, "cid1", call.Body["openConversationId"])
}

func TestSendMediaEmbedsMarkdown(t *testing.T) {
	a, rec := newTestAdapter(t, resolved())

	_, err := a.SendMedia(context.Background(), &channels.MediaRequest{
		To:       "staff1",
		ChatType: channels.ChatTypeDirect,
		URL:      "https://example.com/pic.png",
		Name:     "pic.png",
	})
	require.NoError(t, err)

	require.Len(t, rec.calls, 1)
	var param map[string]string
	require.NoError(t, json.Unmarshal([]byte(rec.calls[0].Body["msgParam"].(string)), &param))
	assert.Contains(t, param["text"], "![pic.png](https://example.com/pic.png)")
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "标题", firstLine("标题\n正文"))
	assert.Equal(t, "消息", firstLine("  \n"))
}
