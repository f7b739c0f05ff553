package qq

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tencent-connect/botgo/dto"
	"golang.org/x/oauth2"

	"github.com/wendell1224/openclaw-china/internal/asr"
	"github.com/wendell1224/openclaw-china/internal/channels"
	"github.com/wendell1224/openclaw-china/internal/config"
	"github.com/wendell1224/openclaw-china/internal/media"
)

func newTestAdapter() *Adapter {
	cfg := config.ResolvedQQ{
		AccountID:    "default",
		Name:         "QQ Bot",
		Enabled:      true,
		AppID:        102000001,
		ClientSecret: "secret",
	}
	return New(cfg, channels.Deps{Log: zerolog.Nop()})
}

func TestNormalizeGroupAtMessage(t *testing.T) {
	a := newTestAdapter()

	msg := &dto.Message{
		ID:      "m1",
		GroupID: "g1",
		Content: "<@!bot123> 帮我查一下天气",
		Author:  &dto.User{ID: "u1", Username: "小王"},
	}
	env := a.normalize(msg, peerGroup+msg.GroupID, channels.ChatTypeGroup, true)
	require.NotNil(t, env)
	assert.Equal(t, "m1", env.MessageID)
	assert.Equal(t, "m1", env.MessageSid)
	assert.Equal(t, "group:g1", env.PeerID)
	assert.Equal(t, channels.ChatTypeGroup, env.ChatType)
	assert.Equal(t, "帮我查一下天气", env.Body)
	assert.Equal(t, "u1", env.SenderID)
	assert.Equal(t, "小王", env.SenderName)
	assert.True(t, env.WasMentioned)
}

func TestNormalizeC2CMessage(t *testing.T) {
	a := newTestAdapter()

	msg := &dto.Message{
		ID:      "m2",
		Content: "  你好  ",
		Author:  &dto.User{ID: "u2"},
	}
	env := a.normalize(msg, peerC2C+msg.Author.ID, channels.ChatTypeDirect, false)
	require.NotNil(t, env)
	assert.Equal(t, "c2c:u2", env.PeerID)
	assert.Equal(t, "你好", env.Body)
	assert.False(t, env.WasMentioned)
}

func TestNormalizeDropsEmptyMessage(t *testing.T) {
	a := newTestAdapter()

	msg := &dto.Message{ID: "m3", Content: "<@!bot123>", Author: &dto.User{ID: "u"}}
	assert.Nil(t, a.normalize(msg, peerC2C+"u", channels.ChatTypeDirect, false))
}

func TestNormalizeAttachmentOnlyMessage(t *testing.T) {
	a := newTestAdapter()

	msg := &dto.Message{
		ID:      "m4",
		Content: "",
		Author:  &dto.User{ID: "u"},
		Attachments: []*dto.MessageAttachment{
			{URL: "https://cdn.example.com/pic.jpg?sig=x"},
		},
	}
	env := a.normalize(msg, peerC2C+"u", channels.ChatTypeDirect, false)
	require.NotNil(t, env)
	assert.Equal(t, "[附件]", env.Body)
	require.Len(t, env.Attachments, 1)
	assert.Equal(t, "image", env.Attachments[0].Kind)
}

func TestStripMentions(t *testing.T) {
	assert.Equal(t, "查天气", stripMentions("<@!123> 查天气"))
	assert.Equal(t, "前 后", stripMentions("前 <@456> 后"))
	assert.Equal(t, "", stripMentions("<@!only>"))
	assert.Equal(t, "无标签", stripMentions("无标签"))
}

func TestAttachmentKind(t *testing.T) {
	assert.Equal(t, "image", attachmentKind("https://e.com/a.PNG"))
	assert.Equal(t, "voice", attachmentKind("https://e.com/v.silk?k=1"))
	assert.Equal(t, "video", attachmentKind("https://e.com/c.mp4"))
	assert.Equal(t, "file", attachmentKind("https://e.com/doc.pdf"))
}

func newMediaService(t *testing.T) *media.Service {
	t.Helper()
	root := t.TempDir()
	return &media.Service{
		TempRoot:    filepath.Join(root, "tmp"),
		InboundRoot: filepath.Join(root, "inbound"),
		MaxBytes:    1 << 20,
		Client:      resty.New(),
		Log:         zerolog.Nop(),
	}
}

type uploadCall struct {
	path string
	auth string
	body map[string]any
}

func newUploadServer(t *testing.T, status int) (*httptest.Server, *[]uploadCall) {
	t.Helper()
	calls := &[]uploadCall{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		*calls = append(*calls, uploadCall{path: r.URL.Path, auth: r.Header.Get("Authorization"), body: body})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{"file_uuid": "fu1"})
	}))
	t.Cleanup(srv.Close)
	return srv, calls
}

func TestSendMediaUploadsToGroup(t *testing.T) {
	a := newTestAdapter()
	srv, calls := newUploadServer(t, http.StatusOK)
	a.rest = resty.New().SetBaseURL(srv.URL)
	a.tokenSource = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok"})

	res, err := a.SendMedia(context.Background(), &channels.MediaRequest{
		To:  "group:g1",
		URL: "https://cdn.example.com/pic.png",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, "/v2/groups/g1/files", call.path)
	assert.Equal(t, "QQBot tok", call.auth)
	assert.EqualValues(t, 1, call.body["file_type"])
	assert.Equal(t, "https://cdn.example.com/pic.png", call.body["url"])
	assert.Equal(t, true, call.body["srv_send_msg"])
}

func TestSendMediaUploadsVoiceToUser(t *testing.T) {
	a := newTestAdapter()
	srv, calls := newUploadServer(t, http.StatusOK)
	a.rest = resty.New().SetBaseURL(srv.URL)
	a.tokenSource = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok"})

	_, err := a.SendMedia(context.Background(), &channels.MediaRequest{
		To:  "c2c:u9",
		URL: "https://cdn.example.com/note.mp3",
	})
	require.NoError(t, err)

	require.Len(t, *calls, 1)
	assert.Equal(t, "/v2/users/u9/files", (*calls)[0].path)
	assert.EqualValues(t, 3, (*calls)[0].body["file_type"])
}

func TestSendMediaRejectedUploadDegradesToLink(t *testing.T) {
	a := newTestAdapter()
	srv, calls := newUploadServer(t, http.StatusBadRequest)
	a.rest = resty.New().SetBaseURL(srv.URL)
	a.tokenSource = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok"})

	// The adapter is not started, so the link degradation has no API
	// to post through; the upload attempt itself is what matters.
	_, err := a.SendMedia(context.Background(), &channels.MediaRequest{
		To:  "group:g1",
		URL: "https://cdn.example.com/pic.png",
	})
	assert.Error(t, err)
	assert.Len(t, *calls, 1)
}

func TestMediaFallback(t *testing.T) {
	text := mediaFallback(&channels.MediaRequest{Name: "周报.pdf", URL: "https://e.com/周报.pdf"})
	assert.Contains(t, text, "周报.pdf")
	assert.Contains(t, text, "https://e.com/周报.pdf")
	assert.NotContains(t, text, "📎")

	text = mediaFallback(&channels.MediaRequest{URL: "https://e.com/a.png", Caption: "看这个"})
	assert.True(t, strings.HasPrefix(text, "看这个\n📎 "))
}

func TestFileType(t *testing.T) {
	assert.Equal(t, 1, fileType("image"))
	assert.Equal(t, 2, fileType("video"))
	assert.Equal(t, 3, fileType("voice"))
	assert.Equal(t, 4, fileType("file"))
}

func TestFetchAttachmentsArchivesAndSplices(t *testing.T) {
	a := newTestAdapter()
	a.media = newMediaService(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	msg := &dto.Message{
		ID:          "m5",
		Author:      &dto.User{ID: "u"},
		Attachments: []*dto.MessageAttachment{{URL: srv.URL + "/pic.png"}},
	}
	env := a.normalize(msg, peerC2C+"u", channels.ChatTypeDirect, false)
	require.NotNil(t, env)
	a.fetchAttachments(context.Background(), env)

	att := env.Attachments[0]
	require.NotEmpty(t, att.LocalPath)
	assert.FileExists(t, att.LocalPath)
	assert.Contains(t, att.LocalPath, "inbound")
	assert.Equal(t, "[image] saved:"+att.LocalPath, env.Body)
}

func TestVoiceTranscriptionSplicesText(t *testing.T) {
	a := newTestAdapter()
	a.media = newMediaService(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/asr/") {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"code": 0, "flash_result": []map[string]string{{"text": "明天开会"}},
			})
			return
		}
		w.Header().Set("Content-Type", "audio/amr")
		_, _ = w.Write([]byte("amr-bytes"))
	}))
	defer srv.Close()
	a.asr = &asr.Client{AppID: "app", SecretID: "sid", SecretKey: "sk", Endpoint: srv.URL, Log: zerolog.Nop()}

	env := a.normalize(&dto.Message{
		ID:          "m6",
		Author:      &dto.User{ID: "u"},
		Attachments: []*dto.MessageAttachment{{URL: srv.URL + "/clip.amr"}},
	}, peerC2C+"u", channels.ChatTypeDirect, false)
	require.NotNil(t, env)

	ok := a.transcribeVoice(context.Background(), env)
	require.True(t, ok)
	assert.Equal(t, "明天开会", env.Body)
	assert.Equal(t, "明天开会", env.Attachments[0].Transcript)
	assert.Contains(t, env.Attachments[0].LocalPath, "inbound")
}

func TestVoiceTranscriptionFailureSkipsDispatch(t *testing.T) {
	a := newTestAdapter()
	a.media = newMediaService(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/asr/") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("amr-bytes"))
	}))
	defer srv.Close()
	a.asr = &asr.Client{AppID: "app", SecretID: "sid", SecretKey: "sk", Endpoint: srv.URL, Log: zerolog.Nop()}

	got := make(chan *channels.InboundEnvelope, 1)
	a.SetHandler(channels.MessageHandlerFunc(func(ctx context.Context, env *channels.InboundEnvelope) error {
		got <- env
		return nil
	}))

	a.dispatch(&dto.Message{
		ID:          "m7",
		Author:      &dto.User{ID: "u"},
		Attachments: []*dto.MessageAttachment{{URL: srv.URL + "/clip.amr"}},
	}, peerC2C+"u", channels.ChatTypeDirect, false)

	select {
	case <-got:
		t.Fatal("undeciphered voice message dispatched")
	case <-time.After(500 * time.Millisecond):
	}
}

func TestSendTextBeforeStart(t *testing.T) {
	a := newTestAdapter()
	_, err := a.SendText(context.Background(), &channels.TextRequest{To: "c2c:u", Text: "hi"})
	assert.Error(t, err)
}
