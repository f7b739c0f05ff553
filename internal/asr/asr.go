// Package asr transcribes short voice clips through Tencent Cloud's
// Flash recognition endpoint. One synchronous HTTP call per clip; the
// caller decides what to do when recognition fails.
package asr

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// DefaultTimeout bounds one recognition call.
const DefaultTimeout = 30 * time.Second

const defaultEndpoint = "https://asr.cloud.tencent.com"

// ErrNoResult is returned when the service answers without any
// recognized text.
var ErrNoResult = errors.New("asr: empty recognition result")

// Client calls the Flash recognition API.
type Client struct {
	AppID     string
	SecretID  string
	SecretKey string
	Timeout   time.Duration
	HTTP      *resty.Client
	Log       zerolog.Logger

	// Endpoint overrides the production API host in tests.
	Endpoint string
}

type flashResponse struct {
	Code        int    `json:"code"`
	Message     string `json:"message"`
	RequestID   string `json:"request_id"`
	FlashResult []struct {
		Text string `json:"text"`
	} `json:"flash_result"`
}

// Transcribe submits raw audio bytes and returns the recognized text.
// format is the clip container, e.g. "amr", "silk", "wav", "mp3".
func (c *Client) Transcribe(ctx context.Context, audio []byte, format string) (string, error) {
	timeout := c.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := c.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("asr: endpoint: %w", err)
	}

	params := map[string]string{
		"secretid":     c.SecretID,
		"engine_type":  "16k_zh",
		"voice_format": format,
		"timestamp":    fmt.Sprintf("%d", time.Now().Unix()),
	}
	path := "/asr/flash/v1/" + c.AppID
	query := canonicalQuery(params)
	sign := c.sign("POST" + u.Host + path + "?" + query)

	httpc := c.HTTP
	if httpc == nil {
		httpc = resty.New()
	}
	var out flashResponse
	resp, err := httpc.R().
		SetContext(ctx).
		SetHeader("Authorization", sign).
		SetHeader("Content-Type", "application/octet-stream").
		SetBody(audio).
		SetResult(&out).
		Post(endpoint + path + "?" + query)
	if err != nil {
		return "", fmt.Errorf("asr: request: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("asr: status %s", resp.Status())
	}
	if out.Code != 0 {
		return "", fmt.Errorf("asr: code %d: %s", out.Code, out.Message)
	}

	var parts []string
	for _, r := range out.FlashResult {
		if r.Text != "" {
			parts = append(parts, r.Text)
		}
	}
	if len(parts) == 0 {
		return "", ErrNoResult
	}
	text := strings.Join(parts, "\n")
	c.Log.Debug().Str("requestId", out.RequestID).Int("chars", len(text)).Msg("voice transcribed")
	return text, nil
}

// canonicalQuery sorts params by key, as the signature requires.
func canonicalQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params[k])
	}
	return strings.Join(pairs, "&")
}

func (c *Client) sign(msg string) string {
	mac := hmac.New(sha1.New, []byte(c.SecretKey))
	mac.Write([]byte(msg))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
