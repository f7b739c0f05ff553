package asr

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranscribe(t *testing.T) {
	var gotPath, gotAuth, gotFormat string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotFormat = r.URL.Query().Get("voice_format")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"code":0,"message":"success","request_id":"rid","flash_result":[{"text":"你好"},{"text":"世界"}]}`))
	}))
	defer srv.Close()

	c := &Client{AppID: "125", SecretID: "id", SecretKey: "key", Endpoint: srv.URL}
	text, err := c.Transcribe(context.Background(), []byte("amr-bytes"), "amr")
	require.NoError(t, err)
	assert.Equal(t, "你好\n世界", text)
	assert.Equal(t, "/asr/flash/v1/125", gotPath)
	assert.NotEmpty(t, gotAuth)
	assert.Equal(t, "amr", gotFormat)
	assert.Equal(t, "amr-bytes", string(gotBody))
}

func TestTranscribeServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"code":4001,"message":"audio decode failed"}`))
	}))
	defer srv.Close()

	c := &Client{AppID: "125", SecretID: "id", SecretKey: "key", Endpoint: srv.URL}
	_, err := c.Transcribe(context.Background(), []byte("x"), "wav")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "4001")
}

func TestTranscribeEmptyResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":0,"message":"success","flash_result":[{"text":""}]}`))
	}))
	defer srv.Close()

	c := &Client{AppID: "125", SecretID: "id", SecretKey: "key", Endpoint: srv.URL}
	_, err := c.Transcribe(context.Background(), []byte("x"), "silk")
	assert.ErrorIs(t, err, ErrNoResult)
}
