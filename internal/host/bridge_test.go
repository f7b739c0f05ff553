package host

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBridgeResolveRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/route", r.URL.Path)
		require.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))

		var req RouteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "dingtalk", req.Channel)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Route{
			SessionKey: "agent:main:dingtalk:default:u1",
			AgentID:    "main",
		})
	}))
	defer srv.Close()

	b := NewBridge(srv.URL, "s3cret", zerolog.Nop())
	route, err := b.ResolveRoute(context.Background(), RouteRequest{
		Channel: "dingtalk", AccountID: "default", Peer: "u1",
	})
	require.NoError(t, err)
	assert.Equal(t, "agent:main:dingtalk:default:u1", route.SessionKey)
}

func TestBridgeResolveRouteServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	b := NewBridge(srv.URL, "", zerolog.Nop())
	_, err := b.ResolveRoute(context.Background(), RouteRequest{Channel: "feishu"})
	assert.Error(t, err)
}

func TestBridgeDispatchStreamsBlocks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/dispatch", r.URL.Path)

		var req dispatchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "s1", req.Route.SessionKey)
		assert.Equal(t, "hello", req.Body)

		flusher := w.(http.Flusher)
		for _, blk := range []block{
			{Kind: "typing", Text: ""},
			{Kind: "interim", Text: "part"},
			{Kind: "final", Text: "part done"},
		} {
			line, _ := json.Marshal(blk)
			_, _ = w.Write(append(line, '\n'))
			flusher.Flush()
		}
	}))
	defer srv.Close()

	b := NewBridge(srv.URL, "", zerolog.Nop())

	var got []string
	err := b.Dispatch(context.Background(), Route{SessionKey: "s1"}, "hello",
		func(ctx context.Context, kind BlockKind, text string) error {
			got = append(got, string(kind)+":"+text)
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, []string{"typing:", "interim:part", "final:part done"}, got)
}

func TestBridgeDispatchPropagatesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	b := NewBridge(srv.URL, "", zerolog.Nop())
	err := b.Dispatch(context.Background(), Route{SessionKey: "s1"}, "x",
		func(ctx context.Context, kind BlockKind, text string) error { return nil })
	assert.Error(t, err)
}

func TestBridgeMarkIdleBestEffort(t *testing.T) {
	idle := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		idle <- body["sessionKey"]
	}))
	defer srv.Close()

	b := NewBridge(srv.URL, "", zerolog.Nop())
	b.MarkIdle("s9")
	assert.Equal(t, "s9", <-idle)
}
