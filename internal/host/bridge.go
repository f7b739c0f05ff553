package host

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// Bridge binds the Router and Dispatcher ports to a Host process over
// HTTP. Routes resolve with one POST; dispatches stream reply blocks
// back as newline-delimited JSON so the card streamer sees interim
// output as it is produced.
type Bridge struct {
	base  string
	token string
	http  *resty.Client
	log   zerolog.Logger
}

// NewBridge creates a bridge for the Host at baseURL. token, when set,
// is sent as a bearer credential.
func NewBridge(baseURL, token string, log zerolog.Logger) *Bridge {
	return &Bridge{
		base:  baseURL,
		token: token,
		http:  resty.New().SetBaseURL(baseURL),
		log:   log.With().Str("component", "hostbridge").Logger(),
	}
}

func (b *Bridge) request(ctx context.Context) *resty.Request {
	r := b.http.R().SetContext(ctx)
	if b.token != "" {
		r.SetAuthToken(b.token)
	}
	return r
}

func (b *Bridge) ResolveRoute(ctx context.Context, req RouteRequest) (Route, error) {
	var route Route
	resp, err := b.request(ctx).
		SetBody(req).
		SetResult(&route).
		Post("/v1/route")
	if err != nil {
		return Route{}, fmt.Errorf("host: resolve route: %w", err)
	}
	if resp.IsError() {
		return Route{}, fmt.Errorf("host: resolve route: %s", resp.Status())
	}
	return route, nil
}

// dispatchRequest is the wire form of one agent turn.
type dispatchRequest struct {
	Route Route  `json:"route"`
	Body  string `json:"body"`
}

// block is one streamed reply line.
type block struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

// Dispatch posts the turn and feeds each streamed block to deliver.
// The response stays open for the life of the agent run, so no client
// timeout applies here.
func (b *Bridge) Dispatch(ctx context.Context, route Route, body string, deliver DeliverFunc) error {
	payload, err := json.Marshal(dispatchRequest{Route: route, Body: body})
	if err != nil {
		return fmt.Errorf("host: encode dispatch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.base+"/v1/dispatch", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("host: dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.http.GetClient().Do(req)
	if err != nil {
		return fmt.Errorf("host: dispatch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("host: dispatch: %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var blk block
		if err := json.Unmarshal(line, &blk); err != nil {
			b.log.Warn().Err(err).Msg("unreadable reply block, skipping")
			continue
		}
		if err := deliver(ctx, BlockKind(blk.Kind), blk.Text); err != nil {
			b.log.Error().Err(err).Str("kind", blk.Kind).Msg("deliver reply block failed")
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("host: dispatch stream: %w", err)
	}
	return nil
}

// MarkIdle notifies the Host that the conversation drained. Best effort.
func (b *Bridge) MarkIdle(sessionKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := b.request(ctx).
		SetBody(map[string]string{"sessionKey": sessionKey}).
		Post("/v1/idle")
	if err != nil {
		b.log.Debug().Err(err).Str("session", sessionKey).Msg("mark idle failed")
	}
}
