package dingtalk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/wendell1224/openclaw-china/internal/channels"
	"github.com/wendell1224/openclaw-china/internal/dispatch"
	"github.com/wendell1224/openclaw-china/internal/host"
)

// aiCardTemplateID is DingTalk's public streaming AI card template.
const aiCardTemplateID = "382e4302-551d-4880-bf29-a30acc80ee30.schema"

// streamInterval throttles card updates; the platform rejects faster
// refreshes.
const streamInterval = 300 * time.Millisecond

type cardState int

const (
	cardCreated cardState = iota
	cardInputing
	cardFinished
)

// flowStatus values the template renders as the typing / done states.
const (
	statusInputing = "INPUTING"
	statusFinished = "FINISHED"
)

// Card is one streaming AI card instance. It receives reply blocks and
// pushes full-content snapshots to the card until finalized.
type Card struct {
	adapter    *Adapter
	outTrackID string
	limiter    *rate.Limiter
	log        zerolog.Logger

	mu    sync.Mutex
	state cardState
	text  string
}

// CardOpener builds the streamer opener wired into the dispatch
// coordinator. It opens a card only for accounts with AI cards enabled;
// any failure falls back to chunked text delivery.
func CardOpener(reg *channels.Registry) dispatch.StreamerOpener {
	return func(ctx context.Context, env *channels.InboundEnvelope) (dispatch.Streamer, bool) {
		adapter, ok := reg.Get(channels.ChannelDingTalk, env.AccountID)
		if !ok {
			return nil, false
		}
		a, ok := adapter.(*Adapter)
		if !ok || !a.cfg.EnableAICard {
			return nil, false
		}
		card, err := a.OpenCard(ctx, env)
		if err != nil {
			a.Logger().Warn().Err(err).Msg("open ai card failed, falling back to text")
			return nil, false
		}
		return card, true
	}
}

// OpenCard creates and delivers a card instance into the conversation.
func (a *Adapter) OpenCard(ctx context.Context, env *channels.InboundEnvelope) (*Card, error) {
	token, err := a.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	outTrackID := uuid.NewString()
	card := &Card{
		adapter:    a,
		outTrackID: outTrackID,
		limiter:    rate.NewLimiter(rate.Every(streamInterval), 1),
		log:        a.Logger().With().Str("outTrackId", outTrackID).Logger(),
	}

	createBody := map[string]any{
		"cardTemplateId": aiCardTemplateID,
		"outTrackId":     card.outTrackID,
		"cardData": map[string]any{
			"cardParamMap": map[string]string{"content": ""},
		},
	}
	if err := a.cardCall(ctx, token, resty.MethodPost, "/v1.0/card/instances", createBody); err != nil {
		return nil, fmt.Errorf("dingtalk: create card: %w", err)
	}

	deliverBody := map[string]any{
		"outTrackId": card.outTrackID,
	}
	if env.ChatType == channels.ChatTypeGroup {
		deliverBody["openSpaceId"] = "dtv1.card//IM_GROUP." + env.PeerID
		deliverBody["imGroupOpenDeliverModel"] = map[string]any{"robotCode": a.cfg.ClientID}
	} else {
		deliverBody["openSpaceId"] = "dtv1.card//IM_ROBOT." + env.SenderID
		deliverBody["imRobotOpenDeliverModel"] = map[string]any{"spaceType": "IM_ROBOT"}
	}
	if err := a.cardCall(ctx, token, resty.MethodPost, "/v1.0/card/instances/deliver", deliverBody); err != nil {
		return nil, fmt.Errorf("dingtalk: deliver card: %w", err)
	}
	return card, nil
}

// Deliver pushes one reply block onto the card. Every update carries
// the full accumulated content (isFull), so a dropped frame cannot
// leave the card truncated.
func (c *Card) Deliver(ctx context.Context, kind host.BlockKind, text string) error {
	if kind == host.BlockTyping {
		return nil
	}
	c.mu.Lock()
	if c.state == cardFinished {
		c.mu.Unlock()
		return nil
	}
	first := c.state == cardCreated
	c.state = cardInputing
	c.text = text
	c.mu.Unlock()

	if first {
		// The card shows the typing indicator only after the status
		// flip, so it must land before the first streaming frame.
		if err := c.setStatus(ctx, statusInputing); err != nil {
			c.log.Warn().Err(err).Msg("card status update failed")
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := c.stream(ctx, text, false, false); err != nil {
		// Interim update failures are retried implicitly by the next
		// full snapshot.
		c.log.Warn().Err(err).Msg("card streaming update failed")
	}
	return nil
}

// Finish finalizes the card exactly once. A dispatch error appends a
// visible failure banner before finalizing.
func (c *Card) Finish(ctx context.Context, dispatchErr error) error {
	c.mu.Lock()
	if c.state == cardFinished {
		c.mu.Unlock()
		return nil
	}
	neverStreamed := c.state == cardCreated
	c.state = cardFinished
	text := c.text
	c.mu.Unlock()

	if neverStreamed {
		if err := c.setStatus(ctx, statusInputing); err != nil {
			c.log.Warn().Err(err).Msg("card status update failed")
		}
	}

	isError := dispatchErr != nil
	if isError {
		if text != "" {
			text += "\n\n"
		}
		text += "> ⚠️ 处理出错，请稍后重试"
	}
	if err := c.stream(ctx, text, true, isError); err != nil {
		return fmt.Errorf("dingtalk: finalize card: %w", err)
	}
	if err := c.setStatus(ctx, statusFinished); err != nil {
		return fmt.Errorf("dingtalk: finish card: %w", err)
	}
	return nil
}

// setStatus flips the card's flowStatus. Status transitions ride the
// same instances endpoint card creation uses, as a PUT.
func (c *Card) setStatus(ctx context.Context, status string) error {
	token, err := c.adapter.accessToken(ctx)
	if err != nil {
		return err
	}
	body := map[string]any{
		"outTrackId": c.outTrackID,
		"cardData": map[string]any{
			"cardParamMap": map[string]string{"flowStatus": status},
		},
	}
	return c.adapter.cardCall(ctx, token, resty.MethodPut, "/v1.0/card/instances", body)
}

func (c *Card) stream(ctx context.Context, content string, finalize, isError bool) error {
	token, err := c.adapter.accessToken(ctx)
	if err != nil {
		return err
	}
	body := map[string]any{
		"outTrackId": c.outTrackID,
		"guid":       uuid.NewString(),
		"key":        "content",
		"content":    content,
		"isFull":     true,
		"isFinalize": finalize,
		"isError":    isError,
	}
	return c.adapter.cardCall(ctx, token, resty.MethodPut, "/v1.0/card/streaming", body)
}

func (a *Adapter) cardCall(ctx context.Context, token, method, path string, body map[string]any) error {
	req := a.api.R().
		SetContext(ctx).
		SetHeader("x-acs-dingtalk-access-token", token).
		SetBody(body)
	resp, err := req.Execute(method, path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status())
	}
	return nil
}
