package dingtalk

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wendell1224/openclaw-china/internal/channels"
	"github.com/wendell1224/openclaw-china/internal/host"
)

func cardEnv(chatType channels.ChatType) *channels.InboundEnvelope {
	return &channels.InboundEnvelope{
		Channel:   channels.ChannelDingTalk,
		AccountID: "default",
		ChatType:  chatType,
		SenderID:  "staff1",
		PeerID:    "cid1",
	}
}

func TestOpenCardCreatesAndDelivers(t *testing.T) {
	cfg := resolved()
	cfg.EnableAICard = true
	a, rec := newTestAdapter(t, cfg)

	card, err := a.OpenCard(context.Background(), cardEnv(channels.ChatTypeGroup))
	require.NoError(t, err)
	require.NotNil(t, card)

	require.Len(t, rec.calls, 2)
	create, deliver := rec.calls[0], rec.calls[1]
	assert.Equal(t, "/v1.0/card/instances", create.Path)
	assert.Equal(t, aiCardTemplateID, create.Body["cardTemplateId"])
	assert.Equal(t, card.outTrackID, create.Body["outTrackId"])

	assert.Equal(t, "/v1.0/card/instances/deliver", deliver.Path)
	assert.Equal(t, "dtv1.card//IM_GROUP.cid1", deliver.Body["openSpaceId"])
	assert.Contains(t, deliver.Body, "imGroupOpenDeliverModel")
}

func TestOpenCardDirectSpace(t *testing.T) {
	cfg := resolved()
	cfg.EnableAICard = true
	a, rec := newTestAdapter(t, cfg)

	_, err := a.OpenCard(context.Background(), cardEnv(channels.ChatTypeDirect))
	require.NoError(t, err)
	assert.Equal(t, "dtv1.card//IM_ROBOT.staff1", rec.calls[1].Body["openSpaceId"])
}

func TestCardStreamingLifecycle(t *testing.T) {
	cfg := resolved()
	cfg.EnableAICard = true
	a, rec := newTestAdapter(t, cfg)

	card, err := a.OpenCard(context.Background(), cardEnv(channels.ChatTypeDirect))
	require.NoError(t, err)

	require.NoError(t, card.Deliver(context.Background(), host.BlockTyping, ""))
	require.NoError(t, card.Deliver(context.Background(), host.BlockInterim, "部分"))
	require.NoError(t, card.Finish(context.Background(), nil))

	// create + deliver + INPUTING + interim update + finalize + FINISHED
	require.Len(t, rec.calls, 6)
	inputing, interim, finalize, finished := rec.calls[2], rec.calls[3], rec.calls[4], rec.calls[5]

	assert.Equal(t, "PUT", inputing.Method)
	assert.Equal(t, "/v1.0/card/instances", inputing.Path)
	assert.Equal(t, "INPUTING", cardFlowStatus(t, inputing))

	assert.Equal(t, "PUT", interim.Method)
	assert.Equal(t, "/v1.0/card/streaming", interim.Path)
	assert.Equal(t, "部分", interim.Body["content"])
	assert.Equal(t, true, interim.Body["isFull"])
	assert.Equal(t, false, interim.Body["isFinalize"])
	assert.NotEmpty(t, interim.Body["guid"])

	assert.Equal(t, "/v1.0/card/streaming", finalize.Path)
	assert.Equal(t, true, finalize.Body["isFinalize"])
	assert.Equal(t, false, finalize.Body["isError"])
	assert.Equal(t, "部分", finalize.Body["content"])

	assert.Equal(t, "PUT", finished.Method)
	assert.Equal(t, "/v1.0/card/instances", finished.Path)
	assert.Equal(t, "FINISHED", cardFlowStatus(t, finished))
}

func cardFlowStatus(t *testing.T, call recordedCall) string {
	t.Helper()
	data, ok := call.Body["cardData"].(map[string]any)
	require.True(t, ok)
	params, ok := data["cardParamMap"].(map[string]any)
	require.True(t, ok)
	status, _ := params["flowStatus"].(string)
	return status
}

func TestCardRepeatDeliverSetsInputingOnce(t *testing.T) {
	cfg := resolved()
	cfg.EnableAICard = true
	a, rec := newTestAdapter(t, cfg)

	card, err := a.OpenCard(context.Background(), cardEnv(channels.ChatTypeDirect))
	require.NoError(t, err)

	require.NoError(t, card.Deliver(context.Background(), host.BlockInterim, "一"))
	require.NoError(t, card.Deliver(context.Background(), host.BlockInterim, "一二"))

	var statusCalls int
	for _, call := range rec.calls {
		if call.Method == "PUT" && call.Path == "/v1.0/card/instances" {
			statusCalls++
		}
	}
	assert.Equal(t, 1, statusCalls)
}

func TestCardFinishWithErrorAppendsBanner(t *testing.T) {
	cfg := resolved()
	cfg.EnableAICard = true
	a, rec := newTestAdapter(t, cfg)

	card, err := a.OpenCard(context.Background(), cardEnv(channels.ChatTypeDirect))
	require.NoError(t, err)
	require.NoError(t, card.Deliver(context.Background(), host.BlockFinal, "回复"))
	require.NoError(t, card.Finish(context.Background(), assert.AnError))

	require.GreaterOrEqual(t, len(rec.calls), 2)
	finalize := rec.calls[len(rec.calls)-2]
	assert.Equal(t, "/v1.0/card/streaming", finalize.Path)
	assert.Equal(t, true, finalize.Body["isError"])
	assert.Contains(t, finalize.Body["content"], "回复")
	assert.Contains(t, finalize.Body["content"], "处理出错")

	finished := rec.calls[len(rec.calls)-1]
	assert.Equal(t, "/v1.0/card/instances", finished.Path)
	assert.Equal(t, "FINISHED", cardFlowStatus(t, finished))

	// Finishing twice is a no-op.
	before := len(rec.calls)
	require.NoError(t, card.Finish(context.Background(), nil))
	assert.Len(t, rec.calls, before)
}

func TestCardOpenerFallsBackWhenDisabled(t *testing.T) {
	a, _ := newTestAdapter(t, resolved())
	log := a.Logger()
	reg := channels.NewRegistry(log, nil)
	require.NoError(t, reg.Register(a))

	opener := CardOpener(reg)
	_, ok := opener(context.Background(), cardEnv(channels.ChatTypeDirect))
	assert.False(t, ok)
}
