package channels

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	*BaseAdapter
	startErr  error
	started   int
	stopped   int
	lastText  *TextRequest
	lastMedia *MediaRequest
}

func newFakeAdapter(chanType ChannelType, accountID string) *fakeAdapter {
	caps := &Capabilities{ChatTypes: []ChatType{ChatTypeDirect}, Media: true, Reply: true}
	return &fakeAdapter{
		BaseAdapter: NewBaseAdapter(chanType, accountID, "fake", caps, zerolog.Nop()),
	}
}

func (f *fakeAdapter) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started++
	f.SetRunning(true, "test")
	return nil
}

func (f *fakeAdapter) Stop(ctx context.Context) error {
	f.stopped++
	f.SetRunning(false, "")
	return nil
}

func (f *fakeAdapter) Probe(ctx context.Context) (*ProbeResult, error) {
	return &ProbeResult{OK: true}, nil
}

func (f *fakeAdapter) SendText(ctx context.Context, req *TextRequest) (*SendResult, error) {
	f.lastText = req
	f.MarkOutbound()
	return &SendResult{Success: true, MessageID: "m1"}, nil
}

func (f *fakeAdapter) SendMedia(ctx context.Context, req *MediaRequest) (*SendResult, error) {
	f.lastMedia = req
	return &SendResult{Success: true}, nil
}

func newTestRegistry(handler MessageHandler) *Registry {
	log := zerolog.Nop()
	return NewRegistry(&log, handler)
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := newTestRegistry(nil)
	a := newFakeAdapter(ChannelDingTalk, "default")
	require.NoError(t, r.Register(a))

	got, ok := r.Get(ChannelDingTalk, "default")
	assert.True(t, ok)
	assert.Equal(t, "dingtalk/default", got.ID())

	// Same account twice is rejected; a second account is fine.
	assert.Error(t, r.Register(newFakeAdapter(ChannelDingTalk, "default")))
	require.NoError(t, r.Register(newFakeAdapter(ChannelDingTalk, "ops")))
	assert.Len(t, r.GetByType(ChannelDingTalk), 2)
}

func TestRegistryHandlerWiring(t *testing.T) {
	var got *InboundEnvelope
	handler := MessageHandlerFunc(func(ctx context.Context, env *InboundEnvelope) error {
		got = env
		return nil
	})
	r := newTestRegistry(handler)
	a := newFakeAdapter(ChannelQQ, "default")
	require.NoError(t, r.Register(a))

	env := &InboundEnvelope{MessageID: "x", Channel: ChannelQQ, AccountID: "default"}
	require.NoError(t, a.Deliver(context.Background(), env))
	assert.Equal(t, "x", got.MessageID)
	assert.EqualValues(t, 1, a.State().MessageCount)
}

func TestRegistrySendRouting(t *testing.T) {
	r := newTestRegistry(nil)
	a := newFakeAdapter(ChannelFeishu, "default")
	require.NoError(t, r.Register(a))

	res, err := r.SendText(context.Background(), ChannelFeishu, "default", &TextRequest{To: "oc_1", Text: "hi"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "oc_1", a.lastText.To)

	_, err = r.SendText(context.Background(), ChannelWeCom, "default", &TextRequest{})
	assert.Error(t, err)
}

func TestRegistryStartStopAll(t *testing.T) {
	r := newTestRegistry(nil)
	a := newFakeAdapter(ChannelDingTalk, "default")
	b := newFakeAdapter(ChannelQQ, "default")
	b.startErr = assert.AnError
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))

	r.StartAll(context.Background())
	assert.True(t, a.IsRunning())
	assert.False(t, b.IsRunning())

	require.NoError(t, r.StopAll(context.Background()))
	assert.False(t, a.IsRunning())
}

func TestRegistryStatusSorted(t *testing.T) {
	r := newTestRegistry(nil)
	require.NoError(t, r.Register(newFakeAdapter(ChannelQQ, "default")))
	require.NoError(t, r.Register(newFakeAdapter(ChannelDingTalk, "default")))

	st := r.Status()
	require.Len(t, st, 2)
	assert.Equal(t, "dingtalk/default", st[0].ID)
	assert.Equal(t, "qqbot/default", st[1].ID)
}
