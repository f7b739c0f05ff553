package channels

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/wendell1224/openclaw-china/internal/config"
	"github.com/wendell1224/openclaw-china/internal/media"
	"github.com/wendell1224/openclaw-china/internal/tokencache"
	"github.com/wendell1224/openclaw-china/internal/webhook"
)

// Deps bundles the shared services handed to every adapter builder.
type Deps struct {
	Log     zerolog.Logger
	Media   *media.Service
	Tokens  *tokencache.Cache
	Webhook *webhook.Server
}

// Builder creates one adapter for one account. Builders live in the
// extensions packages; the gateway registers them at boot.
type Builder func(deps Deps, cfg *config.Config, accountID string) (Adapter, error)

// Factory maps channel types to their builders.
type Factory struct {
	mu       sync.RWMutex
	builders map[ChannelType]Builder
}

// NewFactory creates an empty factory.
func NewFactory() *Factory {
	return &Factory{builders: make(map[ChannelType]Builder)}
}

// RegisterBuilder installs the builder for one channel type.
func (f *Factory) RegisterBuilder(t ChannelType, b Builder) {
	f.mu.Lock()
	f.builders[t] = b
	f.mu.Unlock()
}

// Build creates an adapter for the given account.
func (f *Factory) Build(t ChannelType, deps Deps, cfg *config.Config, accountID string) (Adapter, error) {
	f.mu.RLock()
	b, ok := f.builders[t]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no builder for channel %q", t)
	}
	return b(deps, cfg, accountID)
}
