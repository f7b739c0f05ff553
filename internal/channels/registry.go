package channels

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Registry holds every running adapter, keyed by "channel/accountId".
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	handler  MessageHandler
	logger   *zerolog.Logger
}

// NewRegistry creates a registry. The handler is attached to every
// adapter at registration.
func NewRegistry(logger *zerolog.Logger, handler MessageHandler) *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		handler:  handler,
		logger:   logger,
	}
}

// Register adds an adapter and wires its handler.
func (r *Registry) Register(adapter Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := adapter.ID()
	if _, exists := r.adapters[id]; exists {
		return fmt.Errorf("adapter %q already registered", id)
	}
	adapter.SetHandler(r.handler)
	r.adapters[id] = adapter
	r.logger.Info().
		Str("adapter", id).
		Str("type", string(adapter.Type())).
		Msg("channel adapter registered")
	return nil
}

// Unregister stops (if needed) and removes an adapter.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	adapter, exists := r.adapters[id]
	if !exists {
		return fmt.Errorf("adapter %q not found", id)
	}
	if adapter.IsRunning() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = adapter.Stop(ctx)
	}
	delete(r.adapters, id)
	r.logger.Info().Str("adapter", id).Msg("channel adapter unregistered")
	return nil
}

// Get returns the adapter for one account.
func (r *Registry) Get(chanType ChannelType, accountID string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[string(chanType)+"/"+accountID]
	return adapter, ok
}

// GetByType returns all adapters of one channel.
func (r *Registry) GetByType(chanType ChannelType) []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []Adapter
	for _, adapter := range r.adapters {
		if adapter.Type() == chanType {
			result = append(result, adapter)
		}
	}
	return result
}

// All returns all registered adapters.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Adapter, 0, len(r.adapters))
	for _, adapter := range r.adapters {
		result = append(result, adapter)
	}
	return result
}

// StartAll starts every adapter. One account failing does not block the
// others; the failure lands in the adapter's state.
func (r *Registry) StartAll(ctx context.Context) {
	for _, adapter := range r.All() {
		if err := adapter.Start(ctx); err != nil {
			r.logger.Error().
				Err(err).
				Str("adapter", adapter.ID()).
				Msg("failed to start adapter")
		} else {
			r.logger.Info().
				Str("adapter", adapter.ID()).
				Msg("adapter started")
		}
	}
}

// StopAll stops every adapter, returning the last error.
func (r *Registry) StopAll(ctx context.Context) error {
	var lastErr error
	for _, adapter := range r.All() {
		if err := adapter.Stop(ctx); err != nil {
			r.logger.Error().
				Err(err).
				Str("adapter", adapter.ID()).
				Msg("failed to stop adapter")
			lastErr = err
		}
	}
	return lastErr
}

// SendText routes an outbound text to one account's adapter.
func (r *Registry) SendText(ctx context.Context, chanType ChannelType, accountID string, req *TextRequest) (*SendResult, error) {
	adapter, ok := r.Get(chanType, accountID)
	if !ok {
		return nil, fmt.Errorf("no adapter for %s/%s", chanType, accountID)
	}
	return adapter.SendText(ctx, req)
}

// SendMedia routes an outbound media item to one account's adapter.
func (r *Registry) SendMedia(ctx context.Context, chanType ChannelType, accountID string, req *MediaRequest) (*SendResult, error) {
	adapter, ok := r.Get(chanType, accountID)
	if !ok {
		return nil, fmt.Errorf("no adapter for %s/%s", chanType, accountID)
	}
	return adapter.SendMedia(ctx, req)
}

// AdapterStatus is one adapter's status for API and CLI output.
type AdapterStatus struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Type      ChannelType `json:"type"`
	AccountID string      `json:"accountId"`
	Running   bool        `json:"running"`
	Mode      string      `json:"mode,omitempty"`
	LastError string      `json:"lastError,omitempty"`
	Messages  int64       `json:"messages"`
}

// Status returns every adapter's status, sorted by id for stable output.
func (r *Registry) Status() []AdapterStatus {
	adapters := r.All()
	statuses := make([]AdapterStatus, 0, len(adapters))
	for _, adapter := range adapters {
		state := adapter.State()
		statuses = append(statuses, AdapterStatus{
			ID:        adapter.ID(),
			Name:      adapter.Name(),
			Type:      adapter.Type(),
			AccountID: adapter.AccountID(),
			Running:   state.Running,
			Mode:      state.Mode,
			LastError: state.LastError,
			Messages:  state.MessageCount,
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })
	return statuses
}
