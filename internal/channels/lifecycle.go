package channels

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/wendell1224/openclaw-china/internal/config"
)

// Manager reconciles the set of running adapters with the configuration.
// It is the single writer of the registry; Apply is called at boot and
// on every config reload.
type Manager struct {
	registry *Registry
	factory  *Factory
	deps     Deps
	log      zerolog.Logger

	mu           sync.Mutex
	fingerprints map[string]string
}

// NewManager creates a lifecycle manager over a registry and factory.
func NewManager(registry *Registry, factory *Factory, deps Deps, log zerolog.Logger) *Manager {
	return &Manager{
		registry:     registry,
		factory:      factory,
		deps:         deps,
		log:          log,
		fingerprints: make(map[string]string),
	}
}

// Registry exposes the managed registry for status and sending.
func (m *Manager) Registry() *Registry { return m.registry }

// Apply diffs the desired accounts against the running ones: removed or
// disabled accounts stop, new accounts start, accounts whose effective
// settings changed restart. A misconfigured account is skipped and
// logged; the rest proceed.
func (m *Manager) Apply(ctx context.Context, cfg *config.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	refs := cfg.DesiredAccounts()
	desired := make(map[string]config.AccountRef, len(refs))
	for _, ref := range refs {
		desired[ref.Channel+"/"+ref.AccountID] = ref
	}

	for _, adapter := range m.registry.All() {
		ref, ok := desired[adapter.ID()]
		if ok && ref.Enabled {
			continue
		}
		if err := m.registry.Unregister(adapter.ID()); err != nil {
			m.log.Error().Err(err).Str("adapter", adapter.ID()).Msg("failed to stop removed account")
		}
		delete(m.fingerprints, adapter.ID())
	}

	for _, ref := range refs {
		if !ref.Enabled {
			continue
		}
		key := ref.Channel + "/" + ref.AccountID
		if _, running := m.registry.Get(ChannelType(ref.Channel), ref.AccountID); running {
			if m.fingerprints[key] == ref.Fingerprint {
				continue
			}
			m.log.Info().Str("adapter", key).Msg("account settings changed, restarting")
			if err := m.registry.Unregister(key); err != nil {
				m.log.Error().Err(err).Str("adapter", key).Msg("failed to stop changed account")
				continue
			}
		}

		adapter, err := m.factory.Build(ChannelType(ref.Channel), m.deps, cfg, ref.AccountID)
		if err != nil {
			m.log.Error().Err(err).Str("adapter", key).Msg("account misconfigured, skipping")
			delete(m.fingerprints, key)
			continue
		}
		if err := m.registry.Register(adapter); err != nil {
			m.log.Error().Err(err).Str("adapter", key).Msg("failed to register adapter")
			continue
		}
		if err := adapter.Start(ctx); err != nil {
			m.log.Error().Err(err).Str("adapter", key).Msg("failed to start adapter")
		}
		m.fingerprints[key] = ref.Fingerprint
	}
}

// StartAccount starts one stopped account in place.
func (m *Manager) StartAccount(ctx context.Context, chanType ChannelType, accountID string) error {
	adapter, ok := m.registry.Get(chanType, accountID)
	if !ok {
		return fmt.Errorf("no adapter for %s/%s", chanType, accountID)
	}
	if adapter.IsRunning() {
		return nil
	}
	return adapter.Start(ctx)
}

// StopAccount stops one account but keeps it registered.
func (m *Manager) StopAccount(ctx context.Context, chanType ChannelType, accountID string) error {
	adapter, ok := m.registry.Get(chanType, accountID)
	if !ok {
		return fmt.Errorf("no adapter for %s/%s", chanType, accountID)
	}
	if !adapter.IsRunning() {
		return nil
	}
	return adapter.Stop(ctx)
}

// Shutdown stops every adapter.
func (m *Manager) Shutdown(ctx context.Context) error {
	return m.registry.StopAll(ctx)
}
