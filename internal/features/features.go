package features

import (
	"sort"
	"sync"
)

// FeatureFlag represents a feature flag configuration.
type FeatureFlag struct {
	Name        string `json:"name"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description"`
}

// Manager manages feature flags.
type Manager struct {
	mu    sync.RWMutex
	flags map[string]*FeatureFlag
}

// NewManager creates a new feature flag manager.
func NewManager() *Manager {
	return &Manager{
		flags: make(map[string]*FeatureFlag),
	}
}

// NewDefaultManager registers the built-in flags with the given defaults.
func NewDefaultManager(payouts, providerWebhooks, eventHooks bool) *Manager {
	m := NewManager()
	m.Register(FeaturePayouts, payouts, "Global kill switch for stablecoin payouts")
	m.Register(FeatureProviderWebhooks, providerWebhooks, "Accept POS and e-commerce webhook deliveries")
	m.Register(FeatureEventHooks, eventHooks, "Dispatch merchant notifications from ledger events")
	return m
}

// Register registers a new feature flag.
func (m *Manager) Register(name string, enabled bool, description string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flags[name] = &FeatureFlag{
		Name:        name,
		Enabled:     enabled,
		Description: description,
	}
}

// IsEnabled checks if a feature flag is enabled. Unknown flags are disabled.
func (m *Manager) IsEnabled(name string) bool {
	if m == nil {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	flag, exists := m.flags[name]
	if !exists {
		return false
	}
	return flag.Enabled
}

// Set enables or disables a registered flag. It reports whether the flag exists.
func (m *Manager) Set(name string, enabled bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	flag, exists := m.flags[name]
	if !exists {
		return false
	}
	flag.Enabled = enabled
	return true
}

// Enable enables a feature flag.
func (m *Manager) Enable(name string) {
	m.Set(name, true)
}

// Disable disables a feature flag.
func (m *Manager) Disable(name string) {
	m.Set(name, false)
}

// List returns copies of all flags sorted by name.
func (m *Manager) List() []FeatureFlag {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]FeatureFlag, 0, len(m.flags))
	for _, v := range m.flags {
		result = append(result, *v)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Predefined feature flag names
const (
	// FeaturePayouts gates every payout claim regardless of merchant settings
	FeaturePayouts = "payouts"
	// FeatureProviderWebhooks gates the provider webhook endpoints
	FeatureProviderWebhooks = "provider_webhooks"
	// FeatureEventHooks enables/disables event-driven merchant notifications
	FeatureEventHooks = "event_hooks"
)
