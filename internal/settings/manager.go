// Package settings provides cached access to the admin-editable settings
// singleton.
package settings

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/gembridge/gembridge/internal/config"
	"github.com/gembridge/gembridge/internal/storage"
)

// DefaultTemplate is used when no template of the requested name exists.
const DefaultTemplate = "You are an AI assistant integrated with ERPNext. Provide helpful information based on the context."

// Store defines the storage operations the Manager needs.
// Implemented by storage.Store.
type Store interface {
	GetSettings(ctx context.Context) (storage.Settings, error)
	SaveSettings(ctx context.Context, st storage.Settings) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Manager caches the settings record. Feature flags are ANDed with the
// process-level feature gate from config.
type Manager struct {
	store Store
	gate  config.FeatureConfig
	clock Clock
	ttl   time.Duration

	mu       sync.RWMutex
	cached   *storage.Settings
	cachedAt time.Time
}

// NewManager creates a Manager with a 60-second cache TTL.
func NewManager(store Store, gate config.FeatureConfig) *Manager {
	return NewManagerWithClock(store, gate, realClock{}, 60*time.Second)
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store Store, gate config.FeatureConfig, clock Clock, ttl time.Duration) *Manager {
	return &Manager{store: store, gate: gate, clock: clock, ttl: ttl}
}

// Get returns the effective settings.
func (m *Manager) Get(ctx context.Context) (storage.Settings, error) {
	m.mu.RLock()
	if m.cached != nil && m.clock.Now().Before(m.cachedAt.Add(m.ttl)) {
		st := copySettings(m.cached)
		m.mu.RUnlock()
		return st, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached != nil && m.clock.Now().Before(m.cachedAt.Add(m.ttl)) {
		return copySettings(m.cached), nil
	}

	st, err := m.store.GetSettings(ctx)
	if err != nil {
		return storage.Settings{}, fmt.Errorf("loading settings: %w", err)
	}
	st.EnableContextAwareness = st.EnableContextAwareness && m.gate.ContextAwareness
	st.EnableFileProcessing = st.EnableFileProcessing && m.gate.FileProcessing
	st.EnableWorkflowAutomation = st.EnableWorkflowAutomation && m.gate.WorkflowAutomation
	st.EnableRoleBasedSecurity = st.EnableRoleBasedSecurity && m.gate.RoleBasedSecurity

	m.cached = &st
	m.cachedAt = m.clock.Now()
	return copySettings(&st), nil
}

// Patch is a partial settings update. Nil fields are left unchanged.
type Patch struct {
	DefaultModel             *string           `json:"default_model,omitempty"`
	RateLimit                *int              `json:"rate_limits,omitempty"`
	EnableContextAwareness   *bool             `json:"enable_context_awareness,omitempty"`
	EnableFileProcessing     *bool             `json:"enable_file_processing,omitempty"`
	EnableWorkflowAutomation *bool             `json:"enable_workflow_automation,omitempty"`
	EnableRoleBasedSecurity  *bool             `json:"enable_role_based_security,omitempty"`
	PromptTemplates          map[string]string `json:"default_prompt_templates,omitempty"`
}

// Update applies p to the stored record and invalidates the cache.
// Templates in p are merged; an empty template text removes the entry.
func (m *Manager) Update(ctx context.Context, p Patch) (storage.Settings, error) {
	m.mu.Lock()
	st, err := m.store.GetSettings(ctx)
	if err != nil {
		m.mu.Unlock()
		return storage.Settings{}, fmt.Errorf("loading settings: %w", err)
	}

	if p.DefaultModel != nil {
		if strings.TrimSpace(*p.DefaultModel) == "" {
			m.mu.Unlock()
			return storage.Settings{}, fmt.Errorf("default_model cannot be empty")
		}
		st.DefaultModel = *p.DefaultModel
	}
	if p.RateLimit != nil {
		if *p.RateLimit <= 0 {
			m.mu.Unlock()
			return storage.Settings{}, fmt.Errorf("rate_limits must be positive, got %d", *p.RateLimit)
		}
		st.RateLimit = *p.RateLimit
	}
	setBool(&st.EnableContextAwareness, p.EnableContextAwareness)
	setBool(&st.EnableFileProcessing, p.EnableFileProcessing)
	setBool(&st.EnableWorkflowAutomation, p.EnableWorkflowAutomation)
	setBool(&st.EnableRoleBasedSecurity, p.EnableRoleBasedSecurity)
	if st.PromptTemplates == nil {
		st.PromptTemplates = map[string]string{}
	}
	for name, text := range p.PromptTemplates {
		if text == "" {
			delete(st.PromptTemplates, name)
			continue
		}
		st.PromptTemplates[name] = text
	}
	st.UpdatedAt = m.clock.Now()

	if err := m.store.SaveSettings(ctx, st); err != nil {
		m.mu.Unlock()
		return storage.Settings{}, fmt.Errorf("saving settings: %w", err)
	}
	m.cached = nil
	m.mu.Unlock()

	return m.Get(ctx)
}

// Invalidate drops the cached record.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.cached = nil
	m.mu.Unlock()
}

// Template returns the named prompt template, or DefaultTemplate when no
// such template is configured.
func (m *Manager) Template(ctx context.Context, name string) string {
	st, err := m.Get(ctx)
	if err != nil {
		return DefaultTemplate
	}
	if name == "" {
		name = "general"
	}
	if t, ok := st.PromptTemplates[name]; ok {
		return t
	}
	return DefaultTemplate
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func copySettings(st *storage.Settings) storage.Settings {
	cp := *st
	cp.PromptTemplates = maps.Clone(st.PromptTemplates)
	if cp.PromptTemplates == nil {
		cp.PromptTemplates = map[string]string{}
	}
	return cp
}
