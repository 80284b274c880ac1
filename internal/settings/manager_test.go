package settings

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gembridge/gembridge/internal/config"
	"github.com/gembridge/gembridge/internal/storage"
)

// --- Mock store ---

type mockStore struct {
	mu    sync.Mutex
	st    storage.Settings
	gets  int
	saves int
}

func newMockStore() *mockStore {
	return &mockStore{st: storage.Settings{
		DefaultModel:             "gemini-pro",
		RateLimit:                60,
		EnableContextAwareness:   true,
		EnableFileProcessing:     true,
		EnableWorkflowAutomation: true,
		EnableRoleBasedSecurity:  true,
		PromptTemplates:          map[string]string{},
	}}
}

func (m *mockStore) GetSettings(context.Context) (storage.Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	cp := m.st
	cp.PromptTemplates = map[string]string{}
	for k, v := range m.st.PromptTemplates {
		cp.PromptTemplates[k] = v
	}
	return cp, nil
}

func (m *mockStore) SaveSettings(_ context.Context, st storage.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.st = st
	return nil
}

// --- Mock clock ---

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var allOn = config.FeatureConfig{ContextAwareness: true, FileProcessing: true, WorkflowAutomation: true, RoleBasedSecurity: true}

func TestGetCachesWithinTTL(t *testing.T) {
	store := newMockStore()
	clock := &mockClock{now: time.Now()}
	m := NewManagerWithClock(store, allOn, clock, time.Minute)
	ctx := context.Background()

	for range 3 {
		if _, err := m.Get(ctx); err != nil {
			t.Fatalf("Get: %v", err)
		}
	}
	if store.gets != 1 {
		t.Errorf("store reads = %d, want 1", store.gets)
	}

	clock.Advance(2 * time.Minute)
	if _, err := m.Get(ctx); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if store.gets != 2 {
		t.Errorf("store reads after expiry = %d, want 2", store.gets)
	}
}

func TestFeatureGateOverridesStored(t *testing.T) {
	store := newMockStore()
	gate := allOn
	gate.WorkflowAutomation = false
	m := NewManager(store, gate)

	st, err := m.Get(context.Background())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if st.EnableWorkflowAutomation {
		t.Error("workflow automation should be gated off")
	}
	if !st.EnableRoleBasedSecurity {
		t.Error("role based security should stay on")
	}
}

func TestUpdateInvalidatesAndMergesTemplates(t *testing.T) {
	store := newMockStore()
	store.st.PromptTemplates = map[string]string{"general": "old", "analysis": "Analyze."}
	m := NewManager(store, allOn)
	ctx := context.Background()

	if _, err := m.Get(ctx); err != nil {
		t.Fatalf("Get: %v", err)
	}

	model := "gemini-1.5-pro"
	off := false
	st, err := m.Update(ctx, Patch{
		DefaultModel:         &model,
		EnableFileProcessing: &off,
		PromptTemplates:      map[string]string{"general": "new", "analysis": ""},
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if st.DefaultModel != model || st.EnableFileProcessing {
		t.Errorf("update not applied: %+v", st)
	}
	if st.PromptTemplates["general"] != "new" {
		t.Errorf("general = %q, want new", st.PromptTemplates["general"])
	}
	if _, ok := st.PromptTemplates["analysis"]; ok {
		t.Error("empty template text should remove the entry")
	}
}

func TestUpdateRejectsInvalid(t *testing.T) {
	m := NewManager(newMockStore(), allOn)
	zero := 0
	if _, err := m.Update(context.Background(), Patch{RateLimit: &zero}); err == nil {
		t.Error("expected error for non-positive rate limit")
	}
	empty := " "
	if _, err := m.Update(context.Background(), Patch{DefaultModel: &empty}); err == nil {
		t.Error("expected error for empty model")
	}
}

func TestTemplateFallback(t *testing.T) {
	store := newMockStore()
	store.st.PromptTemplates = map[string]string{"general": "Be concise."}
	m := NewManager(store, allOn)
	ctx := context.Background()

	if got := m.Template(ctx, ""); got != "Be concise." {
		t.Errorf("Template(\"\") = %q", got)
	}
	if got := m.Template(ctx, "analysis"); got != DefaultTemplate {
		t.Errorf("Template(analysis) = %q, want default", got)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	store := newMockStore()
	store.st.PromptTemplates = map[string]string{"general": "x"}
	m := NewManager(store, allOn)
	ctx := context.Background()

	st, _ := m.Get(ctx)
	st.PromptTemplates["general"] = "mutated"

	again, _ := m.Get(ctx)
	if again.PromptTemplates["general"] != "x" {
		t.Error("cached settings were mutated through a returned copy")
	}
}
