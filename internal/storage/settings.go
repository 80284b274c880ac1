package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// --- Settings singleton ---

func (s *Store) GetSettings(ctx context.Context) (Settings, error) {
	var st Settings
	var templates, updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT default_model, rate_limit, enable_context_awareness, enable_file_processing,
		       enable_workflow_automation, enable_role_based_security, prompt_templates, updated_at
		FROM settings WHERE id = 1`,
	).Scan(&st.DefaultModel, &st.RateLimit, &st.EnableContextAwareness, &st.EnableFileProcessing,
		&st.EnableWorkflowAutomation, &st.EnableRoleBasedSecurity, &templates, &updated)
	if err != nil {
		return Settings{}, fmt.Errorf("reading settings: %w", err)
	}
	if err := json.Unmarshal([]byte(templates), &st.PromptTemplates); err != nil {
		return Settings{}, fmt.Errorf("parsing prompt_templates: %w", err)
	}
	if st.PromptTemplates == nil {
		st.PromptTemplates = map[string]string{}
	}
	if st.UpdatedAt, err = parseTime("updated_at", updated); err != nil {
		return Settings{}, err
	}
	return st, nil
}

func (s *Store) SaveSettings(ctx context.Context, st Settings) error {
	if st.PromptTemplates == nil {
		st.PromptTemplates = map[string]string{}
	}
	templates, err := json.Marshal(st.PromptTemplates)
	if err != nil {
		return fmt.Errorf("encoding prompt_templates: %w", err)
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (id, default_model, rate_limit, enable_context_awareness, enable_file_processing,
		                      enable_workflow_automation, enable_role_based_security, prompt_templates, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			default_model = excluded.default_model,
			rate_limit = excluded.rate_limit,
			enable_context_awareness = excluded.enable_context_awareness,
			enable_file_processing = excluded.enable_file_processing,
			enable_workflow_automation = excluded.enable_workflow_automation,
			enable_role_based_security = excluded.enable_role_based_security,
			prompt_templates = excluded.prompt_templates,
			updated_at = excluded.updated_at`,
		st.DefaultModel, st.RateLimit, boolInt(st.EnableContextAwareness), boolInt(st.EnableFileProcessing),
		boolInt(st.EnableWorkflowAutomation), boolInt(st.EnableRoleBasedSecurity), string(templates),
		formatTime(st.UpdatedAt))
	return err
}
