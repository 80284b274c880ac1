package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

const (
	ConversationActive   = "Active"
	ConversationArchived = "Archived"

	RoleUser      = "User"
	RoleAssistant = "Assistant"

	AuditSuccess = "Success"
	AuditError   = "Error"
)

type Conversation struct {
	ID             string
	SessionID      string
	User           string
	StartTime      time.Time
	LastUpdated    time.Time
	Status         string
	ContextDoctype string
	ContextDocname string
}

type Message struct {
	ID               string
	ConversationID   string
	Timestamp        time.Time
	Role             string
	Content          string
	TokensUsed       int
	FeedbackRating   string
	FeedbackComments string
}

type Feedback struct {
	ID        string
	MessageID string
	Rating    string // "Positive" or "Negative"
	Comments  string
	User      string
	Timestamp time.Time
}

type SensitiveKeyword struct {
	ID          int64
	Pattern     string
	Replacement string
	IsGlobal    bool
	Doctypes    string // comma-separated
	Fields      string // comma-separated
	Enabled     bool
}

type AuditEntry struct {
	ID         string
	Timestamp  time.Time
	User       string
	ActionType string
	Details    string // JSON object stored as text
	Status     string
	IPAddress  string
}

type Settings struct {
	DefaultModel             string
	RateLimit                int
	EnableContextAwareness   bool
	EnableFileProcessing     bool
	EnableWorkflowAutomation bool
	EnableRoleBasedSecurity  bool
	PromptTemplates          map[string]string
	UpdatedAt                time.Time
}

type Document struct {
	Doctype    string
	Name       string
	Fields     map[string]any
	DocStatus  int
	ModifiedBy string
	Modified   time.Time
}

type Attachment struct {
	ID        string
	Doctype   string
	Docname   string
	FileName  string
	FileURL   string
	CreatedAt time.Time
}

type AutomationRule struct {
	Name         string
	Doctype      string
	Event        string
	AllowedRoles string // JSON array stored as text
	Actions      string // JSON array stored as text
	Description  string
	Enabled      bool
	CreatedBy    string
	CreatedAt    time.Time
}

type Email struct {
	ID         string
	Recipients string // comma-separated
	Subject    string
	Message    string
	Status     string
	CreatedAt  time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
