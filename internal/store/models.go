package store

import "time"

// Status is a Deployment's position in the state machine.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusConfiguring  Status = "configuring"
	StatusProvisioning Status = "provisioning"
	StatusStarting     Status = "starting"
	StatusHealthy      Status = "healthy"
	StatusStopped      Status = "stopped"
	StatusError        Status = "error"
	StatusRestarting   Status = "restarting"
)

// Secrets holds a deployment's per-tenant credentials. Every non-empty
// field is expected to be in encrypted "iv:tag:ciphertext" form at rest;
// callers decrypt on read and re-encrypt on write.
type Secrets struct {
	OpenAIAPIKey     string `json:"openaiApiKey,omitempty"`
	AnthropicAPIKey  string `json:"anthropicApiKey,omitempty"`
	GoogleAPIKey     string `json:"googleApiKey,omitempty"`
	TelegramBotToken string `json:"telegramBotToken,omitempty"`
	WebUITokens      string `json:"webUiToken,omitempty"`
}

// AgentConfig holds the tenant-chosen model and prompt configuration.
type AgentConfig struct {
	Model        string `json:"model"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
}

// Deployment is a tenant's agent instance.
type Deployment struct {
	ID               string      `json:"id"`
	UserID           string      `json:"userId"`
	Subdomain        string      `json:"subdomain"`
	Status           Status      `json:"status"`
	ContainerID      string      `json:"containerId,omitempty"`
	InternalPort     int         `json:"internalPort,omitempty"`
	Secrets          Secrets     `json:"secrets"`
	Config           AgentConfig `json:"config"`
	LastHeartbeat    *time.Time  `json:"lastHeartbeat,omitempty"`
	LastRequestAt    *time.Time  `json:"lastRequestAt,omitempty"`
	ErrorMessage     string      `json:"errorMessage,omitempty"`
	ProvisioningStep string      `json:"provisioningStep,omitempty"`
	CreatedAt        time.Time   `json:"createdAt"`
	UpdatedAt        time.Time   `json:"updatedAt"`
}

// AuthProvider identifies how a User authenticates.
type AuthProvider string

const (
	AuthProviderEmail  AuthProvider = "email"
	AuthProviderGoogle AuthProvider = "google"
)

// SubscriptionStatus is a User's billing state.
type SubscriptionStatus string

const (
	SubscriptionInactive SubscriptionStatus = "inactive"
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionExpired  SubscriptionStatus = "expired"
	SubscriptionCanceled SubscriptionStatus = "canceled"
)

// User is a tenant's identity and subscription record.
type User struct {
	ID                    string             `json:"id"`
	Email                 string             `json:"email"`
	PasswordHash          string             `json:"passwordHash,omitempty"`
	GoogleID              string             `json:"googleId,omitempty"`
	AuthProvider          AuthProvider       `json:"authProvider"`
	SubscriptionStatus    SubscriptionStatus `json:"subscriptionStatus"`
	Tier                  string             `json:"tier,omitempty"`
	SubscriptionExpiresAt *time.Time         `json:"subscriptionExpiresAt,omitempty"`
	ExpiryReminderSent    bool               `json:"expiryReminderSent"`
	MaxAgents             int                `json:"maxAgents"`
	CreatedAt             time.Time          `json:"createdAt"`
	UpdatedAt             time.Time          `json:"updatedAt"`
}
