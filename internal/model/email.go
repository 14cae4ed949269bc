package model

import "time"

// RawRecord is one message as produced by a stream source. Only metadata is
// carried; bodies are fetched on demand and never stored.
type RawRecord struct {
	ExternalID string     `json:"external_id"`
	ThreadID   string     `json:"thread_id"`
	Sender     string     `json:"sender"`
	Subject    string     `json:"subject"`
	Snippet    string     `json:"snippet"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
	Labels     []string   `json:"labels,omitempty"`
}

// EmailMessage is the persisted message metadata.
type EmailMessage struct {
	ID                string    `json:"id"`
	TenantID          string    `json:"tenant_id"`
	AccountID         string    `json:"account_id"`
	ExternalMessageID string    `json:"external_message_id"`
	ThreadID          string    `json:"thread_id,omitempty"`
	Sender            string    `json:"sender"`
	Subject           string    `json:"subject"`
	Snippet           string    `json:"snippet,omitempty"`
	ReceivedAt        time.Time `json:"received_at"`
	IsVIP             bool      `json:"is_vip"`
	Tags              []string  `json:"tags,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// EmailAccount links a user to the tenant that owns their mailbox.
type EmailAccount struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenant_id"`
	UserID       string     `json:"user_id"`
	Address      string     `json:"address"`
	Provider     string     `json:"provider"`
	IsActive     bool       `json:"is_active"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}
