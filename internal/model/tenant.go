package model

import "time"

// Tenant is one monitored directory/subscription pair. The client secret is
// stored separately and referenced by SecretRef, which never serializes to
// JSON.
type Tenant struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	DirectoryID     string     `json:"directory_id"`
	ClientID        string     `json:"client_id"`
	SubscriptionID  string     `json:"subscription_id"`
	SecretRef       string     `json:"-"`
	Enabled         bool       `json:"enabled"`
	LastValidatedAt *time.Time `json:"last_validated_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TenantConfig is the write shape for creating and updating tenants.
// ClientSecret is accepted on input only; an empty value on update keeps the
// stored secret. A nil Enabled leaves the current state untouched.
type TenantConfig struct {
	Name           string `json:"name" binding:"required"`
	DirectoryID    string `json:"directory_id" binding:"required"`
	ClientID       string `json:"client_id" binding:"required"`
	SubscriptionID string `json:"subscription_id" binding:"required"`
	ClientSecret   string `json:"client_secret"`
	Enabled        *bool  `json:"enabled"`
}

// Credentials is the transient payload for connection tests. It is never
// persisted and never echoed back.
type Credentials struct {
	DirectoryID    string `json:"directory_id" binding:"required"`
	ClientID       string `json:"client_id" binding:"required"`
	ClientSecret   string `json:"client_secret" binding:"required"`
	SubscriptionID string `json:"subscription_id"`
}
