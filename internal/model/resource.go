package model

import (
	"encoding/json"
	"time"
)

// CachedResource is one discovered Azure resource. The external resource ID
// is the upsert key; re-syncing overwrites mutable fields and bumps
// last_synced_at without creating duplicates.
type CachedResource struct {
	ResourceID    string          `json:"resource_id"`
	TenantID      string          `json:"tenant_id"`
	Name          string          `json:"name"`
	Type          string          `json:"type"`
	ResourceGroup string          `json:"resource_group"`
	Location      string          `json:"location"`
	Tags          Tags            `json:"tags"`
	Properties    json.RawMessage `json:"properties,omitempty"`
	LastSyncedAt  time.Time       `json:"last_synced_at"`
}

// SQLDatabaseType is the resource type whose metrics and insights the
// sql-insights pipeline collects.
const SQLDatabaseType = "Microsoft.Sql/servers/databases"
