// Package models holds the bun row models backing the request ledger and the
// revocation arm store.
package models

import (
	"time"

	"github.com/uptrace/bun"
)

// AccessRequest is a persisted access request. Requester and target columns
// are written once at insert and never updated.
type AccessRequest struct {
	bun.BaseModel `bun:"table:access_requests,alias:ar"`

	ID              string        `bun:"id,pk"`
	RequesterEmail  string        `bun:"requester_email,notnull"`
	RequesterGroups []string      `bun:"requester_groups,type:jsonb"`
	Target          RequestTarget `bun:"target,type:jsonb"`
	TTL             string        `bun:"ttl,notnull"`
	Status          string        `bun:"status,notnull"`
	ToolName        string        `bun:"tool_name,notnull"`
	CreatedAt       time.Time     `bun:"created_at,notnull"`
	UpdatedAt       time.Time     `bun:"updated_at,notnull"`
}

// RequestTarget is the JSON encoding of a request target.
type RequestTarget struct {
	Kind              string   `json:"kind"`
	AccountID         string   `json:"account_id"`
	Purpose           string   `json:"purpose,omitempty"`
	PolicyTemplate    string   `json:"policy_template,omitempty"`
	Buckets           []string `json:"buckets,omitempty"`
	PrincipalKind     string   `json:"principal_kind,omitempty"`
	PrincipalName     string   `json:"principal_name,omitempty"`
	PermissionSetName string   `json:"permission_set_name,omitempty"`
}
