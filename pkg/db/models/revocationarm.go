package models

import (
	"time"

	"github.com/uptrace/bun"
)

// RevocationArm records that a grant must be revoked at RevokeAt. It is written
// before the revocation webhook is posted and marked delivered once the
// external scheduler has accepted the event.
type RevocationArm struct {
	bun.BaseModel `bun:"table:revocation_arms,alias:ra"`

	EventID     string    `bun:"event_id,pk"`
	GrantName   string    `bun:"grant_name,notnull"`
	RequestID   string    `bun:"request_id"`
	Payload     string    `bun:"payload,notnull"`
	Attempts    int       `bun:"attempts,notnull,default:0"`
	LastError   string    `bun:"last_error"`
	RevokeAt    time.Time `bun:"revoke_at,notnull"`
	CreatedAt   time.Time `bun:"created_at,notnull"`
	DeliveredAt time.Time `bun:"delivered_at,nullzero"`
	DisarmedAt  time.Time `bun:"disarmed_at,nullzero"`
}

// Delivered reports whether the webhook accepted the event.
func (a *RevocationArm) Delivered() bool {
	return !a.DeliveredAt.IsZero()
}

// Disarmed reports whether the grant has since been revoked.
func (a *RevocationArm) Disarmed() bool {
	return !a.DisarmedAt.IsZero()
}
