// Package revocation schedules the automatic revocation of granted access.
//
// Scheduling posts an event to an external scheduler over a webhook. The
// scheduler calls back with the event's tool parameters once the TTL has
// elapsed. Every event is first written to a durable arm record so that a
// failed post can be redelivered rather than leaving a grant in place forever.
package revocation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/common-fate/jit/pkg/grantstore"
)

// StatusPendingRevocation is the status carried by every scheduling event.
const StatusPendingRevocation = "pending_revocation"

// Task identifies a grant to revoke. It holds everything needed to rebuild
// the grant, so a revocation callback does not depend on any other state.
type Task struct {
	RequestID string          `json:"request_id,omitempty"`
	UserEmail string          `json:"user_email"`
	Kind      grantstore.Kind `json:"kind"`
	AccountID string          `json:"account_id"`
	GrantName string          `json:"grant_name"`

	// Direct attachment.
	Purpose        string                `json:"purpose,omitempty"`
	PolicyTemplate string                `json:"policy_template,omitempty"`
	Buckets        []string              `json:"buckets,omitempty"`
	Principal      *grantstore.Principal `json:"principal,omitempty"`

	// SSO assignment.
	PermissionSetName string `json:"permission_set_name,omitempty"`
}

func (t Task) Validate() error {
	if t.UserEmail == "" {
		return fmt.Errorf("revocation task is missing the user email")
	}
	if !t.Kind.Valid() {
		return fmt.Errorf("revocation task has unknown kind %q", t.Kind)
	}
	if t.AccountID == "" {
		return fmt.Errorf("revocation task is missing the account id")
	}
	if t.GrantName == "" {
		return fmt.Errorf("revocation task is missing the grant name")
	}
	return nil
}

// ToolName returns the identifier of the tool the external scheduler invokes
// to revoke the grant.
func (t Task) ToolName() string {
	return "revoke_" + t.GrantName
}

// Event is the JSON body posted to the revocation webhook.
type Event struct {
	// EventID is unique per scheduling attempt and lets the receiver
	// deduplicate redeliveries.
	EventID       string        `json:"event_id"`
	UserEmail     string        `json:"user_email"`
	ToolName      string        `json:"tool_name"`
	ToolParams    Task          `json:"tool_params"`
	AccessDetails AccessDetails `json:"access_details"`
	RevokeAt      time.Time     `json:"revoke_at"`
	Status        string        `json:"status"`
}

type AccessDetails struct {
	Type            grantstore.Kind `json:"type"`
	AccountID       string          `json:"account_id"`
	PermissionSet   string          `json:"permission_set,omitempty"`
	Buckets         []string        `json:"buckets,omitempty"`
	PolicyDetails   *PolicyDetails  `json:"policy_details,omitempty"`
	DurationSeconds int64           `json:"duration_seconds"`
}

type PolicyDetails struct {
	PolicyName     string                `json:"policy_name"`
	PolicyTemplate string                `json:"policy_template"`
	Purpose        string                `json:"purpose"`
	Principal      *grantstore.Principal `json:"principal,omitempty"`
}

// NewEvent builds the scheduling event for a task.
func NewEvent(eventID string, t Task, ttl time.Duration, now time.Time) Event {
	details := AccessDetails{
		Type:            t.Kind,
		AccountID:       t.AccountID,
		DurationSeconds: int64(ttl / time.Second),
	}
	switch t.Kind {
	case grantstore.KindSSOAssignment:
		details.PermissionSet = t.PermissionSetName
	default:
		details.Buckets = t.Buckets
		details.PolicyDetails = &PolicyDetails{
			PolicyName:     t.GrantName,
			PolicyTemplate: t.PolicyTemplate,
			Purpose:        t.Purpose,
			Principal:      t.Principal,
		}
	}
	return Event{
		EventID:       eventID,
		UserEmail:     t.UserEmail,
		ToolName:      t.ToolName(),
		ToolParams:    t,
		AccessDetails: details,
		RevokeAt:      now.Add(ttl).UTC(),
		Status:        StatusPendingRevocation,
	}
}

// ParseEvent decodes a revocation event, such as the body the external
// scheduler sends back when the TTL elapses.
func ParseEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("decoding revocation event: %w", err)
	}
	if err := e.ToolParams.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}
