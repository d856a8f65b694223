// Package ledger records access requests and enforces their status lifecycle.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/common-fate/jit/pkg/grantstore"
)

var (
	ErrNotFound = errors.New("request not found")
	// ErrConflict is returned for disallowed status transitions and for
	// concurrent writers racing on the same request.
	ErrConflict = errors.New("request conflict")
	// ErrReadOnly is returned by ledgers that cannot be written to.
	ErrReadOnly      = errors.New("ledger is read-only")
	ErrInvalid       = errors.New("invalid request")
	ErrInvalidFilter = errors.New("invalid filter")
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusRevoked  Status = "revoked"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusRevoked:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusRevoked
}

var transitions = map[Status][]Status{
	StatusPending:  {StatusApproved, StatusRejected},
	StatusApproved: {StatusRevoked},
}

// CanTransition reports whether a request in status from may move to to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError is returned when a status change is not allowed.
type TransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("request %s cannot move from %s to %s", e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrConflict
}

type Requester struct {
	Email string `json:"email"`
	// Groups is the requester's group membership when the request was made.
	Groups []string `json:"groups,omitempty"`
}

// Target is what access is requested to. Kind selects the provisioning
// strategy and decides which of the remaining fields are meaningful.
type Target struct {
	Kind      grantstore.Kind `json:"kind"`
	AccountID string          `json:"account_id"`

	// Direct attachment.
	Purpose        string                `json:"purpose,omitempty"`
	PolicyTemplate string                `json:"policy_template,omitempty"`
	Buckets        []string              `json:"buckets,omitempty"`
	Principal      *grantstore.Principal `json:"principal,omitempty"`

	// SSO assignment.
	PermissionSetName string `json:"permission_set_name,omitempty"`
}

// DefaultPurpose is the purpose tag used for direct attachment targets which
// don't name one.
const DefaultPurpose = "s3"

// PurposeOrDefault returns the target purpose, falling back to DefaultPurpose.
func (t Target) PurposeOrDefault() string {
	if t.Purpose == "" {
		return DefaultPurpose
	}
	return t.Purpose
}

// ToolName returns the grant tool identifier for the target, for example
// "s3_read-only_logs-metrics" or "sso_ReadOnly".
func (t Target) ToolName() string {
	switch t.Kind {
	case grantstore.KindSSOAssignment:
		return "sso_" + t.PermissionSetName
	default:
		return strings.Join([]string{t.PurposeOrDefault(), t.PolicyTemplate, strings.Join(t.Buckets, "-")}, "_")
	}
}

func (t Target) validate() error {
	if t.AccountID == "" {
		return errors.New("target account id is required")
	}
	switch t.Kind {
	case grantstore.KindDirectAttachment:
		if t.PolicyTemplate == "" {
			return errors.New("policy template is required")
		}
		if len(t.Buckets) == 0 {
			return errors.New("at least one bucket is required")
		}
	case grantstore.KindSSOAssignment:
		if t.PermissionSetName == "" {
			return errors.New("permission set name is required")
		}
	default:
		return fmt.Errorf("unknown target kind %q", t.Kind)
	}
	return nil
}

// Request is an access request as recorded in the ledger.
type Request struct {
	ID        string    `json:"id"`
	Requester Requester `json:"requester"`
	Target    Target    `json:"target"`
	TTL       string    `json:"ttl"`
	Status    Status    `json:"status"`
	ToolName  string    `json:"tool_name"`
	CreatedAt time.Time `json:"created_at"`
}

// Duration parses the request TTL.
func (r Request) Duration() (time.Duration, error) {
	return ParseTTL(r.TTL)
}

// ParseTTL parses a positive Go duration string such as "1h" or "90m".
func ParseTTL(ttl string) (time.Duration, error) {
	d, err := time.ParseDuration(ttl)
	if err != nil {
		return 0, fmt.Errorf("%w: ttl %q: %s", ErrInvalid, ttl, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: ttl %q must be positive", ErrInvalid, ttl)
	}
	return d, nil
}

// Validate checks that a new request is well formed.
func (r Request) Validate() error {
	if r.Requester.Email == "" {
		return fmt.Errorf("%w: requester email is required", ErrInvalid)
	}
	if err := r.Target.validate(); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, err)
	}
	if _, err := ParseTTL(r.TTL); err != nil {
		return err
	}
	return nil
}

// Ledger stores access requests. Implementations serialise SetStatus and
// SetTTL per request id and allow unlimited concurrent reads.
type Ledger interface {
	// Create records a new pending request and returns its id. Requester,
	// target and creation time are never modified afterwards.
	Create(ctx context.Context, r Request) (string, error)
	Get(ctx context.Context, id string) (Request, error)
	// ListByUser returns the requester's requests, most recent first.
	ListByUser(ctx context.Context, email string) ([]Request, error)
	// Search returns the requests matching every predicate set on the filter,
	// most recent first.
	Search(ctx context.Context, f Filter) ([]Request, error)
	SetStatus(ctx context.Context, id string, to Status) error
	// SetTTL adjusts the TTL of a pending request.
	SetTTL(ctx context.Context, id string, ttl string) error
}
