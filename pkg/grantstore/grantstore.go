// Package grantstore provisions and tears down JIT grants against the cloud
// identity provider.
//
// Two strategies are supported: attaching a generated customer managed policy
// directly to an IAM principal, and assigning an IAM Identity Center permission
// set to a user on an account. The strategy is chosen once when a request is
// accepted and carried through the lifecycle.
package grantstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/common-fate/jit/pkg/policytemplate"
)

var (
	ErrUserNotFound          = errors.New("user not found")
	ErrPermissionSetNotFound = errors.New("permission set not found")
	ErrPolicyNotFound        = errors.New("policy not found")
	ErrUnknownStrategy       = errors.New("unknown grant strategy")
)

// Kind identifies a provisioning strategy.
type Kind string

const (
	KindDirectAttachment Kind = "direct_attachment"
	KindSSOAssignment    Kind = "sso_assignment"
)

func (k Kind) Valid() bool {
	return k == KindDirectAttachment || k == KindSSOAssignment
}

type PrincipalKind string

const (
	PrincipalUser PrincipalKind = "user"
	PrincipalRole PrincipalKind = "role"
)

// Principal is the IAM user or role a direct attachment grant is attached to.
type Principal struct {
	Kind PrincipalKind `json:"kind"`
	Name string        `json:"name"`
}

func (p Principal) String() string {
	return fmt.Sprintf("%s/%s", p.Kind, p.Name)
}

// Grant is the provider-side effect of an approved request. It is derived
// deterministically from the request and never persisted on its own.
type Grant struct {
	Kind      Kind
	Name      string
	Purpose   string
	Requester string
	AccountID string

	// Direct attachment.
	Principal Principal
	Document  policytemplate.Document

	// SSO assignment.
	PermissionSetName string
}

// Handle describes what was provisioned.
type Handle struct {
	Kind Kind
	// PolicyARN is set for direct attachment grants.
	PolicyARN string
	// PermissionSetARN and PrincipalID are set for SSO assignment grants.
	PermissionSetARN string
	PrincipalID      string
	// Status is the provider's operation status, if it reports one.
	Status string
}

// RevokeResult describes the outcome of a revocation.
type RevokeResult struct {
	Kind Kind
	// AlreadyAbsent is true when there was nothing left to remove.
	AlreadyAbsent bool
	// Status is the provider's deletion status, if it reports one.
	Status string
}

// Strategy provisions and revokes one kind of grant. Both operations are
// idempotent: provisioning an existing grant and revoking an absent one succeed.
type Strategy interface {
	Kind() Kind
	Provision(ctx context.Context, g Grant) (Handle, error)
	Revoke(ctx context.Context, g Grant) (RevokeResult, error)
}

// Strategies maps a Kind to its Strategy.
type Strategies map[Kind]Strategy

// NewStrategies indexes the strategies by kind. Nil strategies are skipped so
// deployments can configure only the provisioning modes they use.
func NewStrategies(s ...Strategy) Strategies {
	out := Strategies{}
	for _, st := range s {
		if st == nil {
			continue
		}
		out[st.Kind()] = st
	}
	return out
}

// Select returns the strategy for the kind.
func (s Strategies) Select(k Kind) (Strategy, error) {
	st, ok := s[k]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not configured", ErrUnknownStrategy, k)
	}
	return st, nil
}
