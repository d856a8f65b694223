// Package policyname derives the deterministic identifiers used for JIT grants.
//
// A grant name is a pure function of the attributes which define the grant, so
// that provisioning is idempotent and a later revocation can rediscover the
// provider-side resource without consulting any side database.
package policyname

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

const (
	// Prefix is prepended to every generated name.
	Prefix = "jit_"

	// MaxLength is the maximum identifier length accepted by the identity provider
	// for customer managed policy names.
	MaxLength = 128

	separator = "_"

	// hashSuffixLength is the number of hex characters kept from the digest
	// when HashOnTruncate is enabled.
	hashSuffixLength = 8
)

var sanitizer = strings.NewReplacer("@", "_at_", ".", "_dot_")

// Attributes are the grant-defining attributes a name is derived from.
type Attributes struct {
	// Purpose is a short tag describing why the grant exists, such as "s3".
	Purpose string
	// AccountID is the cloud account the grant applies to.
	AccountID string
	// TemplateOrPermissionSet is the policy template name (direct attachment)
	// or the permission set name (SSO assignment).
	TemplateOrPermissionSet string
	// Resources are the resources covered by the grant, in request order.
	Resources []string
	// Requester is the identity (email) the grant is issued to.
	Requester string
}

// Generator builds names. The zero value produces names compatible with
// previously issued grants.
type Generator struct {
	// HashOnTruncate replaces the tail of names longer than MaxLength with a
	// digest of the full name, so that two long inputs sharing a 128 character
	// prefix still map to distinct names. Enabling this changes the names of
	// truncated grants, so it must not be toggled while grants are outstanding.
	HashOnTruncate bool
}

// Generate returns the name for the attributes using the default Generator.
func Generate(a Attributes) string {
	return Generator{}.Generate(a)
}

// Generate returns the deterministic name for a grant.
func (g Generator) Generate(a Attributes) string {
	full := sanitize(Untruncated(a))
	if len(full) <= MaxLength {
		return full
	}
	if !g.HashOnTruncate {
		return full[:MaxLength]
	}
	sum := blake3.Sum256([]byte(full))
	suffix := separator + hex.EncodeToString(sum[:])[:hashSuffixLength]
	return full[:MaxLength-len(suffix)] + suffix
}

// Untruncated returns the unsanitized concatenation of the attributes.
func Untruncated(a Attributes) string {
	parts := []string{
		strings.TrimSuffix(Prefix, separator),
		a.Purpose,
		a.AccountID,
		a.TemplateOrPermissionSet,
		strings.Join(a.Resources, separator),
		a.Requester,
	}
	return strings.Join(parts, separator)
}

// PurposePrefix returns the prefix shared by all names generated for a purpose.
func PurposePrefix(purpose string) string {
	return sanitize(Prefix + purpose + separator)
}

// Match describes how a policy name relates to a purpose and requester.
type Match int

const (
	NoMatch Match = iota
	// Exact names end with the requester.
	Exact
	// Truncated names were cut at MaxLength and lost the requester suffix, so
	// they may belong to any requester of the purpose. Callers confirm the
	// owner from the policy's tags.
	Truncated
)

// MatchName classifies name against the purpose and requester.
func MatchName(name, purpose, requester string) Match {
	if !strings.HasPrefix(name, PurposePrefix(purpose)) {
		return NoMatch
	}
	if strings.HasSuffix(name, separator+sanitize(requester)) {
		return Exact
	}
	if len(name) == MaxLength {
		return Truncated
	}
	return NoMatch
}

func sanitize(s string) string {
	return sanitizer.Replace(s)
}
