package grantstore

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/common-fate/clio"
	"github.com/common-fate/jit/pkg/policyname"
	"github.com/common-fate/jit/pkg/policytemplate"
	"github.com/common-fate/jit/pkg/provider"
	"github.com/juju/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// IAMAPI is the subset of the IAM client used for direct attachment grants.
type IAMAPI interface {
	CreatePolicy(ctx context.Context, params *iam.CreatePolicyInput, optFns ...func(*iam.Options)) (*iam.CreatePolicyOutput, error)
	DeletePolicy(ctx context.Context, params *iam.DeletePolicyInput, optFns ...func(*iam.Options)) (*iam.DeletePolicyOutput, error)
	ListPolicies(ctx context.Context, params *iam.ListPoliciesInput, optFns ...func(*iam.Options)) (*iam.ListPoliciesOutput, error)
	ListPolicyVersions(ctx context.Context, params *iam.ListPolicyVersionsInput, optFns ...func(*iam.Options)) (*iam.ListPolicyVersionsOutput, error)
	DeletePolicyVersion(ctx context.Context, params *iam.DeletePolicyVersionInput, optFns ...func(*iam.Options)) (*iam.DeletePolicyVersionOutput, error)
	ListPolicyTags(ctx context.Context, params *iam.ListPolicyTagsInput, optFns ...func(*iam.Options)) (*iam.ListPolicyTagsOutput, error)
	AttachUserPolicy(ctx context.Context, params *iam.AttachUserPolicyInput, optFns ...func(*iam.Options)) (*iam.AttachUserPolicyOutput, error)
	DetachUserPolicy(ctx context.Context, params *iam.DetachUserPolicyInput, optFns ...func(*iam.Options)) (*iam.DetachUserPolicyOutput, error)
	AttachRolePolicy(ctx context.Context, params *iam.AttachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error)
	DetachRolePolicy(ctx context.Context, params *iam.DetachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.DetachRolePolicyOutput, error)
	ListAttachedUserPolicies(ctx context.Context, params *iam.ListAttachedUserPoliciesInput, optFns ...func(*iam.Options)) (*iam.ListAttachedUserPoliciesOutput, error)
	ListAttachedRolePolicies(ctx context.Context, params *iam.ListAttachedRolePoliciesInput, optFns ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error)
}

const (
	// PolicyPath is the IAM path JIT policies are created under, which keeps
	// them separate from hand-managed policies.
	PolicyPath = "/jit/"

	TagPurpose   = "jit:purpose"
	TagRequester = "jit:requester"

	DefaultSettleDelay = 2 * time.Second
)

type DirectAttachmentOpts struct {
	IAM    IAMAPI
	Caller *provider.Caller
	Clock  clock.Clock
	// SettleDelay is waited between detaching and deleting policies, as IAM
	// may briefly still report a detached policy as attached.
	SettleDelay time.Duration
}

// DirectAttachment grants access by creating a customer managed policy and
// attaching it to an IAM principal.
type DirectAttachment struct {
	iam         IAMAPI
	caller      *provider.Caller
	clock       clock.Clock
	settleDelay time.Duration
}

func NewDirectAttachment(opts DirectAttachmentOpts) *DirectAttachment {
	d := &DirectAttachment{
		iam:         opts.IAM,
		caller:      opts.Caller,
		clock:       opts.Clock,
		settleDelay: opts.SettleDelay,
	}
	if d.caller == nil {
		d.caller = provider.NewCaller(provider.Options{})
	}
	if d.clock == nil {
		d.clock = clock.WallClock
	}
	return d
}

func (d *DirectAttachment) Kind() Kind {
	return KindDirectAttachment
}

// Provision creates the grant policy and attaches it to the grant principal.
func (d *DirectAttachment) Provision(ctx context.Context, g Grant) (Handle, error) {
	arn, err := d.Create(ctx, g.Name, g.Document, g.Purpose, g.Requester)
	if err != nil {
		return Handle{}, err
	}
	if err := d.Attach(ctx, g.Principal, arn); err != nil {
		return Handle{Kind: KindDirectAttachment, PolicyARN: arn}, err
	}
	return Handle{Kind: KindDirectAttachment, PolicyARN: arn}, nil
}

// Revoke detaches and deletes the grant policy. A policy which no longer
// exists is reported as already absent.
func (d *DirectAttachment) Revoke(ctx context.Context, g Grant) (RevokeResult, error) {
	res := RevokeResult{Kind: KindDirectAttachment}
	arn, err := d.LookupARN(ctx, g.Name)
	if errors.Is(err, ErrPolicyNotFound) {
		clio.Debugw("grant policy already absent", "policy", g.Name)
		res.AlreadyAbsent = true
		return res, nil
	}
	if err != nil {
		return res, err
	}
	if err := d.Detach(ctx, g.Principal, arn); err != nil {
		return res, err
	}
	if err := d.settle(ctx); err != nil {
		return res, err
	}
	if err := d.Delete(ctx, arn); err != nil {
		return res, err
	}
	return res, nil
}

// Create creates the named policy. If a policy with the name already exists it
// is looked up and its ARN returned, so concurrent grants converge on one policy.
func (d *DirectAttachment) Create(ctx context.Context, name string, doc policytemplate.Document, purpose, requester string) (string, error) {
	body, err := doc.JSON()
	if err != nil {
		return "", errors.Wrap(err, "encoding policy document")
	}

	var out *iam.CreatePolicyOutput
	err = d.caller.Do(ctx, "CreatePolicy", func(ctx context.Context) (err error) {
		out, err = d.iam.CreatePolicy(ctx, &iam.CreatePolicyInput{
			PolicyName:     aws.String(name),
			PolicyDocument: aws.String(body),
			Path:           aws.String(PolicyPath),
			Description:    aws.String(fmt.Sprintf("JIT %s access for %s", purpose, requester)),
			Tags: []iamtypes.Tag{
				{Key: aws.String(TagPurpose), Value: aws.String(purpose)},
				{Key: aws.String(TagRequester), Value: aws.String(requester)},
			},
		})
		return err
	})
	if provider.IsAlreadyExists(err) {
		clio.Debugw("policy already exists, looking up arn", "policy", name)
		return d.LookupARN(ctx, name)
	}
	if err != nil {
		return "", errors.Wrapf(err, "creating policy %s", name)
	}
	return aws.ToString(out.Policy.Arn), nil
}

// LookupARN finds the ARN of a customer managed policy by name.
func (d *DirectAttachment) LookupARN(ctx context.Context, name string) (string, error) {
	policies, err := d.listLocal(ctx)
	if err != nil {
		return "", err
	}
	for _, pol := range policies {
		if aws.ToString(pol.PolicyName) == name {
			return aws.ToString(pol.Arn), nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrPolicyNotFound, name)
}

// listLocal lists the customer managed policies under PolicyPath.
func (d *DirectAttachment) listLocal(ctx context.Context) ([]iamtypes.Policy, error) {
	var out []iamtypes.Policy
	p := iam.NewListPoliciesPaginator(d.iam, &iam.ListPoliciesInput{
		Scope:      iamtypes.PolicyScopeTypeLocal,
		PathPrefix: aws.String(PolicyPath),
	})
	for p.HasMorePages() {
		var page *iam.ListPoliciesOutput
		err := d.caller.Do(ctx, "ListPolicies", func(ctx context.Context) (err error) {
			page, err = p.NextPage(ctx)
			return err
		})
		if err != nil {
			return nil, errors.Wrap(err, "listing policies")
		}
		out = append(out, page.Policies...)
	}
	return out, nil
}

// Attach attaches the policy to the principal. Attaching an already attached
// policy is a no-op on the provider side.
func (d *DirectAttachment) Attach(ctx context.Context, principal Principal, arn string) error {
	err := d.caller.Do(ctx, "AttachPolicy", func(ctx context.Context) error {
		switch principal.Kind {
		case PrincipalRole:
			_, err := d.iam.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{RoleName: aws.String(principal.Name), PolicyArn: aws.String(arn)})
			return err
		default:
			_, err := d.iam.AttachUserPolicy(ctx, &iam.AttachUserPolicyInput{UserName: aws.String(principal.Name), PolicyArn: aws.String(arn)})
			return err
		}
	})
	return errors.Wrapf(err, "attaching %s to %s", arn, principal)
}

// Detach detaches the policy from the principal. A missing attachment is success.
func (d *DirectAttachment) Detach(ctx context.Context, principal Principal, arn string) error {
	err := d.caller.Do(ctx, "DetachPolicy", func(ctx context.Context) error {
		switch principal.Kind {
		case PrincipalRole:
			_, err := d.iam.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{RoleName: aws.String(principal.Name), PolicyArn: aws.String(arn)})
			return err
		default:
			_, err := d.iam.DetachUserPolicy(ctx, &iam.DetachUserPolicyInput{UserName: aws.String(principal.Name), PolicyArn: aws.String(arn)})
			return err
		}
	})
	if provider.IsNotFound(err) {
		return nil
	}
	return errors.Wrapf(err, "detaching %s from %s", arn, principal)
}

// Delete deletes the policy along with any non-default versions, which the
// provider refuses to delete a policy with. A policy which no longer exists is
// success. The provider also refuses to delete attached policies; callers
// detach first.
func (d *DirectAttachment) Delete(ctx context.Context, arn string) error {
	versions, err := d.nonDefaultVersions(ctx, arn)
	if provider.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "listing versions of %s", arn)
	}
	for _, id := range versions {
		err := d.caller.Do(ctx, "DeletePolicyVersion", func(ctx context.Context) error {
			_, err := d.iam.DeletePolicyVersion(ctx, &iam.DeletePolicyVersionInput{PolicyArn: aws.String(arn), VersionId: aws.String(id)})
			return err
		})
		if err != nil && !provider.IsNotFound(err) {
			return errors.Wrapf(err, "deleting version %s of %s", id, arn)
		}
	}

	err = d.caller.Do(ctx, "DeletePolicy", func(ctx context.Context) error {
		_, err := d.iam.DeletePolicy(ctx, &iam.DeletePolicyInput{PolicyArn: aws.String(arn)})
		return err
	})
	if provider.IsNotFound(err) {
		return nil
	}
	return errors.Wrapf(err, "deleting %s", arn)
}

func (d *DirectAttachment) nonDefaultVersions(ctx context.Context, arn string) ([]string, error) {
	var ids []string
	input := &iam.ListPolicyVersionsInput{PolicyArn: aws.String(arn)}
	for {
		var page *iam.ListPolicyVersionsOutput
		err := d.caller.Do(ctx, "ListPolicyVersions", func(ctx context.Context) (err error) {
			page, err = d.iam.ListPolicyVersions(ctx, input)
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, v := range page.Versions {
			if !v.IsDefaultVersion {
				ids = append(ids, aws.ToString(v.VersionId))
			}
		}
		if !page.IsTruncated {
			return ids, nil
		}
		input.Marker = page.Marker
	}
}

// ownedBy reports whether the policy's requester tag names the requester.
func (d *DirectAttachment) ownedBy(ctx context.Context, arn, requester string) (bool, error) {
	var out *iam.ListPolicyTagsOutput
	err := d.caller.Do(ctx, "ListPolicyTags", func(ctx context.Context) (err error) {
		out, err = d.iam.ListPolicyTags(ctx, &iam.ListPolicyTagsInput{PolicyArn: aws.String(arn)})
		return err
	})
	if err != nil {
		return false, errors.Wrapf(err, "listing tags of %s", arn)
	}
	for _, tag := range out.Tags {
		if aws.ToString(tag.Key) == TagRequester {
			return aws.ToString(tag.Value) == requester, nil
		}
	}
	return false, nil
}

// isCleanupTarget reports whether the policy belongs to the purpose and
// requester. Truncated names are confirmed from the requester tag.
func (d *DirectAttachment) isCleanupTarget(ctx context.Context, name, arn, purpose, requester string) (bool, error) {
	switch policyname.MatchName(name, purpose, requester) {
	case policyname.Exact:
		return true, nil
	case policyname.Truncated:
		return d.ownedBy(ctx, arn, requester)
	default:
		return false, nil
	}
}

// CleanupResult aggregates a cleanup over many policies.
type CleanupResult struct {
	// Removed holds the names of the policies detached and deleted.
	Removed []string
	// Failed maps a policy name to the error which stopped its removal.
	Failed map[string]error
}

// OK reports whether every matching policy was removed.
func (r CleanupResult) OK() bool {
	return len(r.Failed) == 0
}

// Err combines the per-policy failures, or returns nil.
func (r CleanupResult) Err() error {
	var err error
	for name, e := range r.Failed {
		err = multierr.Append(err, fmt.Errorf("%s: %w", name, e))
	}
	return err
}

func (r *CleanupResult) fail(name string, err error) {
	if r.Failed == nil {
		r.Failed = map[string]error{}
	}
	r.Failed[name] = err
}

// merge adds other into r. A policy removed by one pass is not reported as
// failed by another.
func (r *CleanupResult) merge(other CleanupResult) {
	for _, name := range other.Removed {
		if !slices.Contains(r.Removed, name) {
			r.Removed = append(r.Removed, name)
		}
		delete(r.Failed, name)
	}
	for name, err := range other.Failed {
		if !slices.Contains(r.Removed, name) {
			r.fail(name, err)
		}
	}
}

// CleanupForUser removes every JIT policy for the purpose and requester which
// is attached to the principal, then deletes any matching policy left
// unattached by an earlier partial cleanup. Each policy is handled
// independently: a failure is recorded and the remaining policies are still
// processed.
func (d *DirectAttachment) CleanupForUser(ctx context.Context, principal Principal, purpose, requester string) (CleanupResult, error) {
	return d.CleanupForUsers(ctx, []Principal{principal}, purpose, requester)
}

// CleanupForUsers cleans up several principals concurrently, then sweeps
// unattached policies once and merges the results.
func (d *DirectAttachment) CleanupForUsers(ctx context.Context, principals []Principal, purpose, requester string) (CleanupResult, error) {
	results := make([]CleanupResult, len(principals))
	var eg errgroup.Group
	for i, p := range principals {
		eg.Go(func() error {
			res, err := d.cleanupAttached(ctx, p, purpose, requester)
			results[i] = res
			return err
		})
	}
	err := eg.Wait()

	var merged CleanupResult
	for _, r := range results {
		merged.merge(r)
	}
	if err != nil {
		return merged, err
	}

	swept, err := d.sweepUnattached(ctx, purpose, requester, merged)
	merged.merge(swept)
	return merged, err
}

func (d *DirectAttachment) cleanupAttached(ctx context.Context, principal Principal, purpose, requester string) (CleanupResult, error) {
	var res CleanupResult

	attached, err := d.listAttached(ctx, principal)
	if err != nil {
		return res, err
	}

	var detached []iamtypes.AttachedPolicy
	for _, pol := range attached {
		name, arn := aws.ToString(pol.PolicyName), aws.ToString(pol.PolicyArn)
		ok, err := d.isCleanupTarget(ctx, name, arn, purpose, requester)
		if err != nil {
			res.fail(name, err)
			continue
		}
		if !ok {
			continue
		}
		if err := d.Detach(ctx, principal, arn); err != nil {
			clio.Errorw("failed to detach policy during cleanup", "policy", name, "principal", principal.String(), zap.Error(err))
			res.fail(name, err)
			continue
		}
		detached = append(detached, pol)
	}

	if len(detached) > 0 {
		if err := d.settle(ctx); err != nil {
			return res, err
		}
	}

	for _, pol := range detached {
		name := aws.ToString(pol.PolicyName)
		if err := d.Delete(ctx, aws.ToString(pol.PolicyArn)); err != nil {
			clio.Errorw("failed to delete policy during cleanup", "policy", name, zap.Error(err))
			res.fail(name, err)
			continue
		}
		res.Removed = append(res.Removed, name)
	}

	return res, nil
}

// sweepUnattached deletes matching policies which are attached to nothing,
// skipping the ones already handled in this cleanup.
func (d *DirectAttachment) sweepUnattached(ctx context.Context, purpose, requester string, handled CleanupResult) (CleanupResult, error) {
	var res CleanupResult

	policies, err := d.listLocal(ctx)
	if err != nil {
		return res, err
	}
	for _, pol := range policies {
		name, arn := aws.ToString(pol.PolicyName), aws.ToString(pol.Arn)
		if aws.ToInt32(pol.AttachmentCount) > 0 || slices.Contains(handled.Removed, name) {
			continue
		}
		if _, failed := handled.Failed[name]; failed {
			continue
		}
		ok, err := d.isCleanupTarget(ctx, name, arn, purpose, requester)
		if err != nil {
			res.fail(name, err)
			continue
		}
		if !ok {
			continue
		}
		if err := d.Delete(ctx, arn); err != nil {
			clio.Errorw("failed to delete unattached policy during cleanup", "policy", name, zap.Error(err))
			res.fail(name, err)
			continue
		}
		clio.Debugw("deleted unattached policy", "policy", name)
		res.Removed = append(res.Removed, name)
	}
	return res, nil
}

func (d *DirectAttachment) listAttached(ctx context.Context, principal Principal) ([]iamtypes.AttachedPolicy, error) {
	var out []iamtypes.AttachedPolicy
	switch principal.Kind {
	case PrincipalRole:
		p := iam.NewListAttachedRolePoliciesPaginator(d.iam, &iam.ListAttachedRolePoliciesInput{RoleName: aws.String(principal.Name)})
		for p.HasMorePages() {
			var page *iam.ListAttachedRolePoliciesOutput
			err := d.caller.Do(ctx, "ListAttachedRolePolicies", func(ctx context.Context) (err error) {
				page, err = p.NextPage(ctx)
				return err
			})
			if err != nil {
				return nil, errors.Wrapf(err, "listing policies attached to %s", principal)
			}
			out = append(out, page.AttachedPolicies...)
		}
	default:
		p := iam.NewListAttachedUserPoliciesPaginator(d.iam, &iam.ListAttachedUserPoliciesInput{UserName: aws.String(principal.Name)})
		for p.HasMorePages() {
			var page *iam.ListAttachedUserPoliciesOutput
			err := d.caller.Do(ctx, "ListAttachedUserPolicies", func(ctx context.Context) (err error) {
				page, err = p.NextPage(ctx)
				return err
			})
			if err != nil {
				return nil, errors.Wrapf(err, "listing policies attached to %s", principal)
			}
			out = append(out, page.AttachedPolicies...)
		}
	}
	return out, nil
}

func (d *DirectAttachment) settle(ctx context.Context) error {
	if d.settleDelay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.clock.After(d.settleDelay):
		return nil
	}
}
