// Package awsfake provides in-memory implementations of the AWS APIs used by
// the grant store, for tests.
package awsfake

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"
)

// Hook lets a test fail an operation. op is the IAM API name and key the policy
// name or ARN involved. A nil return lets the operation proceed.
type Hook func(op string, key string) error

// IAM is an in-memory IAM service covering customer managed policies and their
// attachments to users and roles.
type IAM struct {
	mu          sync.Mutex
	AccountID   string
	policies    map[string]*types.Policy // by name
	documents   map[string]string        // by name
	versions    map[string][]string      // non-default version ids by name
	attachments map[string]map[string]bool
	calls       map[string]int
	Hook        Hook
}

func NewIAM(accountID string) *IAM {
	return &IAM{
		AccountID:   accountID,
		policies:    map[string]*types.Policy{},
		documents:   map[string]string{},
		versions:    map[string][]string{},
		attachments: map[string]map[string]bool{},
		calls:       map[string]int{},
	}
}

func (i *IAM) arn(name string) string {
	return fmt.Sprintf("arn:aws:iam::%s:policy/jit/%s", i.AccountID, name)
}

func (i *IAM) before(op, key string) error {
	i.calls[op]++
	if i.Hook != nil {
		return i.Hook(op, key)
	}
	return nil
}

func (i *IAM) byARN(arn string) (string, bool) {
	for name, p := range i.policies {
		if aws.ToString(p.Arn) == arn {
			return name, true
		}
	}
	return "", false
}

func noSuchEntity(format string, args ...any) error {
	return &types.NoSuchEntityException{Message: aws.String(fmt.Sprintf(format, args...))}
}

// Calls returns how many times op was invoked.
func (i *IAM) Calls(op string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.calls[op]
}

// PolicyNames returns the names of the existing policies in sorted order.
func (i *IAM) PolicyNames() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	var names []string
	for n := range i.policies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Document returns the policy document stored for a policy name.
func (i *IAM) Document(name string) string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.documents[name]
}

// Attached returns the policy ARNs attached to a principal key such as "user/a@x.com".
func (i *IAM) Attached(principal string) []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	var arns []string
	for arn := range i.attachments[principal] {
		arns = append(arns, arn)
	}
	sort.Strings(arns)
	return arns
}

// Seed creates a policy with the given tags and attaches it to a principal
// key, bypassing hooks. An empty principal leaves the policy unattached.
func (i *IAM) Seed(name, principal string, tags ...types.Tag) string {
	i.mu.Lock()
	defer i.mu.Unlock()
	arn := i.arn(name)
	i.policies[name] = &types.Policy{PolicyName: aws.String(name), Arn: aws.String(arn), DefaultVersionId: aws.String("v1"), Tags: tags}
	if principal == "" {
		return arn
	}
	if i.attachments[principal] == nil {
		i.attachments[principal] = map[string]bool{}
	}
	i.attachments[principal][arn] = true
	return arn
}

// AddVersion adds a non-default version to a policy, as an operator editing the
// policy in the console would, and returns the version id.
func (i *IAM) AddVersion(name string) string {
	i.mu.Lock()
	defer i.mu.Unlock()
	id := fmt.Sprintf("v%d", len(i.versions[name])+2)
	i.versions[name] = append(i.versions[name], id)
	return id
}

// Versions returns the non-default version ids of a policy.
func (i *IAM) Versions(name string) []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.versions[name]...)
}

func (i *IAM) attachmentCount(arn string) int32 {
	var n int32
	for _, attached := range i.attachments {
		if attached[arn] {
			n++
		}
	}
	return n
}

func (i *IAM) CreatePolicy(ctx context.Context, input *iam.CreatePolicyInput, opts ...func(*iam.Options)) (*iam.CreatePolicyOutput, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	name := aws.ToString(input.PolicyName)
	if err := i.before("CreatePolicy", name); err != nil {
		return nil, err
	}

	if p, exists := i.policies[name]; exists {
		return &iam.CreatePolicyOutput{Policy: p}, &types.EntityAlreadyExistsException{
			Message: aws.String(fmt.Sprintf("A policy called %s already exists", name)),
		}
	}

	p := &types.Policy{
		PolicyName:       input.PolicyName,
		Arn:              aws.String(i.arn(name)),
		Path:             input.Path,
		Description:      input.Description,
		DefaultVersionId: aws.String("v1"),
		Tags:             input.Tags,
	}
	i.policies[name] = p
	i.documents[name] = aws.ToString(input.PolicyDocument)
	return &iam.CreatePolicyOutput{Policy: p}, nil
}

func (i *IAM) DeletePolicy(ctx context.Context, input *iam.DeletePolicyInput, opts ...func(*iam.Options)) (*iam.DeletePolicyOutput, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	arn := aws.ToString(input.PolicyArn)
	if err := i.before("DeletePolicy", arn); err != nil {
		return nil, err
	}
	name, ok := i.byARN(arn)
	if !ok {
		return nil, noSuchEntity("Policy %s was not found.", arn)
	}
	if i.attachmentCount(arn) > 0 {
		return nil, &types.DeleteConflictException{Message: aws.String("Cannot delete a policy attached to entities.")}
	}
	if len(i.versions[name]) > 0 {
		return nil, &types.DeleteConflictException{Message: aws.String("This policy has more than one version. Before you delete a policy, you must delete the policy's versions. The default version is deleted with the policy.")}
	}
	delete(i.policies, name)
	delete(i.documents, name)
	return &iam.DeletePolicyOutput{}, nil
}

func (i *IAM) ListPolicyVersions(ctx context.Context, input *iam.ListPolicyVersionsInput, opts ...func(*iam.Options)) (*iam.ListPolicyVersionsOutput, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	arn := aws.ToString(input.PolicyArn)
	if err := i.before("ListPolicyVersions", arn); err != nil {
		return nil, err
	}
	name, ok := i.byARN(arn)
	if !ok {
		return nil, noSuchEntity("Policy %s was not found.", arn)
	}
	out := []types.PolicyVersion{{VersionId: i.policies[name].DefaultVersionId, IsDefaultVersion: true}}
	for _, id := range i.versions[name] {
		out = append(out, types.PolicyVersion{VersionId: aws.String(id)})
	}
	return &iam.ListPolicyVersionsOutput{Versions: out}, nil
}

func (i *IAM) DeletePolicyVersion(ctx context.Context, input *iam.DeletePolicyVersionInput, opts ...func(*iam.Options)) (*iam.DeletePolicyVersionOutput, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	arn := aws.ToString(input.PolicyArn)
	id := aws.ToString(input.VersionId)
	if err := i.before("DeletePolicyVersion", arn); err != nil {
		return nil, err
	}
	name, ok := i.byARN(arn)
	if !ok {
		return nil, noSuchEntity("Policy %s was not found.", arn)
	}
	if id == aws.ToString(i.policies[name].DefaultVersionId) {
		return nil, &types.DeleteConflictException{Message: aws.String("Cannot delete the default version of a policy.")}
	}
	for n, v := range i.versions[name] {
		if v == id {
			i.versions[name] = append(i.versions[name][:n], i.versions[name][n+1:]...)
			return &iam.DeletePolicyVersionOutput{}, nil
		}
	}
	return nil, noSuchEntity("Policy %s version %s does not exist.", arn, id)
}

func (i *IAM) ListPolicyTags(ctx context.Context, input *iam.ListPolicyTagsInput, opts ...func(*iam.Options)) (*iam.ListPolicyTagsOutput, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	arn := aws.ToString(input.PolicyArn)
	if err := i.before("ListPolicyTags", arn); err != nil {
		return nil, err
	}
	name, ok := i.byARN(arn)
	if !ok {
		return nil, noSuchEntity("Policy %s was not found.", arn)
	}
	return &iam.ListPolicyTagsOutput{Tags: append([]types.Tag(nil), i.policies[name].Tags...)}, nil
}

// ListPolicies returns every policy in a single page.
func (i *IAM) ListPolicies(ctx context.Context, input *iam.ListPoliciesInput, opts ...func(*iam.Options)) (*iam.ListPoliciesOutput, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.before("ListPolicies", ""); err != nil {
		return nil, err
	}
	var out []types.Policy
	for _, p := range i.policies {
		pol := *p
		pol.AttachmentCount = aws.Int32(i.attachmentCount(aws.ToString(p.Arn)))
		out = append(out, pol)
	}
	sort.Slice(out, func(a, b int) bool { return aws.ToString(out[a].PolicyName) < aws.ToString(out[b].PolicyName) })
	return &iam.ListPoliciesOutput{Policies: out}, nil
}

func (i *IAM) attach(op, principal, arn string) error {
	if err := i.before(op, arn); err != nil {
		return err
	}
	if _, ok := i.byARN(arn); !ok {
		return noSuchEntity("Policy %s does not exist or is not attachable.", arn)
	}
	if i.attachments[principal] == nil {
		i.attachments[principal] = map[string]bool{}
	}
	i.attachments[principal][arn] = true
	return nil
}

func (i *IAM) detach(op, principal, arn string) error {
	if err := i.before(op, arn); err != nil {
		return err
	}
	if !i.attachments[principal][arn] {
		return noSuchEntity("Policy %s was not found.", arn)
	}
	delete(i.attachments[principal], arn)
	return nil
}

func (i *IAM) listAttached(op, principal string) ([]types.AttachedPolicy, error) {
	if err := i.before(op, principal); err != nil {
		return nil, err
	}
	var out []types.AttachedPolicy
	for arn := range i.attachments[principal] {
		name, _ := i.byARN(arn)
		out = append(out, types.AttachedPolicy{PolicyArn: aws.String(arn), PolicyName: aws.String(name)})
	}
	sort.Slice(out, func(a, b int) bool { return aws.ToString(out[a].PolicyName) < aws.ToString(out[b].PolicyName) })
	return out, nil
}

func (i *IAM) AttachUserPolicy(ctx context.Context, input *iam.AttachUserPolicyInput, opts ...func(*iam.Options)) (*iam.AttachUserPolicyOutput, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.attach("AttachUserPolicy", "user/"+aws.ToString(input.UserName), aws.ToString(input.PolicyArn)); err != nil {
		return nil, err
	}
	return &iam.AttachUserPolicyOutput{}, nil
}

func (i *IAM) DetachUserPolicy(ctx context.Context, input *iam.DetachUserPolicyInput, opts ...func(*iam.Options)) (*iam.DetachUserPolicyOutput, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.detach("DetachUserPolicy", "user/"+aws.ToString(input.UserName), aws.ToString(input.PolicyArn)); err != nil {
		return nil, err
	}
	return &iam.DetachUserPolicyOutput{}, nil
}

func (i *IAM) AttachRolePolicy(ctx context.Context, input *iam.AttachRolePolicyInput, opts ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.attach("AttachRolePolicy", "role/"+aws.ToString(input.RoleName), aws.ToString(input.PolicyArn)); err != nil {
		return nil, err
	}
	return &iam.AttachRolePolicyOutput{}, nil
}

func (i *IAM) DetachRolePolicy(ctx context.Context, input *iam.DetachRolePolicyInput, opts ...func(*iam.Options)) (*iam.DetachRolePolicyOutput, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.detach("DetachRolePolicy", "role/"+aws.ToString(input.RoleName), aws.ToString(input.PolicyArn)); err != nil {
		return nil, err
	}
	return &iam.DetachRolePolicyOutput{}, nil
}

func (i *IAM) ListAttachedUserPolicies(ctx context.Context, input *iam.ListAttachedUserPoliciesInput, opts ...func(*iam.Options)) (*iam.ListAttachedUserPoliciesOutput, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	out, err := i.listAttached("ListAttachedUserPolicies", "user/"+aws.ToString(input.UserName))
	if err != nil {
		return nil, err
	}
	return &iam.ListAttachedUserPoliciesOutput{AttachedPolicies: out}, nil
}

func (i *IAM) ListAttachedRolePolicies(ctx context.Context, input *iam.ListAttachedRolePoliciesInput, opts ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	out, err := i.listAttached("ListAttachedRolePolicies", "role/"+aws.ToString(input.RoleName))
	if err != nil {
		return nil, err
	}
	return &iam.ListAttachedRolePoliciesOutput{AttachedPolicies: out}, nil
}

// Remove deletes a policy and all of its attachments, as an operator would
// from the console.
func (i *IAM) Remove(name string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	p, ok := i.policies[name]
	if !ok {
		return
	}
	for _, attached := range i.attachments {
		delete(attached, aws.ToString(p.Arn))
	}
	delete(i.policies, name)
	delete(i.documents, name)
	delete(i.versions, name)
}
