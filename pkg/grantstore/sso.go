package grantstore

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/identitystore"
	idstypes "github.com/aws/aws-sdk-go-v2/service/identitystore/types"
	"github.com/aws/aws-sdk-go-v2/service/ssoadmin"
	ssoadmintypes "github.com/aws/aws-sdk-go-v2/service/ssoadmin/types"
	"github.com/common-fate/clio"
	"github.com/common-fate/grab"
	"github.com/common-fate/jit/pkg/provider"
	"github.com/pkg/errors"
)

// SSOAdminAPI is the subset of the IAM Identity Center admin client used for SSO grants.
type SSOAdminAPI interface {
	ListPermissionSets(ctx context.Context, params *ssoadmin.ListPermissionSetsInput, optFns ...func(*ssoadmin.Options)) (*ssoadmin.ListPermissionSetsOutput, error)
	DescribePermissionSet(ctx context.Context, params *ssoadmin.DescribePermissionSetInput, optFns ...func(*ssoadmin.Options)) (*ssoadmin.DescribePermissionSetOutput, error)
	CreateAccountAssignment(ctx context.Context, params *ssoadmin.CreateAccountAssignmentInput, optFns ...func(*ssoadmin.Options)) (*ssoadmin.CreateAccountAssignmentOutput, error)
	DeleteAccountAssignment(ctx context.Context, params *ssoadmin.DeleteAccountAssignmentInput, optFns ...func(*ssoadmin.Options)) (*ssoadmin.DeleteAccountAssignmentOutput, error)
}

// IdentityStoreAPI is the subset of the Identity Store client used to resolve users.
type IdentityStoreAPI interface {
	ListUsers(ctx context.Context, params *identitystore.ListUsersInput, optFns ...func(*identitystore.Options)) (*identitystore.ListUsersOutput, error)
}

type SSOAssignmentOpts struct {
	Admin           SSOAdminAPI
	IdentityStore   IdentityStoreAPI
	Caller          *provider.Caller
	InstanceARN     string
	IdentityStoreID string
}

// SSOAssignment grants access by assigning a permission set to a user on an account.
type SSOAssignment struct {
	admin           SSOAdminAPI
	ids             IdentityStoreAPI
	caller          *provider.Caller
	instanceARN     string
	identityStoreID string
}

func NewSSOAssignment(opts SSOAssignmentOpts) *SSOAssignment {
	s := &SSOAssignment{
		admin:           opts.Admin,
		ids:             opts.IdentityStore,
		caller:          opts.Caller,
		instanceARN:     opts.InstanceARN,
		identityStoreID: opts.IdentityStoreID,
	}
	if s.caller == nil {
		s.caller = provider.NewCaller(provider.Options{})
	}
	return s
}

func (s *SSOAssignment) Kind() Kind {
	return KindSSOAssignment
}

// Provision assigns the grant's permission set to the requester on the grant account.
func (s *SSOAssignment) Provision(ctx context.Context, g Grant) (Handle, error) {
	userID, err := s.ResolveUser(ctx, g.Requester)
	if err != nil {
		return Handle{}, err
	}
	psARN, err := s.ResolvePermissionSet(ctx, g.PermissionSetName)
	if err != nil {
		return Handle{}, err
	}
	status, err := s.Assign(ctx, userID, g.AccountID, psARN)
	h := Handle{Kind: KindSSOAssignment, PermissionSetARN: psARN, PrincipalID: userID, Status: status}
	return h, err
}

// Revoke removes the grant's account assignment. A user or permission set which
// no longer exists means the assignment is gone too, which is success.
func (s *SSOAssignment) Revoke(ctx context.Context, g Grant) (RevokeResult, error) {
	res := RevokeResult{Kind: KindSSOAssignment}
	userID, err := s.ResolveUser(ctx, g.Requester)
	if errors.Is(err, ErrUserNotFound) && !isAmbiguous(err) {
		res.AlreadyAbsent = true
		return res, nil
	}
	if err != nil {
		return res, err
	}
	psARN, err := s.ResolvePermissionSet(ctx, g.PermissionSetName)
	if errors.Is(err, ErrPermissionSetNotFound) {
		res.AlreadyAbsent = true
		return res, nil
	}
	if err != nil {
		return res, err
	}
	status, err := s.RevokeAssignment(ctx, userID, g.AccountID, psARN)
	res.Status = status
	res.AlreadyAbsent = status == StatusAbsent
	return res, err
}

type ambiguousUserError struct {
	email   string
	matches int
}

func (e *ambiguousUserError) Error() string {
	return fmt.Sprintf("%s: %d users match %q, refusing to guess", ErrUserNotFound, e.matches, e.email)
}

func (e *ambiguousUserError) Unwrap() error {
	return ErrUserNotFound
}

func isAmbiguous(err error) bool {
	var a *ambiguousUserError
	return errors.As(err, &a)
}

// ResolveUser looks up the identity store user id for an email address.
// Zero matches, or more than one, yield ErrUserNotFound.
func (s *SSOAssignment) ResolveUser(ctx context.Context, email string) (string, error) {
	var out *identitystore.ListUsersOutput
	err := s.caller.Do(ctx, "ListUsers", func(ctx context.Context) (err error) {
		out, err = s.ids.ListUsers(ctx, &identitystore.ListUsersInput{
			IdentityStoreId: aws.String(s.identityStoreID),
			Filters: []idstypes.Filter{
				{AttributePath: aws.String("UserName"), AttributeValue: aws.String(email)},
			},
		})
		return err
	})
	if err != nil {
		return "", errors.Wrapf(err, "looking up user %s", email)
	}
	switch len(out.Users) {
	case 0:
		return "", fmt.Errorf("%w: %s", ErrUserNotFound, email)
	case 1:
		return aws.ToString(out.Users[0].UserId), nil
	default:
		return "", &ambiguousUserError{email: email, matches: len(out.Users)}
	}
}

// ResolvePermissionSet finds the ARN of the permission set with the exact display name.
func (s *SSOAssignment) ResolvePermissionSet(ctx context.Context, name string) (string, error) {
	arns, err := grab.AllPages(ctx, func(ctx context.Context, nextToken *string) ([]string, *string, error) {
		var out *ssoadmin.ListPermissionSetsOutput
		err := s.caller.Do(ctx, "ListPermissionSets", func(ctx context.Context) (err error) {
			out, err = s.admin.ListPermissionSets(ctx, &ssoadmin.ListPermissionSetsInput{
				InstanceArn: aws.String(s.instanceARN),
				NextToken:   nextToken,
			})
			return err
		})
		if err != nil {
			return nil, nil, err
		}
		return out.PermissionSets, out.NextToken, nil
	})
	if err != nil {
		return "", errors.Wrap(err, "listing permission sets")
	}

	for _, arn := range arns {
		var out *ssoadmin.DescribePermissionSetOutput
		err := s.caller.Do(ctx, "DescribePermissionSet", func(ctx context.Context) (err error) {
			out, err = s.admin.DescribePermissionSet(ctx, &ssoadmin.DescribePermissionSetInput{
				InstanceArn:      aws.String(s.instanceARN),
				PermissionSetArn: aws.String(arn),
			})
			return err
		})
		if provider.IsNotFound(err) {
			// deleted between list and describe
			continue
		}
		if err != nil {
			return "", errors.Wrapf(err, "describing permission set %s", arn)
		}
		if out.PermissionSet != nil && aws.ToString(out.PermissionSet.Name) == name {
			return arn, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrPermissionSetNotFound, name)
}

// Assign creates the account assignment. An assignment which already exists, or
// is already being created, is success.
func (s *SSOAssignment) Assign(ctx context.Context, userID, accountID, permissionSetARN string) (string, error) {
	var out *ssoadmin.CreateAccountAssignmentOutput
	err := s.caller.Do(ctx, "CreateAccountAssignment", func(ctx context.Context) (err error) {
		out, err = s.admin.CreateAccountAssignment(ctx, &ssoadmin.CreateAccountAssignmentInput{
			InstanceArn:      aws.String(s.instanceARN),
			PermissionSetArn: aws.String(permissionSetARN),
			PrincipalId:      aws.String(userID),
			PrincipalType:    ssoadmintypes.PrincipalTypeUser,
			TargetId:         aws.String(accountID),
			TargetType:       ssoadmintypes.TargetTypeAwsAccount,
		})
		return err
	})
	if provider.IsAlreadyExists(err) {
		clio.Debugw("account assignment already exists or is in progress", "user", userID, "account", accountID, "permissionSet", permissionSetARN)
		return string(ssoadmintypes.StatusValuesInProgress), nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "assigning %s to %s on %s", permissionSetARN, userID, accountID)
	}
	return operationStatus(out.AccountAssignmentCreationStatus), nil
}

// StatusAbsent is reported by RevokeAssignment when there was no assignment to delete.
const StatusAbsent = "ABSENT"

// RevokeAssignment deletes the account assignment and returns the provider's
// deletion status. A missing assignment is success.
func (s *SSOAssignment) RevokeAssignment(ctx context.Context, userID, accountID, permissionSetARN string) (string, error) {
	var out *ssoadmin.DeleteAccountAssignmentOutput
	err := s.caller.Do(ctx, "DeleteAccountAssignment", func(ctx context.Context) (err error) {
		out, err = s.admin.DeleteAccountAssignment(ctx, &ssoadmin.DeleteAccountAssignmentInput{
			InstanceArn:      aws.String(s.instanceARN),
			PermissionSetArn: aws.String(permissionSetARN),
			PrincipalId:      aws.String(userID),
			PrincipalType:    ssoadmintypes.PrincipalTypeUser,
			TargetId:         aws.String(accountID),
			TargetType:       ssoadmintypes.TargetTypeAwsAccount,
		})
		return err
	})
	if provider.IsNotFound(err) {
		return StatusAbsent, nil
	}
	if provider.IsAlreadyExists(err) {
		// a concurrent deletion of the same assignment is in flight
		return string(ssoadmintypes.StatusValuesInProgress), nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "removing %s from %s on %s", permissionSetARN, userID, accountID)
	}
	return operationStatus(out.AccountAssignmentDeletionStatus), nil
}

func operationStatus(s *ssoadmintypes.AccountAssignmentOperationStatus) string {
	if s == nil {
		return ""
	}
	return string(s.Status)
}
