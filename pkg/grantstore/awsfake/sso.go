package awsfake

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/identitystore"
	idstypes "github.com/aws/aws-sdk-go-v2/service/identitystore/types"
	"github.com/aws/aws-sdk-go-v2/service/ssoadmin"
	"github.com/aws/aws-sdk-go-v2/service/ssoadmin/types"
)

// SSO is an in-memory IAM Identity Center instance with its identity store.
// ListPermissionSets pages results PageSize at a time to exercise pagination.
type SSO struct {
	mu             sync.Mutex
	PageSize       int
	permissionSets map[string]string // arn -> name
	users          map[string]string // id -> user name
	assignments    map[string]bool   // account|permission set arn|user id
	Hook           Hook
}

func NewSSO() *SSO {
	return &SSO{
		PageSize:       2,
		permissionSets: map[string]string{},
		users:          map[string]string{},
		assignments:    map[string]bool{},
	}
}

func assignmentKey(account, psARN, userID string) string {
	return account + "|" + psARN + "|" + userID
}

// AddPermissionSet registers a permission set and returns its ARN.
func (s *SSO) AddPermissionSet(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	arn := fmt.Sprintf("arn:aws:sso:::permissionSet/ssoins-test/ps-%d", len(s.permissionSets)+1)
	s.permissionSets[arn] = name
	return arn
}

// AddUser registers a user and returns its id.
func (s *SSO) AddUser(userName string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := "user-" + strconv.Itoa(len(s.users)+1)
	s.users[id] = userName
	return id
}

// HasAssignment reports whether the assignment exists.
func (s *SSO) HasAssignment(account, psARN, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assignments[assignmentKey(account, psARN, userID)]
}

// Assignments returns how many assignments exist.
func (s *SSO) Assignments() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.assignments)
}

func (s *SSO) before(op, key string) error {
	if s.Hook != nil {
		return s.Hook(op, key)
	}
	return nil
}

func (s *SSO) ListPermissionSets(ctx context.Context, input *ssoadmin.ListPermissionSetsInput, opts ...func(*ssoadmin.Options)) (*ssoadmin.ListPermissionSetsOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.before("ListPermissionSets", ""); err != nil {
		return nil, err
	}
	var arns []string
	for arn := range s.permissionSets {
		arns = append(arns, arn)
	}
	sort.Strings(arns)

	start := 0
	if input.NextToken != nil {
		var err error
		start, err = strconv.Atoi(*input.NextToken)
		if err != nil {
			return nil, &types.ValidationException{Message: aws.String("invalid token")}
		}
	}
	end := start + s.PageSize
	out := &ssoadmin.ListPermissionSetsOutput{}
	if end < len(arns) {
		out.NextToken = aws.String(strconv.Itoa(end))
	} else {
		end = len(arns)
	}
	out.PermissionSets = arns[start:end]
	return out, nil
}

func (s *SSO) DescribePermissionSet(ctx context.Context, input *ssoadmin.DescribePermissionSetInput, opts ...func(*ssoadmin.Options)) (*ssoadmin.DescribePermissionSetOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	arn := aws.ToString(input.PermissionSetArn)
	if err := s.before("DescribePermissionSet", arn); err != nil {
		return nil, err
	}
	name, ok := s.permissionSets[arn]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("permission set not found")}
	}
	return &ssoadmin.DescribePermissionSetOutput{
		PermissionSet: &types.PermissionSet{Name: aws.String(name), PermissionSetArn: aws.String(arn)},
	}, nil
}

func (s *SSO) CreateAccountAssignment(ctx context.Context, input *ssoadmin.CreateAccountAssignmentInput, opts ...func(*ssoadmin.Options)) (*ssoadmin.CreateAccountAssignmentOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := assignmentKey(aws.ToString(input.TargetId), aws.ToString(input.PermissionSetArn), aws.ToString(input.PrincipalId))
	if err := s.before("CreateAccountAssignment", key); err != nil {
		return nil, err
	}
	s.assignments[key] = true
	return &ssoadmin.CreateAccountAssignmentOutput{
		AccountAssignmentCreationStatus: &types.AccountAssignmentOperationStatus{Status: types.StatusValuesSucceeded},
	}, nil
}

func (s *SSO) DeleteAccountAssignment(ctx context.Context, input *ssoadmin.DeleteAccountAssignmentInput, opts ...func(*ssoadmin.Options)) (*ssoadmin.DeleteAccountAssignmentOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := assignmentKey(aws.ToString(input.TargetId), aws.ToString(input.PermissionSetArn), aws.ToString(input.PrincipalId))
	if err := s.before("DeleteAccountAssignment", key); err != nil {
		return nil, err
	}
	if !s.assignments[key] {
		return nil, &types.ResourceNotFoundException{Message: aws.String("assignment not found")}
	}
	delete(s.assignments, key)
	return &ssoadmin.DeleteAccountAssignmentOutput{
		AccountAssignmentDeletionStatus: &types.AccountAssignmentOperationStatus{Status: types.StatusValuesSucceeded},
	}, nil
}

// ListUsers supports a single UserName equality filter.
func (s *SSO) ListUsers(ctx context.Context, input *identitystore.ListUsersInput, opts ...func(*identitystore.Options)) (*identitystore.ListUsersOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.before("ListUsers", ""); err != nil {
		return nil, err
	}
	var want string
	for _, f := range input.Filters {
		if aws.ToString(f.AttributePath) == "UserName" {
			want = aws.ToString(f.AttributeValue)
		}
	}
	var ids []string
	for id, name := range s.users {
		if want == "" || name == want {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := &identitystore.ListUsersOutput{}
	for _, id := range ids {
		out.Users = append(out.Users, idstypes.User{UserId: aws.String(id), UserName: aws.String(s.users[id])})
	}
	return out, nil
}
