package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/common-fate/jit/pkg/db/bunx"
	"github.com/common-fate/jit/pkg/db/migrations"
	"github.com/common-fate/jit/pkg/grantstore"
	"github.com/common-fate/jit/pkg/grantstore/awsfake"
	"github.com/common-fate/jit/pkg/ledger"
	"github.com/common-fate/jit/pkg/notify"
	"github.com/common-fate/jit/pkg/policytemplate"
	"github.com/common-fate/jit/pkg/provider"
	"github.com/common-fate/jit/pkg/revocation"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

const account = "123456789012"

type recorder struct {
	mu       sync.Mutex
	messages []notify.Message
}

func (r *recorder) Notify(ctx context.Context, m notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
	return nil
}

func (r *recorder) events() []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Event
	for _, m := range r.messages {
		out = append(out, m.Event)
	}
	return out
}

type webhook struct {
	status atomic.Int32
	mu     sync.Mutex
	bodies [][]byte
	srv    *httptest.Server
}

func (w *webhook) last(t *testing.T) []byte {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	require.NotEmpty(t, w.bodies)
	return w.bodies[len(w.bodies)-1]
}

type env struct {
	o      *Orchestrator
	ledger *ledger.BunLedger
	arms   *revocation.BunArmStore
	iam    *awsfake.IAM
	sso    *awsfake.SSO
	hook   *webhook
	notes  *recorder
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	db, err := bunx.NewDB(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { bunx.Close(db) })
	require.NoError(t, migrations.Apply(ctx, db))

	hook := &webhook{}
	hook.status.Store(http.StatusOK)
	hook.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		hook.mu.Lock()
		hook.bodies = append(hook.bodies, body)
		hook.mu.Unlock()
		w.WriteHeader(int(hook.status.Load()))
	}))
	t.Cleanup(hook.srv.Close)

	clk := testclock.NewClock(t0)
	caller := provider.NewCaller(provider.Options{RequestsPerSecond: -1, MaxRetries: 2, BaseDelay: time.Millisecond, MaxDuration: time.Second})
	iam := awsfake.NewIAM(account)
	sso := awsfake.NewSSO()

	l := ledger.NewBunLedger(db, clk)
	arms := revocation.NewBunArmStore(db)
	notes := &recorder{}
	o := New(Opts{
		Ledger: l,
		Strategies: grantstore.NewStrategies(
			grantstore.NewDirectAttachment(grantstore.DirectAttachmentOpts{IAM: iam, Caller: caller}),
			grantstore.NewSSOAssignment(grantstore.SSOAssignmentOpts{Admin: sso, IdentityStore: sso, Caller: caller, InstanceARN: "arn:aws:sso:::instance/ssoins-test", IdentityStoreID: "d-123"}),
		),
		Scheduler: revocation.NewScheduler(revocation.Options{
			WebhookURL: hook.srv.URL,
			Arms:       arms,
			Clock:      clk,
			MaxRetries: 1,
			BaseDelay:  time.Millisecond,
		}),
		Notifier: notes,
		Clock:    clk,
	})
	return &env{o: o, ledger: l, arms: arms, iam: iam, sso: sso, hook: hook, notes: notes}
}

func logsRequest() ledger.Request {
	return ledger.Request{
		Requester: ledger.Requester{Email: "a@x.com", Groups: []string{"engineering"}},
		Target: ledger.Target{
			Kind:           grantstore.KindDirectAttachment,
			AccountID:      account,
			PolicyTemplate: policytemplate.ReadOnly,
			Buckets:        []string{"logs"},
		},
		TTL: "1h",
	}
}

func (e *env) approved(t *testing.T, r ledger.Request) ledger.Request {
	t.Helper()
	ctx := context.Background()
	submitted, err := e.o.Submit(ctx, r)
	require.NoError(t, err)
	approved, err := e.o.Approve(ctx, submitted.ID, "")
	require.NoError(t, err)
	return approved
}

const logsGrant = "jit_s3_123456789012_read-only_logs_a_at_x_dot_com"

func TestOrchestrator_DirectGrant(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	submitted, err := e.o.Submit(ctx, logsRequest())
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, submitted.Status)
	assert.Equal(t, "s3_read-only_logs", submitted.ToolName)

	_, err = e.o.Approve(ctx, submitted.ID, "")
	require.NoError(t, err)

	res, err := e.o.Grant(ctx, submitted.ID)
	require.NoError(t, err)
	assert.True(t, res.Scheduled)
	assert.Equal(t, logsGrant, res.GrantName)
	assert.Equal(t, t0.Add(time.Hour), res.ExpiresAt)

	assert.Equal(t, []string{logsGrant}, e.iam.PolicyNames())
	assert.Equal(t, []string{res.Handle.PolicyARN}, e.iam.Attached("user/a@x.com"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(e.hook.last(t), &body))
	details := body["access_details"].(map[string]any)
	assert.Equal(t, float64(3600), details["duration_seconds"])
	assert.Equal(t, "pending_revocation", body["status"])

	found, err := e.ledger.Search(ctx, ledger.Filter{Status: ledger.StatusApproved, ToolName: "logs"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, submitted.ID, found[0].ID)

	assert.Equal(t, []notify.Event{notify.EventSubmitted, notify.EventApproved, notify.EventGranted}, e.notes.events())
}

func TestOrchestrator_RevokeAlreadyDeletedPolicy(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	r := e.approved(t, logsRequest())

	_, err := e.o.Grant(ctx, r.ID)
	require.NoError(t, err)

	// an operator removes the policy by hand before the TTL fires
	e.iam.Remove(logsGrant)

	event, err := revocation.ParseEvent(e.hook.last(t))
	require.NoError(t, err)

	res, err := e.o.Revoke(ctx, event.ToolParams)
	require.NoError(t, err)
	assert.True(t, res.AlreadyAbsent)
	assert.True(t, res.LedgerUpdated)

	got, err := e.ledger.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRevoked, got.Status)

	// the revocation callback may be delivered more than once
	res, err = e.o.Revoke(ctx, event.ToolParams)
	require.NoError(t, err)
	assert.True(t, res.AlreadyAbsent)
	assert.True(t, res.LedgerUpdated)
}

func TestOrchestrator_Revoke(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	r := e.approved(t, logsRequest())

	_, err := e.o.Grant(ctx, r.ID)
	require.NoError(t, err)
	event, err := revocation.ParseEvent(e.hook.last(t))
	require.NoError(t, err)

	res, err := e.o.Revoke(ctx, event.ToolParams)
	require.NoError(t, err)
	assert.False(t, res.AlreadyAbsent)
	assert.Empty(t, e.iam.PolicyNames())
	assert.Empty(t, e.iam.Attached("user/a@x.com"))

	arms, err := e.arms.List(ctx, logsGrant)
	require.NoError(t, err)
	require.Len(t, arms, 1)
	assert.True(t, arms[0].Disarmed())

	assert.Contains(t, e.notes.events(), notify.EventRevoked)
}

func TestOrchestrator_ConcurrentGrants(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	r := e.approved(t, logsRequest())

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.o.Grant(ctx, r.ID)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, []string{logsGrant}, e.iam.PolicyNames())
	assert.Len(t, e.iam.Attached("user/a@x.com"), 1)
}

func TestOrchestrator_GrantNeedsReview(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	r := e.approved(t, logsRequest())

	e.iam.Hook = func(op, key string) error {
		if op == "AttachUserPolicy" {
			return &smithy.GenericAPIError{Code: "AccessDenied", Message: "not authorized"}
		}
		return nil
	}

	_, err := e.o.Grant(ctx, r.ID)
	var review *NeedsReviewError
	require.True(t, errors.As(err, &review), "got %v", err)
	assert.Equal(t, logsGrant, review.GrantName)
	assert.Equal(t, account, review.AccountID)
	assert.Equal(t, "a@x.com", review.Requester)
	assert.Contains(t, err.Error(), "needs manual review")

	assert.Contains(t, e.notes.events(), notify.EventNeedsReview)
	// the ledger status is not rolled back
	got, err := e.ledger.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusApproved, got.Status)
}

func TestOrchestrator_GrantNotScheduled(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	r := e.approved(t, logsRequest())
	e.hook.status.Store(http.StatusInternalServerError)

	res, err := e.o.Grant(ctx, r.ID)
	assert.ErrorIs(t, err, revocation.ErrNotScheduled)
	assert.False(t, res.Scheduled)
	// access was still granted
	assert.Len(t, e.iam.Attached("user/a@x.com"), 1)

	pending, err := e.arms.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestOrchestrator_GrantRequiresApproval(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	submitted, err := e.o.Submit(ctx, logsRequest())
	require.NoError(t, err)
	_, err = e.o.Grant(ctx, submitted.ID)
	assert.ErrorIs(t, err, ledger.ErrConflict)

	_, err = e.o.Reject(ctx, submitted.ID)
	require.NoError(t, err)
	_, err = e.o.Grant(ctx, submitted.ID)
	assert.ErrorIs(t, err, ledger.ErrConflict)
	_, err = e.o.Approve(ctx, submitted.ID, "")
	assert.ErrorIs(t, err, ledger.ErrConflict)

	assert.Empty(t, e.iam.PolicyNames())
}

func TestOrchestrator_SubmitValidation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	r := logsRequest()
	r.Target.PolicyTemplate = "god-mode"
	_, err := e.o.Submit(ctx, r)
	assert.ErrorIs(t, err, policytemplate.ErrUnknownTemplate)

	r = logsRequest()
	r.TTL = ""
	_, err = e.o.Submit(ctx, r)
	assert.ErrorIs(t, err, ledger.ErrInvalid)

	unconfigured := New(Opts{Ledger: e.ledger, Strategies: grantstore.NewStrategies()})
	_, err = unconfigured.Submit(ctx, logsRequest())
	assert.ErrorIs(t, err, grantstore.ErrUnknownStrategy)
}

func ssoRequest() ledger.Request {
	return ledger.Request{
		Requester: ledger.Requester{Email: "a@x.com"},
		Target: ledger.Target{
			Kind:              grantstore.KindSSOAssignment,
			AccountID:         account,
			PermissionSetName: "ReadOnly",
		},
		TTL: "1h",
	}
}

func TestOrchestrator_SSOGrantAndRevoke(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	userID := e.sso.AddUser("a@x.com")
	psARN := e.sso.AddPermissionSet("ReadOnly")

	submitted, err := e.o.Submit(ctx, ssoRequest())
	require.NoError(t, err)
	assert.Equal(t, "sso_ReadOnly", submitted.ToolName)

	approved, err := e.o.Approve(ctx, submitted.ID, "30m")
	require.NoError(t, err)
	assert.Equal(t, "30m", approved.TTL)

	res, err := e.o.Grant(ctx, submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, psARN, res.Handle.PermissionSetARN)
	assert.True(t, e.sso.HasAssignment(account, psARN, userID))

	event, err := revocation.ParseEvent(e.hook.last(t))
	require.NoError(t, err)
	assert.Equal(t, int64(1800), event.AccessDetails.DurationSeconds)
	assert.Equal(t, "ReadOnly", event.AccessDetails.PermissionSet)

	rev, err := e.o.Revoke(ctx, event.ToolParams)
	require.NoError(t, err)
	assert.Equal(t, "SUCCEEDED", rev.Status)
	assert.Equal(t, 0, e.sso.Assignments())

	got, err := e.ledger.Get(ctx, submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRevoked, got.Status)
}

func TestOrchestrator_SSOUnknownUserFailsFast(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.sso.AddPermissionSet("ReadOnly")
	r := e.approved(t, ssoRequest())

	_, err := e.o.Grant(ctx, r.ID)
	assert.ErrorIs(t, err, grantstore.ErrUserNotFound)
	var review *NeedsReviewError
	assert.False(t, errors.As(err, &review))
}

func TestOrchestrator_RevokeWithoutRequest(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	task := revocation.Task{
		UserEmail:      "a@x.com",
		Kind:           grantstore.KindDirectAttachment,
		AccountID:      account,
		GrantName:      logsGrant,
		Purpose:        "s3",
		PolicyTemplate: policytemplate.ReadOnly,
		Buckets:        []string{"logs"},
	}
	res, err := e.o.Revoke(ctx, task)
	require.NoError(t, err)
	assert.True(t, res.AlreadyAbsent)
	assert.False(t, res.LedgerUpdated)

	_, err = e.o.Revoke(ctx, revocation.Task{})
	assert.Error(t, err)
}

func TestOrchestrator_PlanIsDeterministic(t *testing.T) {
	e := newEnv(t)
	r := logsRequest()
	r.ID = "req_1"

	g1, task1, err := e.o.Plan(r)
	require.NoError(t, err)
	g2, task2, err := e.o.Plan(r)
	require.NoError(t, err)

	assert.Equal(t, g1, g2)
	assert.Equal(t, task1, task2)
	assert.Equal(t, grantstore.Principal{Kind: grantstore.PrincipalUser, Name: "a@x.com"}, g1.Principal)

	r.Target.Principal = &grantstore.Principal{Kind: grantstore.PrincipalRole, Name: "DataEngineer"}
	g3, task3, err := e.o.Plan(r)
	require.NoError(t, err)
	assert.Equal(t, g1.Name, g3.Name)
	assert.Equal(t, "role/DataEngineer", g3.Principal.String())
	assert.Equal(t, "DataEngineer", task3.Principal.Name)
}
