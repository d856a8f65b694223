// Package lifecycle drives an access request from submission through grant to
// revocation.
//
// A request is recorded as pending, approved or rejected by an approver, and
// once approved the grant is provisioned with the strategy chosen for its
// target and a revocation is scheduled for when its TTL elapses. Every
// provider operation is idempotent, so any step can be retried.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/common-fate/clio"
	"github.com/common-fate/jit/pkg/grantstore"
	"github.com/common-fate/jit/pkg/ledger"
	"github.com/common-fate/jit/pkg/notify"
	"github.com/common-fate/jit/pkg/policyname"
	"github.com/common-fate/jit/pkg/policytemplate"
	"github.com/common-fate/jit/pkg/revocation"
	"github.com/juju/clock"
	"go.uber.org/zap"
)

// Scheduler arms revocations. It is satisfied by *revocation.Scheduler.
type Scheduler interface {
	Schedule(ctx context.Context, task revocation.Task, ttl time.Duration) (revocation.Result, error)
	Disarm(ctx context.Context, grantName string) error
}

// NeedsReviewError is returned when provisioning failed after it may already
// have changed the provider. An operator has to check the grant by hand.
type NeedsReviewError struct {
	GrantName string
	AccountID string
	Requester string
	Err       error
}

func (e *NeedsReviewError) Error() string {
	return fmt.Sprintf("grant %s for %s on account %s needs manual review: %s", e.GrantName, e.Requester, e.AccountID, e.Err)
}

func (e *NeedsReviewError) Unwrap() error {
	return e.Err
}

type Opts struct {
	Ledger     ledger.Ledger
	Catalog    *policytemplate.Catalog
	Strategies grantstore.Strategies
	Scheduler  Scheduler
	Notifier   notify.Notifier
	Namer      policyname.Generator
	Clock      clock.Clock
}

type Orchestrator struct {
	ledger     ledger.Ledger
	catalog    *policytemplate.Catalog
	strategies grantstore.Strategies
	scheduler  Scheduler
	notifier   notify.Notifier
	namer      policyname.Generator
	clock      clock.Clock
}

func New(opts Opts) *Orchestrator {
	o := &Orchestrator{
		ledger:     opts.Ledger,
		catalog:    opts.Catalog,
		strategies: opts.Strategies,
		scheduler:  opts.Scheduler,
		notifier:   opts.Notifier,
		namer:      opts.Namer,
		clock:      opts.Clock,
	}
	if o.catalog == nil {
		o.catalog = policytemplate.NewCatalog()
	}
	if o.notifier == nil {
		o.notifier = notify.LogNotifier{}
	}
	if o.clock == nil {
		o.clock = clock.WallClock
	}
	return o
}

// Submit validates and records a new request. The target must use a
// configured strategy and, for direct attachment, a known policy template.
func (o *Orchestrator) Submit(ctx context.Context, r ledger.Request) (ledger.Request, error) {
	if err := r.Validate(); err != nil {
		return ledger.Request{}, err
	}
	if _, err := o.strategies.Select(r.Target.Kind); err != nil {
		return ledger.Request{}, err
	}
	if r.Target.Kind == grantstore.KindDirectAttachment && !o.catalog.Has(r.Target.PolicyTemplate) {
		return ledger.Request{}, fmt.Errorf("%w: %q", policytemplate.ErrUnknownTemplate, r.Target.PolicyTemplate)
	}

	id, err := o.ledger.Create(ctx, r)
	if err != nil {
		return ledger.Request{}, err
	}
	created, err := o.ledger.Get(ctx, id)
	if err != nil {
		return ledger.Request{}, err
	}
	o.notify(ctx, notify.EventSubmitted, created, "")
	return created, nil
}

// Approve approves a pending request. A non-empty ttlOverride replaces the
// requested TTL.
func (o *Orchestrator) Approve(ctx context.Context, id string, ttlOverride string) (ledger.Request, error) {
	if ttlOverride != "" {
		if err := o.ledger.SetTTL(ctx, id, ttlOverride); err != nil {
			return ledger.Request{}, err
		}
	}
	if err := o.ledger.SetStatus(ctx, id, ledger.StatusApproved); err != nil {
		return ledger.Request{}, err
	}
	r, err := o.ledger.Get(ctx, id)
	if err != nil {
		return ledger.Request{}, err
	}
	o.notify(ctx, notify.EventApproved, r, "")
	return r, nil
}

// Reject rejects a pending request.
func (o *Orchestrator) Reject(ctx context.Context, id string) (ledger.Request, error) {
	if err := o.ledger.SetStatus(ctx, id, ledger.StatusRejected); err != nil {
		return ledger.Request{}, err
	}
	r, err := o.ledger.Get(ctx, id)
	if err != nil {
		return ledger.Request{}, err
	}
	o.notify(ctx, notify.EventRejected, r, "")
	return r, nil
}

// GrantResult describes a grant.
type GrantResult struct {
	RequestID string
	GrantName string
	Handle    grantstore.Handle
	// Scheduled is false when the revocation could not be handed to the
	// scheduler. The grant is in place regardless.
	Scheduled  bool
	Revocation revocation.Result
	ExpiresAt  time.Time
}

// Grant provisions an approved request and schedules its revocation.
//
// Lookup failures, such as an unknown user or permission set, are returned as
// they are. Any other provisioning failure is returned as a *NeedsReviewError.
// If provisioning succeeded but the revocation could not be scheduled, the
// result has Scheduled false and the error wraps revocation.ErrNotScheduled.
func (o *Orchestrator) Grant(ctx context.Context, id string) (GrantResult, error) {
	r, err := o.ledger.Get(ctx, id)
	if err != nil {
		return GrantResult{}, err
	}
	if r.Status != ledger.StatusApproved {
		return GrantResult{}, fmt.Errorf("%w: request %s is %s, only approved requests can be granted", ledger.ErrConflict, id, r.Status)
	}
	ttl, err := r.Duration()
	if err != nil {
		return GrantResult{}, err
	}
	strategy, err := o.strategies.Select(r.Target.Kind)
	if err != nil {
		return GrantResult{}, err
	}
	g, task, err := o.Plan(r)
	if err != nil {
		return GrantResult{}, err
	}

	res := GrantResult{RequestID: r.ID, GrantName: g.Name}
	res.Handle, err = strategy.Provision(ctx, g)
	if err != nil {
		if isLookupError(err) {
			return res, err
		}
		clio.Errorw("grant failed after it may have changed the provider",
			"grant", g.Name,
			"account", g.AccountID,
			"requester", g.Requester,
			"requestId", r.ID,
			zap.Error(err),
		)
		o.notify(ctx, notify.EventNeedsReview, r, err.Error())
		return res, &NeedsReviewError{GrantName: g.Name, AccountID: g.AccountID, Requester: g.Requester, Err: err}
	}
	clio.Infow("granted access", "grant", g.Name, "requestId", r.ID, "ttl", ttl.String())

	res.ExpiresAt = o.clock.Now().Add(ttl).UTC()
	var scheduleErr error
	if o.scheduler == nil {
		scheduleErr = fmt.Errorf("%w: no revocation scheduler is configured", revocation.ErrNotScheduled)
	} else {
		res.Revocation, scheduleErr = o.scheduler.Schedule(ctx, task, ttl)
	}
	res.Scheduled = scheduleErr == nil
	if res.Scheduled {
		res.ExpiresAt = res.Revocation.RevokeAt
	}

	o.notifyGrant(ctx, r, ttl, res.ExpiresAt)
	return res, scheduleErr
}

func isLookupError(err error) bool {
	return errors.Is(err, grantstore.ErrUserNotFound) ||
		errors.Is(err, grantstore.ErrPermissionSetNotFound) ||
		errors.Is(err, grantstore.ErrUnknownStrategy)
}

// Plan derives the grant and the revocation task for a request. It is
// deterministic: the same request always yields the same grant name.
func (o *Orchestrator) Plan(r ledger.Request) (grantstore.Grant, revocation.Task, error) {
	t := r.Target
	g := grantstore.Grant{
		Kind:      t.Kind,
		Requester: r.Requester.Email,
		AccountID: t.AccountID,
	}
	task := revocation.Task{
		RequestID: r.ID,
		UserEmail: r.Requester.Email,
		Kind:      t.Kind,
		AccountID: t.AccountID,
	}

	switch t.Kind {
	case grantstore.KindDirectAttachment:
		doc, err := o.catalog.Render(t.PolicyTemplate, t.Buckets, t.AccountID)
		if err != nil {
			return grantstore.Grant{}, revocation.Task{}, err
		}
		g.Purpose = t.PurposeOrDefault()
		g.Document = doc
		g.Principal = principalFor(r)
		g.Name = o.namer.Generate(policyname.Attributes{
			Purpose:                 g.Purpose,
			AccountID:               t.AccountID,
			TemplateOrPermissionSet: t.PolicyTemplate,
			Resources:               t.Buckets,
			Requester:               r.Requester.Email,
		})
		task.Purpose = g.Purpose
		task.PolicyTemplate = t.PolicyTemplate
		task.Buckets = t.Buckets
		task.Principal = &g.Principal
	case grantstore.KindSSOAssignment:
		g.Purpose = ssoPurpose
		g.PermissionSetName = t.PermissionSetName
		g.Name = o.namer.Generate(policyname.Attributes{
			Purpose:                 ssoPurpose,
			AccountID:               t.AccountID,
			TemplateOrPermissionSet: t.PermissionSetName,
			Requester:               r.Requester.Email,
		})
		task.PermissionSetName = t.PermissionSetName
	default:
		return grantstore.Grant{}, revocation.Task{}, fmt.Errorf("%w: %q", grantstore.ErrUnknownStrategy, t.Kind)
	}
	task.GrantName = g.Name
	return g, task, nil
}

const ssoPurpose = "sso"

// principalFor returns the IAM principal a direct attachment grant is attached
// to. Unless the target names one, it is the IAM user named after the
// requester's email.
func principalFor(r ledger.Request) grantstore.Principal {
	if p := r.Target.Principal; p != nil && p.Name != "" {
		return *p
	}
	return grantstore.Principal{Kind: grantstore.PrincipalUser, Name: r.Requester.Email}
}

// grantFromTask rebuilds the grant named by a revocation task.
func grantFromTask(t revocation.Task) grantstore.Grant {
	g := grantstore.Grant{
		Kind:              t.Kind,
		Name:              t.GrantName,
		Purpose:           t.Purpose,
		Requester:         t.UserEmail,
		AccountID:         t.AccountID,
		PermissionSetName: t.PermissionSetName,
	}
	if t.Kind == grantstore.KindDirectAttachment {
		g.Principal = grantstore.Principal{Kind: grantstore.PrincipalUser, Name: t.UserEmail}
		if t.Principal != nil && t.Principal.Name != "" {
			g.Principal = *t.Principal
		}
	}
	return g
}

// RevokeResult describes a revocation.
type RevokeResult struct {
	RequestID string
	GrantName string
	// AlreadyAbsent is true when the grant had already been removed.
	AlreadyAbsent bool
	Status        string
	// LedgerUpdated is true when the request is now recorded as revoked.
	LedgerUpdated bool
}

// Revoke removes the grant described by the task. A grant which is already
// gone counts as revoked. When the task names a request, the request is moved
// to revoked; a request that is already revoked is left as is.
func (o *Orchestrator) Revoke(ctx context.Context, task revocation.Task) (RevokeResult, error) {
	if err := task.Validate(); err != nil {
		return RevokeResult{}, err
	}
	res := RevokeResult{RequestID: task.RequestID, GrantName: task.GrantName}

	strategy, err := o.strategies.Select(task.Kind)
	if err != nil {
		return res, err
	}
	out, err := strategy.Revoke(ctx, grantFromTask(task))
	if err != nil {
		clio.Errorw("failed to revoke grant", "grant", task.GrantName, "account", task.AccountID, "requester", task.UserEmail, zap.Error(err))
		return res, err
	}
	res.AlreadyAbsent = out.AlreadyAbsent
	res.Status = out.Status
	clio.Infow("revoked access", "grant", task.GrantName, "alreadyAbsent", out.AlreadyAbsent)

	if o.scheduler != nil {
		if err := o.scheduler.Disarm(ctx, task.GrantName); err != nil {
			clio.Errorw("failed to disarm revocation", "grant", task.GrantName, zap.Error(err))
		}
	}

	var r ledger.Request
	if task.RequestID != "" {
		res.LedgerUpdated, err = o.markRevoked(ctx, task.RequestID)
		if err != nil {
			return res, err
		}
		r, _ = o.ledger.Get(ctx, task.RequestID)
	}
	if r.ID == "" {
		r = ledger.Request{
			ID:        task.RequestID,
			Requester: ledger.Requester{Email: task.UserEmail},
			Target: ledger.Target{
				Kind:              task.Kind,
				AccountID:         task.AccountID,
				Purpose:           task.Purpose,
				PolicyTemplate:    task.PolicyTemplate,
				Buckets:           task.Buckets,
				PermissionSetName: task.PermissionSetName,
			},
		}
		r.ToolName = r.Target.ToolName()
	}
	o.notify(ctx, notify.EventRevoked, r, "")
	return res, nil
}

// markRevoked moves the request to revoked. A request already revoked, or a
// ledger that can't be written to, is not an error.
func (o *Orchestrator) markRevoked(ctx context.Context, id string) (bool, error) {
	err := o.ledger.SetStatus(ctx, id, ledger.StatusRevoked)
	var te *ledger.TransitionError
	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &te) && te.From == ledger.StatusRevoked:
		return true, nil
	case errors.Is(err, ledger.ErrReadOnly):
		clio.Warnf("the grant was revoked but request %s could not be updated: %s", id, err)
		return false, nil
	case errors.Is(err, ledger.ErrNotFound):
		clio.Warnf("the grant was revoked but request %s is not in the ledger", id)
		return false, nil
	default:
		return false, err
	}
}

func (o *Orchestrator) notify(ctx context.Context, event notify.Event, r ledger.Request, detail string) {
	notify.Send(ctx, o.notifier, notify.Message{
		Event:     event,
		Recipient: r.Requester.Email,
		RequestID: r.ID,
		ToolName:  r.ToolName,
		AccountID: r.Target.AccountID,
		Detail:    detail,
	})
}

func (o *Orchestrator) notifyGrant(ctx context.Context, r ledger.Request, ttl time.Duration, expiresAt time.Time) {
	notify.Send(ctx, o.notifier, notify.Message{
		Event:     notify.EventGranted,
		Recipient: r.Requester.Email,
		RequestID: r.ID,
		ToolName:  r.ToolName,
		AccountID: r.Target.AccountID,
		TTL:       ttl,
		ExpiresAt: expiresAt,
	})
}
