package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/common-fate/clio"
	"github.com/common-fate/jit/pkg/db/models"
	"github.com/common-fate/jit/pkg/grantstore"
	"github.com/common-fate/xid"
	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"
	"github.com/uptrace/bun"
)

// BunLedger stores requests in a SQL database through bun.
//
// Status changes are serialised per request id within the process by a keyed
// mutex, and across processes by only updating rows still in the status that
// was read.
type BunLedger struct {
	db    *bun.DB
	clock clock.Clock
	locks *kmutex.Kmutex
}

// NewBunLedger returns a ledger backed by db. The tables must already exist,
// see migrations.Apply. A nil clock uses the wall clock.
func NewBunLedger(db *bun.DB, clk clock.Clock) *BunLedger {
	if clk == nil {
		clk = clock.WallClock
	}
	return &BunLedger{db: db, clock: clk, locks: kmutex.New()}
}

func (l *BunLedger) Create(ctx context.Context, r Request) (string, error) {
	if err := r.Validate(); err != nil {
		return "", err
	}
	if r.ID == "" {
		r.ID = xid.New("req")
	}
	now := l.clock.Now().UTC()
	r.Status = StatusPending
	r.CreatedAt = now
	if r.ToolName == "" {
		r.ToolName = r.Target.ToolName()
	}

	row := toRow(r)
	row.UpdatedAt = now
	_, err := l.db.NewInsert().Model(row).Exec(ctx)
	if isDuplicateKeyError(err) {
		return "", fmt.Errorf("%w: request %s already exists", ErrConflict, r.ID)
	}
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	clio.Debugw("recorded access request", "id", r.ID, "requester", r.Requester.Email, "tool", r.ToolName)
	return r.ID, nil
}

func (l *BunLedger) Get(ctx context.Context, id string) (Request, error) {
	row := new(models.AccessRequest)
	err := l.db.NewSelect().Model(row).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return Request{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Request{}, fmt.Errorf("get request: %w", err)
	}
	return fromRow(row), nil
}

func (l *BunLedger) ListByUser(ctx context.Context, email string) ([]Request, error) {
	return l.Search(ctx, Filter{UserEmail: email})
}

// Search pushes the status and email predicates down to the database and
// applies the full filter to the rows returned.
func (l *BunLedger) Search(ctx context.Context, f Filter) ([]Request, error) {
	var rows []models.AccessRequest
	q := l.db.NewSelect().Model(&rows)
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.UserEmail != "" {
		q = q.Where("lower(requester_email) = ?", strings.ToLower(f.UserEmail))
	}
	if err := q.Order("created_at DESC", "id DESC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("search requests: %w", err)
	}

	requests := make([]Request, 0, len(rows))
	for i := range rows {
		requests = append(requests, fromRow(&rows[i]))
	}
	return Apply(requests, f), nil
}

func (l *BunLedger) SetStatus(ctx context.Context, id string, to Status) error {
	l.locks.Lock(id)
	defer l.locks.Unlock(id)

	current, err := l.Get(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(current.Status, to) {
		return &TransitionError{ID: id, From: current.Status, To: to}
	}
	if err := l.updateWhere(ctx, id, current.Status, "status = ?", string(to)); err != nil {
		if !errors.Is(err, ErrConflict) {
			return err
		}
		// another process moved the request after it was read
		latest, getErr := l.Get(ctx, id)
		if getErr != nil {
			return err
		}
		return &TransitionError{ID: id, From: latest.Status, To: to}
	}
	clio.Debugw("request status changed", "id", id, "from", current.Status, "to", to)
	return nil
}

func (l *BunLedger) SetTTL(ctx context.Context, id string, ttl string) error {
	if _, err := ParseTTL(ttl); err != nil {
		return err
	}
	l.locks.Lock(id)
	defer l.locks.Unlock(id)

	current, err := l.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.Status != StatusPending {
		return fmt.Errorf("%w: ttl of request %s can't change once it is %s", ErrConflict, id, current.Status)
	}
	return l.updateWhere(ctx, id, StatusPending, "ttl = ?", ttl)
}

// updateWhere applies set to the request only if it is still in status from.
func (l *BunLedger) updateWhere(ctx context.Context, id string, from Status, set string, arg any) error {
	res, err := l.db.NewUpdate().
		Model((*models.AccessRequest)(nil)).
		Set(set, arg).
		Set("updated_at = ?", l.clock.Now().UTC()).
		Where("id = ?", id).
		Where("status = ?", string(from)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: request %s changed concurrently", ErrConflict, id)
	}
	return nil
}

func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key value") || strings.Contains(msg, "unique constraint") || strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "23505")
}

func toRow(r Request) *models.AccessRequest {
	t := models.RequestTarget{
		Kind:              string(r.Target.Kind),
		AccountID:         r.Target.AccountID,
		Purpose:           r.Target.Purpose,
		PolicyTemplate:    r.Target.PolicyTemplate,
		Buckets:           r.Target.Buckets,
		PermissionSetName: r.Target.PermissionSetName,
	}
	if p := r.Target.Principal; p != nil {
		t.PrincipalKind = string(p.Kind)
		t.PrincipalName = p.Name
	}
	return &models.AccessRequest{
		ID:              r.ID,
		RequesterEmail:  r.Requester.Email,
		RequesterGroups: r.Requester.Groups,
		Target:          t,
		TTL:             r.TTL,
		Status:          string(r.Status),
		ToolName:        r.ToolName,
		CreatedAt:       r.CreatedAt,
	}
}

func fromRow(row *models.AccessRequest) Request {
	t := Target{
		Kind:              grantstore.Kind(row.Target.Kind),
		AccountID:         row.Target.AccountID,
		Purpose:           row.Target.Purpose,
		PolicyTemplate:    row.Target.PolicyTemplate,
		Buckets:           row.Target.Buckets,
		PermissionSetName: row.Target.PermissionSetName,
	}
	if row.Target.PrincipalName != "" {
		t.Principal = &grantstore.Principal{Kind: grantstore.PrincipalKind(row.Target.PrincipalKind), Name: row.Target.PrincipalName}
	}
	return Request{
		ID:        row.ID,
		Requester: Requester{Email: row.RequesterEmail, Groups: row.RequesterGroups},
		Target:    t,
		TTL:       row.TTL,
		Status:    Status(row.Status),
		ToolName:  row.ToolName,
		CreatedAt: row.CreatedAt.UTC(),
	}
}
