package revocation

import (
	"context"
	"fmt"
	"time"

	"github.com/common-fate/jit/pkg/db/models"
	"github.com/uptrace/bun"
)

// ArmStore persists revocation arm records.
type ArmStore interface {
	// Arm records an event before it is posted.
	Arm(ctx context.Context, arm *models.RevocationArm) error
	MarkDelivered(ctx context.Context, eventID string, at time.Time) error
	RecordFailure(ctx context.Context, eventID string, lastErr string) error
	// Pending returns arms which were never delivered and are not disarmed,
	// oldest first.
	Pending(ctx context.Context) ([]models.RevocationArm, error)
	// Disarm marks every arm for the grant as revoked and returns how many
	// were still armed.
	Disarm(ctx context.Context, grantName string, at time.Time) (int, error)
}

// BunArmStore stores arm records in the revocation_arms table.
type BunArmStore struct {
	db *bun.DB
}

func NewBunArmStore(db *bun.DB) *BunArmStore {
	return &BunArmStore{db: db}
}

func (s *BunArmStore) Arm(ctx context.Context, arm *models.RevocationArm) error {
	if _, err := s.db.NewInsert().Model(arm).Exec(ctx); err != nil {
		return fmt.Errorf("arm revocation: %w", err)
	}
	return nil
}

func (s *BunArmStore) MarkDelivered(ctx context.Context, eventID string, at time.Time) error {
	_, err := s.db.NewUpdate().
		Model((*models.RevocationArm)(nil)).
		Set("delivered_at = ?", at).
		Set("attempts = attempts + 1").
		Set("last_error = ?", "").
		Where("event_id = ?", eventID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("mark revocation delivered: %w", err)
	}
	return nil
}

func (s *BunArmStore) RecordFailure(ctx context.Context, eventID string, lastErr string) error {
	_, err := s.db.NewUpdate().
		Model((*models.RevocationArm)(nil)).
		Set("attempts = attempts + 1").
		Set("last_error = ?", lastErr).
		Where("event_id = ?", eventID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("record revocation failure: %w", err)
	}
	return nil
}

func (s *BunArmStore) Pending(ctx context.Context) ([]models.RevocationArm, error) {
	var arms []models.RevocationArm
	err := s.db.NewSelect().
		Model(&arms).
		Where("delivered_at IS NULL").
		Where("disarmed_at IS NULL").
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending revocations: %w", err)
	}
	return arms, nil
}

func (s *BunArmStore) Disarm(ctx context.Context, grantName string, at time.Time) (int, error) {
	res, err := s.db.NewUpdate().
		Model((*models.RevocationArm)(nil)).
		Set("disarmed_at = ?", at).
		Where("grant_name = ?", grantName).
		Where("disarmed_at IS NULL").
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("disarm revocation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("disarm revocation: %w", err)
	}
	return int(n), nil
}

// List returns the arms for a grant, or every arm when grantName is empty,
// newest first.
func (s *BunArmStore) List(ctx context.Context, grantName string) ([]models.RevocationArm, error) {
	var arms []models.RevocationArm
	q := s.db.NewSelect().Model(&arms)
	if grantName != "" {
		q = q.Where("grant_name = ?", grantName)
	}
	err := q.Order("created_at DESC").Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list revocations: %w", err)
	}
	return arms, nil
}
