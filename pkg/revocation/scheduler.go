package revocation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/common-fate/clio"
	"github.com/common-fate/jit/pkg/db/models"
	"github.com/juju/clock"
	"github.com/segmentio/ksuid"
	sethRetry "github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// ErrNotScheduled means access was granted but the revocation could not be
// handed to the external scheduler. Until the arm is redelivered the grant
// will not expire on its own.
var ErrNotScheduled = errors.New("granted but not scheduled for revocation")

type Options struct {
	WebhookURL string
	Client     *http.Client
	Arms       ArmStore
	Clock      clock.Clock
	// MaxRetries bounds the redelivery attempts for a single post.
	MaxRetries uint64
	BaseDelay  time.Duration
}

// Scheduler arms and delivers revocation events.
type Scheduler struct {
	webhookURL string
	client     *http.Client
	arms       ArmStore
	clock      clock.Clock
	maxRetries uint64
	baseDelay  time.Duration
}

func NewScheduler(opts Options) *Scheduler {
	s := &Scheduler{
		webhookURL: opts.WebhookURL,
		client:     opts.Client,
		arms:       opts.Arms,
		clock:      opts.Clock,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
	}
	if s.client == nil {
		s.client = &http.Client{Timeout: 10 * time.Second}
	}
	if s.clock == nil {
		s.clock = clock.WallClock
	}
	if s.maxRetries == 0 {
		s.maxRetries = 3
	}
	if s.baseDelay == 0 {
		s.baseDelay = 250 * time.Millisecond
	}
	return s
}

// Result describes a scheduling attempt.
type Result struct {
	EventID   string
	ToolName  string
	RevokeAt  time.Time
	Delivered bool
}

// Schedule arms the revocation of a grant after ttl and posts the event to the
// webhook. When the event could not be delivered the returned error wraps
// ErrNotScheduled and the arm stays pending for RetryPending.
func (s *Scheduler) Schedule(ctx context.Context, task Task, ttl time.Duration) (Result, error) {
	if err := task.Validate(); err != nil {
		return Result{}, err
	}
	if ttl <= 0 {
		return Result{}, fmt.Errorf("revocation ttl must be positive, got %s", ttl)
	}

	now := s.clock.Now().UTC()
	event := NewEvent(ksuid.New().String(), task, ttl, now)
	res := Result{EventID: event.EventID, ToolName: event.ToolName, RevokeAt: event.RevokeAt}

	payload, err := json.Marshal(event)
	if err != nil {
		return res, err
	}

	armed := true
	if s.arms != nil {
		err = s.arms.Arm(ctx, &models.RevocationArm{
			EventID:   event.EventID,
			GrantName: task.GrantName,
			RequestID: task.RequestID,
			Payload:   string(payload),
			RevokeAt:  event.RevokeAt,
			CreatedAt: now,
		})
		if err != nil {
			// still try to deliver, a delivered event needs no redelivery
			armed = false
			clio.Errorw("failed to write revocation arm record", "grant", task.GrantName, zap.Error(err))
		}
	}

	err = s.deliver(ctx, event.EventID, payload, armed)
	if err != nil {
		clio.Errorw("access was granted but revocation was not scheduled",
			"grant", task.GrantName,
			"requester", task.UserEmail,
			"account", task.AccountID,
			"eventId", event.EventID,
			zap.Error(err),
		)
		return res, fmt.Errorf("%w: %w", ErrNotScheduled, err)
	}
	res.Delivered = true
	clio.Debugw("scheduled revocation", "grant", task.GrantName, "eventId", event.EventID, "revokeAt", event.RevokeAt)
	return res, nil
}

// deliver posts the payload and records the outcome on the arm.
func (s *Scheduler) deliver(ctx context.Context, eventID string, payload []byte, armed bool) error {
	err := s.post(ctx, payload)
	if !armed || s.arms == nil {
		return err
	}
	if err != nil {
		if rerr := s.arms.RecordFailure(ctx, eventID, err.Error()); rerr != nil {
			clio.Errorw("failed to record revocation delivery failure", "eventId", eventID, zap.Error(rerr))
		}
		return err
	}
	if merr := s.arms.MarkDelivered(ctx, eventID, s.clock.Now().UTC()); merr != nil {
		// the event was delivered, a redelivery is deduplicated by event id
		clio.Errorw("failed to mark revocation delivered", "eventId", eventID, zap.Error(merr))
	}
	return nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("revocation webhook returned %d", e.code)
	}
	return fmt.Sprintf("revocation webhook returned %d: %s", e.code, e.body)
}

// retryable reports whether the receiver might accept the event later.
func (e *statusError) retryable() bool {
	return e.code == http.StatusTooManyRequests || e.code >= 500
}

func (s *Scheduler) post(ctx context.Context, payload []byte) error {
	if s.webhookURL == "" {
		return errors.New("no revocation webhook is configured")
	}
	b := sethRetry.NewExponential(s.baseDelay)
	b = sethRetry.WithMaxRetries(s.maxRetries, b)
	return sethRetry.Do(ctx, b, func(ctx context.Context) error {
		err := s.postOnce(ctx, payload)
		var se *statusError
		if errors.As(err, &se) && !se.retryable() {
			return err
		}
		if err != nil {
			clio.Debugw("revocation webhook post failed, retrying", zap.Error(err))
			return sethRetry.RetryableError(err)
		}
		return nil
	})
}

func (s *Scheduler) postOnce(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return &statusError{code: res.StatusCode, body: strings.TrimSpace(string(body))}
	}
	return nil
}

// RetryResult summarises a RetryPending pass.
type RetryResult struct {
	Delivered []string
	Failed    map[string]error
}

// RetryPending redelivers every arm which was never delivered. One failing arm
// does not stop the others.
func (s *Scheduler) RetryPending(ctx context.Context) (RetryResult, error) {
	res := RetryResult{Failed: map[string]error{}}
	if s.arms == nil {
		return res, nil
	}
	arms, err := s.arms.Pending(ctx)
	if err != nil {
		return res, err
	}
	now := s.clock.Now()
	for _, arm := range arms {
		if now.After(arm.RevokeAt) {
			clio.Warnf("revocation for %s was due at %s and is being delivered late", arm.GrantName, arm.RevokeAt.Format(time.RFC3339))
		}
		if err := s.deliver(ctx, arm.EventID, []byte(arm.Payload), true); err != nil {
			clio.Errorw("failed to redeliver revocation", "grant", arm.GrantName, "eventId", arm.EventID, zap.Error(err))
			res.Failed[arm.EventID] = err
			continue
		}
		res.Delivered = append(res.Delivered, arm.EventID)
	}
	return res, nil
}

// Disarm marks the grant's arms as revoked so they are never redelivered.
func (s *Scheduler) Disarm(ctx context.Context, grantName string) error {
	if s.arms == nil {
		return nil
	}
	n, err := s.arms.Disarm(ctx, grantName, s.clock.Now().UTC())
	if err != nil {
		return err
	}
	clio.Debugw("disarmed revocation", "grant", grantName, "arms", n)
	return nil
}

// Run calls RetryPending every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(interval):
		}
		res, err := s.RetryPending(ctx)
		if err != nil {
			clio.Errorw("revocation retry pass failed", zap.Error(err))
			continue
		}
		if len(res.Delivered) > 0 || len(res.Failed) > 0 {
			clio.Infow("revocation retry pass", "delivered", len(res.Delivered), "failed", len(res.Failed))
		}
	}
}
