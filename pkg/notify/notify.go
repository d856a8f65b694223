// Package notify tells requesters about their access.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/common-fate/clio"
	"github.com/hako/durafmt"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Event string

const (
	EventSubmitted Event = "submitted"
	EventApproved  Event = "approved"
	EventRejected  Event = "rejected"
	EventGranted   Event = "granted"
	EventRevoked   Event = "revoked"
	// EventNeedsReview is sent when a grant failed part way and an operator
	// has to check the provider by hand.
	EventNeedsReview Event = "needs_review"
)

// Message is a notification about one request.
type Message struct {
	Event     Event
	Recipient string
	RequestID string
	ToolName  string
	AccountID string
	TTL       time.Duration
	ExpiresAt time.Time
	// Detail is appended to the text, for example a failure reason.
	Detail string
}

// Text renders the message as a single line of chat text.
func (m Message) Text() string {
	var b strings.Builder
	switch m.Event {
	case EventSubmitted:
		fmt.Fprintf(&b, "Your request for %s on account %s is waiting for approval", m.ToolName, m.AccountID)
	case EventApproved:
		fmt.Fprintf(&b, "Your request for %s on account %s was approved", m.ToolName, m.AccountID)
	case EventRejected:
		fmt.Fprintf(&b, "Your request for %s on account %s was rejected", m.ToolName, m.AccountID)
	case EventGranted:
		fmt.Fprintf(&b, "You now have %s on account %s", m.ToolName, m.AccountID)
		if m.TTL > 0 {
			fmt.Fprintf(&b, " for %s", durafmt.Parse(m.TTL).LimitFirstN(2).String())
		}
	case EventRevoked:
		fmt.Fprintf(&b, "Your %s access on account %s has been revoked", m.ToolName, m.AccountID)
	case EventNeedsReview:
		fmt.Fprintf(&b, "Granting %s on account %s failed part way and needs manual review", m.ToolName, m.AccountID)
	default:
		fmt.Fprintf(&b, "Update on %s for account %s: %s", m.ToolName, m.AccountID, m.Event)
	}
	if m.RequestID != "" {
		fmt.Fprintf(&b, " (request %s)", m.RequestID)
	}
	if m.Detail != "" {
		b.WriteString(": ")
		b.WriteString(m.Detail)
	}
	return b.String()
}

// Notifier delivers messages.
type Notifier interface {
	Notify(ctx context.Context, m Message) error
}

// NotifierFunc adapts a function to a Notifier.
type NotifierFunc func(ctx context.Context, m Message) error

func (f NotifierFunc) Notify(ctx context.Context, m Message) error {
	return f(ctx, m)
}

// LogNotifier writes messages to the log.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, m Message) error {
	clio.Infow(m.Text(), "recipient", m.Recipient, "event", m.Event, "requestId", m.RequestID)
	return nil
}

// Multi fans a message out to every notifier concurrently. Every notifier is
// attempted and their errors are combined.
type Multi []Notifier

func (n Multi) Notify(ctx context.Context, m Message) error {
	errs := make([]error, len(n))
	var g errgroup.Group
	for i, notifier := range n {
		g.Go(func() error {
			errs[i] = notifier.Notify(ctx, m)
			return nil
		})
	}
	_ = g.Wait()
	return multierr.Combine(errs...)
}

// Send delivers m and logs a failure instead of returning it. Notifications
// never change the outcome of a grant or revocation.
func Send(ctx context.Context, n Notifier, m Message) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, m); err != nil {
		clio.Errorw("failed to send notification", "recipient", m.Recipient, "event", m.Event, "requestId", m.RequestID, zap.Error(err))
	}
}
