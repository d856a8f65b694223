package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HandleResolver maps a requester email to their chat handle.
type HandleResolver interface {
	Resolve(ctx context.Context, email string) (string, error)
}

// EmailLocalPart resolves a handle to the part of the email before the @.
type EmailLocalPart struct{}

func (EmailLocalPart) Resolve(ctx context.Context, email string) (string, error) {
	local, _, ok := strings.Cut(email, "@")
	if !ok || local == "" {
		return "", fmt.Errorf("can't derive a chat handle from %q", email)
	}
	return local, nil
}

// StaticHandles resolves handles from a fixed map, falling back to the email
// local part.
type StaticHandles map[string]string

func (s StaticHandles) Resolve(ctx context.Context, email string) (string, error) {
	if h, ok := s[strings.ToLower(email)]; ok {
		return h, nil
	}
	return EmailLocalPart{}.Resolve(ctx, email)
}

type ChatWebhookOpts struct {
	URL      string
	Client   *http.Client
	Resolver HandleResolver
}

// ChatWebhook posts messages to a chat incoming webhook as {"channel", "text"},
// addressed directly to the requester.
type ChatWebhook struct {
	url      string
	client   *http.Client
	resolver HandleResolver
}

func NewChatWebhook(opts ChatWebhookOpts) *ChatWebhook {
	c := &ChatWebhook{url: opts.URL, client: opts.Client, resolver: opts.Resolver}
	if c.client == nil {
		c.client = &http.Client{Timeout: 10 * time.Second}
	}
	if c.resolver == nil {
		c.resolver = EmailLocalPart{}
	}
	return c
}

type chatPayload struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

func (c *ChatWebhook) Notify(ctx context.Context, m Message) error {
	handle, err := c.resolver.Resolve(ctx, m.Recipient)
	if err != nil {
		return err
	}
	body, err := json.Marshal(chatPayload{Channel: "@" + handle, Text: m.Text()})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting chat notification: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("chat webhook returned %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
