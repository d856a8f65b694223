package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// HTTPLedger reads requests from a remote request query service. It fetches
// the full list from {BaseURL}/requests and filters client side. It can't
// write, so Create, SetStatus and SetTTL return ErrReadOnly.
type HTTPLedger struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPLedger returns a ledger reading from the query service at baseURL.
func NewHTTPLedger(baseURL string) *HTTPLedger {
	return &HTTPLedger{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (h *HTTPLedger) list(ctx context.Context) ([]Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.BaseURL+"/requests", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	res, err := h.Client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "listing requests")
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return nil, fmt.Errorf("listing requests: unexpected status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var requests []Request
	if err := json.NewDecoder(res.Body).Decode(&requests); err != nil {
		return nil, errors.Wrap(err, "decoding request list")
	}
	return requests, nil
}

func (h *HTTPLedger) Get(ctx context.Context, id string) (Request, error) {
	requests, err := h.list(ctx)
	if err != nil {
		return Request{}, err
	}
	for _, r := range requests {
		if r.ID == id {
			return r, nil
		}
	}
	return Request{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (h *HTTPLedger) ListByUser(ctx context.Context, email string) ([]Request, error) {
	return h.Search(ctx, Filter{UserEmail: email})
}

func (h *HTTPLedger) Search(ctx context.Context, f Filter) ([]Request, error) {
	requests, err := h.list(ctx)
	if err != nil {
		return nil, err
	}
	return Apply(requests, f), nil
}

func (h *HTTPLedger) Create(ctx context.Context, r Request) (string, error) {
	return "", ErrReadOnly
}

func (h *HTTPLedger) SetStatus(ctx context.Context, id string, to Status) error {
	return ErrReadOnly
}

func (h *HTTPLedger) SetTTL(ctx context.Context, id string, ttl string) error {
	return ErrReadOnly
}
