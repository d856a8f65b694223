package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/common-fate/jit/pkg/grantstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveRequests(t *testing.T, requests []Request) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/requests" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		assert.NoError(t, json.NewEncoder(w).Encode(requests))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPLedger(t *testing.T) {
	ctx := context.Background()
	older := Request{
		ID:        "req_1",
		Requester: Requester{Email: "a@x.com"},
		Target:    Target{Kind: grantstore.KindSSOAssignment, AccountID: "1", PermissionSetName: "ReadOnly"},
		TTL:       "1h",
		Status:    StatusApproved,
		ToolName:  "sso_ReadOnly",
		CreatedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	newer := older
	newer.ID = "req_2"
	newer.Status = StatusPending
	newer.CreatedAt = newer.CreatedAt.Add(time.Hour)
	other := older
	other.ID = "req_3"
	other.Requester.Email = "b@x.com"

	srv := serveRequests(t, []Request{older, other, newer})
	l := NewHTTPLedger(srv.URL + "/")

	got, err := l.ListByUser(ctx, "A@x.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"req_2", "req_1"}, ids(got))

	got, err = l.Search(ctx, Filter{Status: StatusApproved})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"req_1", "req_3"}, ids(got))

	r, err := l.Get(ctx, "req_3")
	require.NoError(t, err)
	assert.Equal(t, "b@x.com", r.Requester.Email)

	_, err = l.Get(ctx, "req_404")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHTTPLedger_IsReadOnly(t *testing.T) {
	ctx := context.Background()
	l := NewHTTPLedger("http://127.0.0.1:0")

	_, err := l.Create(ctx, s3Request("a@x.com", "logs"))
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.ErrorIs(t, l.SetStatus(ctx, "req_1", StatusApproved), ErrReadOnly)
	assert.ErrorIs(t, l.SetTTL(ctx, "req_1", "2h"), ErrReadOnly)
}

func TestHTTPLedger_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPLedger(srv.URL).Search(context.Background(), Filter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestHTTPLedger_SatisfiesLedger(t *testing.T) {
	var _ Ledger = (*HTTPLedger)(nil)
	var _ Ledger = (*BunLedger)(nil)
}
