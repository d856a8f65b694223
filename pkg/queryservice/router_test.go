package queryservice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/common-fate/jit/pkg/db/bunx"
	"github.com/common-fate/jit/pkg/db/migrations"
	"github.com/common-fate/jit/pkg/grantstore"
	"github.com/common-fate/jit/pkg/ledger"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *ledger.BunLedger {
	t.Helper()
	ctx := context.Background()
	db, err := bunx.NewDB(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { bunx.Close(db) })
	require.NoError(t, migrations.Apply(ctx, db))

	clk := testclock.NewClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	l := ledger.NewBunLedger(db, clk)

	for _, email := range []string{"a@x.com", "b@x.com", "a@x.com"} {
		_, err := l.Create(ctx, ledger.Request{
			Requester: ledger.Requester{Email: email},
			Target:    ledger.Target{Kind: grantstore.KindDirectAttachment, AccountID: "1", PolicyTemplate: "read-only", Buckets: []string{"logs"}},
			TTL:       "1h",
		})
		require.NoError(t, err)
		clk.Advance(time.Hour)
	}
	return l
}

func get(t *testing.T, srv *httptest.Server, path string) (*http.Response, []ledger.Request) {
	t.Helper()
	res, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer res.Body.Close()
	var out []ledger.Request
	if res.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	}
	return res, out
}

func TestRouter(t *testing.T) {
	l := newTestLedger(t)
	srv := httptest.NewServer(NewRouter(RouterOptions{Ledger: l}))
	defer srv.Close()

	res, all := get(t, srv, "/requests")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Len(t, all, 3)
	assert.Equal(t, "application/json", res.Header.Get("Content-Type"))

	_, mine := get(t, srv, "/users/"+url.PathEscape("A@x.com")+"/requests")
	assert.Len(t, mine, 2)

	_, filtered := get(t, srv, "/requests?user_email=b@x.com&status=pending")
	assert.Len(t, filtered, 1)

	res, filtered = get(t, srv, "/requests?created_after=not-a-date&user_email=b@x.com")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "created_after=not-a-date", res.Header.Get(IgnoredFiltersHeader))
	assert.Len(t, filtered, 1)

	res, _ = get(t, srv, "/requests?status=granted")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	_, none := get(t, srv, "/requests?tool_name=billing")
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestRouter_GetRequest(t *testing.T) {
	l := newTestLedger(t)
	srv := httptest.NewServer(NewRouter(RouterOptions{Ledger: l}))
	defer srv.Close()

	all, err := l.Search(context.Background(), ledger.Filter{})
	require.NoError(t, err)

	res, err := http.Get(srv.URL + "/requests/" + all[0].ID)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	var got ledger.Request
	require.NoError(t, json.NewDecoder(res.Body).Decode(&got))
	assert.Equal(t, all[0].ID, got.ID)

	missing, err := http.Get(srv.URL + "/requests/req_missing")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestRouter_Health(t *testing.T) {
	srv := httptest.NewServer(NewRouter(RouterOptions{}))
	defer srv.Close()

	res, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

// The query service is the remote end of ledger.HTTPLedger.
func TestRouter_ServesHTTPLedger(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	srv := httptest.NewServer(NewRouter(RouterOptions{Ledger: l}))
	defer srv.Close()

	remote := ledger.NewHTTPLedger(srv.URL)
	want, err := l.ListByUser(ctx, "a@x.com")
	require.NoError(t, err)
	got, err := remote.ListByUser(ctx, "a@x.com")
	require.NoError(t, err)

	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].ID, got[i].ID)
		assert.True(t, want[i].CreatedAt.Equal(got[i].CreatedAt))
	}
}
