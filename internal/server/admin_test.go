package server

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/btpmux/internal/auth"
	"github.com/danmuck/btpmux/internal/engine"
	"github.com/danmuck/btpmux/internal/protocol/ilp"
	"github.com/danmuck/btpmux/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, h http.Handler, path, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, h, http.MethodGet, path, bearer)
}

func do(t *testing.T, h http.Handler, method, path, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAdminHealthAndMetrics(t *testing.T) {
	testlog.Start(t)
	h := NewAdmin(AdminConfig{Secret: "s3cret"}, newEngine(t)).Handler()

	rec := get(t, h, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test.example.", body["prefix"])

	rec = get(t, h, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminAccounts(t *testing.T) {
	testlog.Start(t)
	e := newEngine(t)
	_, url := startService(t, e)
	c := dialClient(t, url, ClientOptions{})
	require.NoError(t, c.Authenticate(context.Background(), "dave", "pw"))
	_, err := e.Ledger().Book().Adjust(context.Background(), "dave", big.NewInt(-1500000000), false)
	require.NoError(t, err)

	h := NewAdmin(AdminConfig{Secret: "s3cret", Issuer: "btpmux"}, e).Handler()

	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/accounts", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/accounts", "garbage").Code)

	token, err := auth.JWT{Secret: []byte("s3cret"), Issuer: "btpmux"}.Issue("operator", time.Minute)
	require.NoError(t, err)

	rec := get(t, h, "/accounts", token)
	require.Equal(t, http.StatusOK, rec.Code)
	var accounts []accountView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accounts))
	require.Len(t, accounts, 1)
	assert.Equal(t, accountView{Account: "dave", Address: "test.example.dave", Connections: 1}, accounts[0])

	rec = get(t, h, "/accounts/dave/balance", token)
	require.Equal(t, http.StatusOK, rec.Code)
	var bal balanceView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bal))
	assert.Equal(t, "-1500000000", bal.Balance)
	assert.Equal(t, "-1.500000000", bal.Formatted)
	assert.Equal(t, "XRP", bal.CurrencyCode)
}

func TestAdminForgetToken(t *testing.T) {
	testlog.Start(t)
	e := newEngine(t)
	_, url := startService(t, e)
	ctx := context.Background()
	require.NoError(t, dialClient(t, url, ClientOptions{}).Authenticate(ctx, "erin", "pw"))
	require.Error(t, dialClient(t, url, ClientOptions{}).Authenticate(ctx, "erin", "rotated"))

	h := NewAdmin(AdminConfig{Secret: "s3cret"}, e).Handler()
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodDelete, "/accounts/erin/token", "").Code)

	token, err := auth.JWT{Secret: []byte("s3cret")}.Issue("operator", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/accounts/erin/token", token).Code)

	require.NoError(t, dialClient(t, url, ClientOptions{}).Authenticate(ctx, "erin", "rotated"))
	require.Error(t, dialClient(t, url, ClientOptions{}).Authenticate(ctx, "erin", "pw"))

	bare, err := engine.New(engine.Config{
		DebugHostInfo: &ilp.IldcpResponse{ClientAddress: "test.example", AssetScale: 9, AssetCode: "XRP"},
	}, engine.Deps{})
	require.NoError(t, err)
	t.Cleanup(bare.Close)
	rec := do(t, NewAdmin(AdminConfig{}, bare).Handler(), http.MethodDelete, "/accounts/erin/token", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}
