package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/btpmux/internal/testutil/testlog"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticTokenValidate(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty token denied", stored: "", input: "abc", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", input: "abc", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := (StaticToken{Token: tc.stored}).Validate(tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestFuncValidator(t *testing.T) {
	testlog.Start(t)
	validator := FuncValidator(func(token string) error {
		if token != "ok" {
			return ErrUnauthorized
		}
		return nil
	})

	if err := validator.Validate("bad"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for bad token, got %v", err)
	}
	if err := validator.Validate("ok"); err != nil {
		t.Fatalf("expected success for ok token, got %v", err)
	}
}

func TestJWT(t *testing.T) {
	testlog.Start(t)
	v := JWT{Secret: []byte("s3cret"), Issuer: "btpmux"}

	token, err := v.Issue("operator", time.Minute)
	require.NoError(t, err)
	require.NoError(t, v.Validate(token))

	assert.ErrorIs(t, JWT{Secret: []byte("other"), Issuer: "btpmux"}.Validate(token), ErrUnauthorized)
	assert.ErrorIs(t, JWT{Secret: []byte("s3cret"), Issuer: "elsewhere"}.Validate(token), ErrUnauthorized)

	expired, err := v.Issue("operator", -time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, v.Validate(expired), ErrUnauthorized)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	assert.ErrorIs(t, v.Validate(none), ErrUnauthorized)
}

func TestMiddleware(t *testing.T) {
	testlog.Start(t)
	h := Middleware(StaticToken{Token: "abc"})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := map[string]int{
		"":           http.StatusUnauthorized,
		"Bearer xyz": http.StatusUnauthorized,
		"Bearer abc": http.StatusNoContent,
		"bearer abc": http.StatusNoContent,
		"abc":        http.StatusUnauthorized,
	}
	for header, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code, "header %q", header)
	}
}
