package app

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/steward-auth/steward/internal/shared"
	_ "github.com/steward-auth/steward/internal/testing/guard"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireToken(t *testing.T) {
	handler := RequireToken("secret")(okHandler())

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"valid", "Bearer secret", http.StatusOK},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"missing header", "", http.StatusUnauthorized},
		{"no bearer prefix", "secret", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			require.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestActorContext(t *testing.T) {
	var actor int64
	var present bool
	handler := ActorContext(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, present = shared.ActorFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set(ActorHeader, "42")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	require.True(t, present)
	require.Equal(t, int64(42), actor)

	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set(ActorHeader, "not-a-number")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	require.False(t, present)

	req = httptest.NewRequest(http.MethodPost, "/", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	require.False(t, present)
}

func TestMutationRateLimitSkipsReads(t *testing.T) {
	handler := MutationRateLimit()(okHandler())

	// Reads bypass the limiter entirely.
	for i := 0; i < 100; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestMutationRateLimitThrottlesWrites(t *testing.T) {
	handler := MutationRateLimit()(okHandler())

	var limited bool
	for i := 0; i < 70; i++ {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			limited = true
		}
	}
	require.True(t, limited)
}
