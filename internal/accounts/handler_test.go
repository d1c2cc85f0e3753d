package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/steward-auth/steward/internal/shared"
)

type memAccountsRepo struct {
	accounts map[int64]Account
}

func (m *memAccountsRepo) GetAccount(ctx context.Context, id int64) (Account, error) {
	acc, ok := m.accounts[id]
	if !ok {
		return Account{}, shared.ErrNotFound
	}
	return acc, nil
}

func (m *memAccountsRepo) ListAccounts(ctx context.Context) ([]Account, error) {
	out := make([]Account, 0, len(m.accounts))
	for _, acc := range m.accounts {
		out = append(out, acc)
	}
	return out, nil
}

func (m *memAccountsRepo) SetActive(ctx context.Context, id int64, active bool) error {
	acc, ok := m.accounts[id]
	if !ok {
		return shared.ErrNotFound
	}
	acc.IsActive = active
	m.accounts[id] = acc
	return nil
}

type stubGuard struct {
	err error
}

func (s stubGuard) CanDeactivateUser(ctx context.Context, userID int64) error {
	return s.err
}

func newAccountsServer(t *testing.T, repo *memAccountsRepo, guard DeactivationGuard) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := NewHandler(logger, NewService(repo), guard)
	r := chi.NewRouter()
	handler.MountRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestGetAccount(t *testing.T) {
	repo := &memAccountsRepo{accounts: map[int64]Account{
		1: {ID: 1, Email: "a@example.com", IsActive: true},
	}}
	srv := newAccountsServer(t, repo, stubGuard{})

	resp, err := http.Get(srv.URL + "/1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Email string `json:"email"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "a@example.com", body.Email)
}

func TestGetAccountNotFound(t *testing.T) {
	srv := newAccountsServer(t, &memAccountsRepo{accounts: map[int64]Account{}}, stubGuard{})

	resp, err := http.Get(srv.URL + "/99")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeactivateGuardRefusal(t *testing.T) {
	repo := &memAccountsRepo{accounts: map[int64]Account{
		1: {ID: 1, Email: "owner@example.com", IsActive: true},
	}}
	srv := newAccountsServer(t, repo, stubGuard{err: errors.New("cannot deactivate the last owner")})

	resp, err := http.Post(srv.URL+"/1/deactivate", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.True(t, repo.accounts[1].IsActive)
}

func TestDeactivateAndActivate(t *testing.T) {
	repo := &memAccountsRepo{accounts: map[int64]Account{
		1: {ID: 1, Email: "a@example.com", IsActive: true},
	}}
	srv := newAccountsServer(t, repo, stubGuard{})

	resp, err := http.Post(srv.URL+"/1/deactivate", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.False(t, repo.accounts[1].IsActive)

	resp, err = http.Post(srv.URL+"/1/activate", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, repo.accounts[1].IsActive)
}
