package accounts

import "context"

// RepositoryPort defines data access methods for accounts.
type RepositoryPort interface {
	GetAccount(ctx context.Context, id int64) (Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	SetActive(ctx context.Context, id int64, active bool) error
}

// Service handles account business logic at this core's boundary.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// GetAccount returns a single account.
func (s *Service) GetAccount(ctx context.Context, id int64) (Account, error) {
	return s.repo.GetAccount(ctx, id)
}

// ListAccounts returns all accounts.
func (s *Service) ListAccounts(ctx context.Context) ([]Account, error) {
	return s.repo.ListAccounts(ctx)
}

// Deactivate marks an account inactive. Callers must consult the
// authorization service's deactivation guard first; this method performs no
// owner-invariant checks of its own.
func (s *Service) Deactivate(ctx context.Context, id int64) error {
	return s.repo.SetActive(ctx, id, false)
}

// Activate marks an account active.
func (s *Service) Activate(ctx context.Context, id int64) error {
	return s.repo.SetActive(ctx, id, true)
}
