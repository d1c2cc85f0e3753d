package accounts

import "time"

// Account is the reference type for accounts owned by the authentication
// subsystem. This core reads accounts and toggles activation state; it never
// creates or authenticates them.
type Account struct {
	ID          int64
	Email       string
	Name        string
	IsActive    bool
	ConfirmedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Confirmed reports whether the account's primary identifier is confirmed.
func (a Account) Confirmed() bool {
	return a.ConfirmedAt != nil
}
