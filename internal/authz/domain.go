package authz

import "time"

// Role represents a named role accounts can hold.
type Role struct {
	ID           int64
	Name         string
	Description  string
	IsSystemRole bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Assignment links an account to a role. The (UserID, RoleID) pair is unique.
type Assignment struct {
	ID         int64
	UserID     int64
	RoleID     int64
	AssignedBy *int64
	AssignedAt time.Time
}

// SystemRoles is the fixed, ordered set of built-in roles. It is injected
// into the service so protection rules never compare against scattered
// string literals.
type SystemRoles struct {
	Owner string
	Admin string
	User  string
}

// DefaultSystemRoles returns the built-in role set.
func DefaultSystemRoles() SystemRoles {
	return SystemRoles{Owner: "Owner", Admin: "Admin", User: "User"}
}

// Names returns the system role names in their canonical order.
func (s SystemRoles) Names() []string {
	return []string{s.Owner, s.Admin, s.User}
}

// Contains reports whether name is one of the system roles.
func (s SystemRoles) Contains(name string) bool {
	return name == s.Owner || name == s.Admin || name == s.User
}

// IsOwner reports whether name is the Owner role.
func (s SystemRoles) IsOwner(name string) bool {
	return name == s.Owner
}

// rank returns the canonical position of a system role, or -1 for custom roles.
func (s SystemRoles) rank(name string) int {
	for i, n := range s.Names() {
		if n == name {
			return i
		}
	}
	return -1
}

// RoleInput carries attributes for creating a role.
type RoleInput struct {
	Name        string
	Description string
}

// UpdateRoleInput carries attributes for updating a role. Nil fields are
// left unchanged.
type UpdateRoleInput struct {
	Name         *string
	Description  *string
	IsSystemRole *bool
}

// RoleStats summarizes account totals and per-system-role counts.
type RoleStats struct {
	TotalAccounts int64
	RoleCounts    map[string]int64
}

// ExtendedStats combines account lifecycle totals with per-role counts.
// Both the aggregate and the fallback query paths produce this exact shape.
type ExtendedStats struct {
	TotalAccounts     int64
	ActiveAccounts    int64
	InactiveAccounts  int64
	ConfirmedAccounts int64
	PendingAccounts   int64
	RoleCounts        map[string]int64
}

// MigrationOptions configures AssignRolesToExistingUsers.
type MigrationOptions struct {
	// MakeFirstOwner grants Owner to the earliest unassigned account when
	// no active Owner exists yet.
	MakeFirstOwner bool
}

// MigrationResult reports what a bulk assignment run committed.
type MigrationResult struct {
	AssignedOwner  int
	AssignedUsers  int
	TotalProcessed int
}
