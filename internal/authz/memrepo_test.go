package authz

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/steward-auth/steward/internal/accounts"
)

// memRepository is an in-memory Repository. Transactions take a store-wide
// lock and snapshot state, so a returned error rolls everything back and
// concurrent transactions serialize the way row locks serialize them in
// PostgreSQL.
type memRepository struct {
	mu sync.Mutex

	nextRoleID       int64
	nextAssignmentID int64

	roles       map[int64]Role
	assignments map[int64]Assignment
	accounts    map[int64]accounts.Account

	failAggregate bool
}

func newMemRepository() *memRepository {
	return &memRepository{
		roles:       make(map[int64]Role),
		assignments: make(map[int64]Assignment),
		accounts:    make(map[int64]accounts.Account),
	}
}

func (m *memRepository) addAccount(acc accounts.Account) accounts.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = time.Now().UTC()
	}
	m.accounts[acc.ID] = acc
	return acc
}

// grant inserts an assignment directly, bypassing service policy. Tests use
// it to set up states the service itself refuses to create.
func (m *memRepository) grant(userID int64, roleName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, role := range m.roles {
		if role.Name == roleName {
			m.nextAssignmentID++
			m.assignments[m.nextAssignmentID] = Assignment{
				ID:         m.nextAssignmentID,
				UserID:     userID,
				RoleID:     role.ID,
				AssignedAt: time.Now().UTC(),
			}
			return
		}
	}
	panic("grant: role not seeded: " + roleName)
}

func (m *memRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rolesSnap := make(map[int64]Role, len(m.roles))
	for k, v := range m.roles {
		rolesSnap[k] = v
	}
	assignSnap := make(map[int64]Assignment, len(m.assignments))
	for k, v := range m.assignments {
		assignSnap[k] = v
	}
	accountsSnap := make(map[int64]accounts.Account, len(m.accounts))
	for k, v := range m.accounts {
		accountsSnap[k] = v
	}
	roleIDSnap, assignmentIDSnap := m.nextRoleID, m.nextAssignmentID

	if err := fn(ctx, &memTx{store: m}); err != nil {
		m.roles = rolesSnap
		m.assignments = assignSnap
		m.accounts = accountsSnap
		m.nextRoleID, m.nextAssignmentID = roleIDSnap, assignmentIDSnap
		return err
	}
	return nil
}

func (m *memRepository) roleByName(name string) (Role, bool) {
	for _, role := range m.roles {
		if role.Name == name {
			return role, true
		}
	}
	return Role{}, false
}

func (m *memRepository) userRoles(userID int64) []Role {
	var out []Role
	for _, a := range m.assignments {
		if a.UserID == userID {
			out = append(out, m.roles[a.RoleID])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *memRepository) activeHolders(roleName string, exclude int64) int64 {
	role, ok := m.roleByName(roleName)
	if !ok {
		return 0
	}
	seen := make(map[int64]struct{})
	for _, a := range m.assignments {
		if a.RoleID != role.ID || a.UserID == exclude {
			continue
		}
		acc, ok := m.accounts[a.UserID]
		if !ok || !acc.IsActive {
			continue
		}
		seen[a.UserID] = struct{}{}
	}
	return int64(len(seen))
}

func (m *memRepository) GetRole(ctx context.Context, id int64) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	role, ok := m.roles[id]
	if !ok {
		return Role{}, ErrRoleNotFound
	}
	return role, nil
}

func (m *memRepository) GetRoleByName(ctx context.Context, name string) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	role, ok := m.roleByName(name)
	if !ok {
		return Role{}, ErrRoleNotFound
	}
	return role, nil
}

func (m *memRepository) ListRoles(ctx context.Context) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Role
	for _, role := range m.roles {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memRepository) ListCustomRoles(ctx context.Context) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Role
	for _, role := range m.roles {
		if !role.IsSystemRole {
			out = append(out, role)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memRepository) GetUserRoles(ctx context.Context, userID int64) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userRoles(userID), nil
}

func (m *memRepository) UserHasRole(ctx context.Context, userID int64, roleName string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, role := range m.userRoles(userID) {
		if role.Name == roleName {
			return true, nil
		}
	}
	return false, nil
}

func (m *memRepository) UsersWithRole(ctx context.Context, roleName string) ([]accounts.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	role, ok := m.roleByName(roleName)
	if !ok {
		return nil, nil
	}
	seen := make(map[int64]struct{})
	var out []accounts.Account
	for _, a := range m.assignments {
		if a.RoleID != role.ID {
			continue
		}
		if _, dup := seen[a.UserID]; dup {
			continue
		}
		seen[a.UserID] = struct{}{}
		if acc, ok := m.accounts[a.UserID]; ok {
			out = append(out, acc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Email != out[j].Email {
			return out[i].Email < out[j].Email
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *memRepository) CountActiveHolders(ctx context.Context, roleName string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeHolders(roleName, 0), nil
}

func (m *memRepository) RoleStats(ctx context.Context, names []string) (RoleStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := RoleStats{
		TotalAccounts: int64(len(m.accounts)),
		RoleCounts:    make(map[string]int64, len(names)),
	}
	for _, name := range names {
		stats.RoleCounts[name] = m.holders(name)
	}
	return stats, nil
}

func (m *memRepository) holders(roleName string) int64 {
	role, ok := m.roleByName(roleName)
	if !ok {
		return 0
	}
	seen := make(map[int64]struct{})
	for _, a := range m.assignments {
		if a.RoleID == role.ID {
			seen[a.UserID] = struct{}{}
		}
	}
	return int64(len(seen))
}

func (m *memRepository) ExtendedStats(ctx context.Context) (ExtendedStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAggregate {
		return ExtendedStats{}, errors.New("aggregate unavailable")
	}
	return m.extendedStats(), nil
}

func (m *memRepository) ExtendedStatsFallback(ctx context.Context) (ExtendedStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.extendedStats(), nil
}

func (m *memRepository) extendedStats() ExtendedStats {
	stats := ExtendedStats{RoleCounts: make(map[string]int64)}
	for _, acc := range m.accounts {
		stats.TotalAccounts++
		if acc.IsActive {
			stats.ActiveAccounts++
		} else {
			stats.InactiveAccounts++
		}
		if acc.ConfirmedAt != nil {
			stats.ConfirmedAccounts++
		} else {
			stats.PendingAccounts++
		}
	}
	for _, role := range m.roles {
		stats.RoleCounts[role.Name] = m.holders(role.Name)
	}
	return stats
}

// memTx mutates the store directly; rollback is handled by WithTx snapshots.
type memTx struct {
	store *memRepository
}

func (t *memTx) GetRoleByName(ctx context.Context, name string) (Role, error) {
	role, ok := t.store.roleByName(name)
	if !ok {
		return Role{}, ErrRoleNotFound
	}
	return role, nil
}

func (t *memTx) LockRole(ctx context.Context, id int64) (Role, error) {
	role, ok := t.store.roles[id]
	if !ok {
		return Role{}, ErrRoleNotFound
	}
	return role, nil
}

func (t *memTx) CreateRole(ctx context.Context, name, description string, system bool) (Role, error) {
	if _, exists := t.store.roleByName(name); exists {
		return Role{}, fieldError("name", "has already been taken")
	}
	t.store.nextRoleID++
	now := time.Now().UTC()
	role := Role{
		ID:           t.store.nextRoleID,
		Name:         name,
		Description:  description,
		IsSystemRole: system,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	t.store.roles[role.ID] = role
	return role, nil
}

func (t *memTx) UpdateRole(ctx context.Context, id int64, name, description string) (Role, error) {
	role, ok := t.store.roles[id]
	if !ok {
		return Role{}, ErrRoleNotFound
	}
	if other, exists := t.store.roleByName(name); exists && other.ID != id {
		return Role{}, fieldError("name", "has already been taken")
	}
	role.Name = name
	role.Description = description
	role.UpdatedAt = time.Now().UTC()
	t.store.roles[id] = role
	return role, nil
}

func (t *memTx) DeleteRole(ctx context.Context, id int64) error {
	if _, ok := t.store.roles[id]; !ok {
		return ErrRoleNotFound
	}
	delete(t.store.roles, id)
	return nil
}

func (t *memTx) SeedRole(ctx context.Context, name, description string) (Role, error) {
	if role, exists := t.store.roleByName(name); exists {
		return role, nil
	}
	return t.CreateRole(ctx, name, description, true)
}

func (t *memTx) CountAssignmentsForRole(ctx context.Context, roleID int64) (int64, error) {
	var count int64
	for _, a := range t.store.assignments {
		if a.RoleID == roleID {
			count++
		}
	}
	return count, nil
}

func (t *memTx) InsertAssignment(ctx context.Context, userID, roleID int64, assignedBy *int64) (Assignment, bool, error) {
	for _, a := range t.store.assignments {
		if a.UserID == userID && a.RoleID == roleID {
			return a, false, nil
		}
	}
	t.store.nextAssignmentID++
	a := Assignment{
		ID:         t.store.nextAssignmentID,
		UserID:     userID,
		RoleID:     roleID,
		AssignedBy: assignedBy,
		AssignedAt: time.Now().UTC(),
	}
	t.store.assignments[a.ID] = a
	return a, true, nil
}

func (t *memTx) GetAssignment(ctx context.Context, userID, roleID int64) (Assignment, error) {
	for _, a := range t.store.assignments {
		if a.UserID == userID && a.RoleID == roleID {
			return a, nil
		}
	}
	return Assignment{}, ErrAssignmentNotFound
}

func (t *memTx) DeleteAssignment(ctx context.Context, userID, roleID int64) (Assignment, error) {
	for id, a := range t.store.assignments {
		if a.UserID == userID && a.RoleID == roleID {
			delete(t.store.assignments, id)
			return a, nil
		}
	}
	return Assignment{}, ErrAssignmentNotFound
}

func (t *memTx) GetUserRoles(ctx context.Context, userID int64) ([]Role, error) {
	return t.store.userRoles(userID), nil
}

func (t *memTx) CountActiveHolders(ctx context.Context, roleName string) (int64, error) {
	return t.store.activeHolders(roleName, 0), nil
}

func (t *memTx) CountActiveHoldersExcluding(ctx context.Context, roleName string, userID int64) (int64, error) {
	return t.store.activeHolders(roleName, userID), nil
}

func (t *memTx) ActivateAccount(ctx context.Context, userID int64) error {
	acc, ok := t.store.accounts[userID]
	if !ok {
		return nil
	}
	acc.IsActive = true
	t.store.accounts[userID] = acc
	return nil
}

func (t *memTx) ConfirmAccount(ctx context.Context, userID int64) error {
	acc, ok := t.store.accounts[userID]
	if !ok {
		return nil
	}
	if acc.ConfirmedAt == nil {
		now := time.Now().UTC()
		acc.ConfirmedAt = &now
		t.store.accounts[userID] = acc
	}
	return nil
}

func (t *memTx) ActiveAccountsWithoutRoles(ctx context.Context) ([]accounts.Account, error) {
	assigned := make(map[int64]struct{})
	for _, a := range t.store.assignments {
		assigned[a.UserID] = struct{}{}
	}
	var out []accounts.Account
	for _, acc := range t.store.accounts {
		if !acc.IsActive {
			continue
		}
		if _, has := assigned[acc.ID]; has {
			continue
		}
		out = append(out, acc)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// recordingPublisher captures events for assertions.
type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(ctx context.Context, evt Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func (p *recordingPublisher) all() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

func (p *recordingPublisher) ofKind(kind EventKind) []Event {
	var out []Event
	for _, evt := range p.all() {
		if evt.Kind == kind {
			out = append(out, evt)
		}
	}
	return out
}
