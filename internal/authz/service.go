package authz

import (
	"context"
	"log/slog"

	"github.com/steward-auth/steward/internal/accounts"
)

// Recorder receives counters for role changes and invariant decisions.
// Implemented by internal/observability; a no-op is used when unset.
type Recorder interface {
	RoleChanged(kind EventKind)
	ElectionResolved(becameOwner bool)
	InvariantRefusal()
}

type nopRecorder struct{}

func (nopRecorder) RoleChanged(EventKind) {}
func (nopRecorder) ElectionResolved(bool) {}
func (nopRecorder) InvariantRefusal() {}

// Service is the authorization facade: role assignment, protection policy,
// and the owner-invariant algorithms. All writes to roles and assignments
// go through it.
type Service struct {
	repo        Repository
	publisher   Publisher
	logger      *slog.Logger
	system      SystemRoles
	defaultRole string
	recorder    Recorder
}

// NewService constructs the authorization service.
func NewService(repo Repository, publisher Publisher, logger *slog.Logger) *Service {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	system := DefaultSystemRoles()
	return &Service{
		repo:        repo,
		publisher:   publisher,
		logger:      logger,
		system:      system,
		defaultRole: system.User,
		recorder:    nopRecorder{},
	}
}

// SetDefaultRole configures the role granted to accounts that lose the owner
// election. The name is validated against live role data at use time.
func (s *Service) SetDefaultRole(name string) {
	if name != "" {
		s.defaultRole = name
	}
}

// SetRecorder injects the metrics recorder.
func (s *Service) SetRecorder(rec Recorder) {
	if rec != nil {
		s.recorder = rec
	}
}

// SystemRoles exposes the injected system role set.
func (s *Service) SystemRoles() SystemRoles {
	return s.system
}

// AssignRole grants a role to an account by role name. Owner is never
// grantable here; it is reserved for the election in EnsureFirstUserIsOwner.
// The insert is an idempotent upsert: concurrent duplicate attempts converge
// to exactly one assignment without erroring.
func (s *Service) AssignRole(ctx context.Context, userID int64, roleName string, assignedBy *int64) (Assignment, error) {
	return s.assignRole(ctx, userID, roleName, assignedBy, true)
}

func (s *Service) assignRole(ctx context.Context, userID int64, roleName string, assignedBy *int64, broadcast bool) (Assignment, error) {
	if s.system.IsOwner(roleName) {
		return Assignment{}, ErrOwnerRoleProtected
	}
	var (
		assignment Assignment
		inserted   bool
		role       Role
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		role, err = tx.GetRoleByName(ctx, roleName)
		if err != nil {
			return err
		}
		assignment, inserted, err = tx.InsertAssignment(ctx, userID, role.ID, assignedBy)
		return err
	})
	if err != nil {
		return Assignment{}, err
	}
	if inserted && broadcast {
		evt := NewEvent(EventRoleAssigned)
		evt.UserID = userID
		evt.RoleID = role.ID
		evt.Role = role.Name
		evt.AssignedBy = assignedBy
		s.publisher.Publish(ctx, evt)
		s.recorder.RoleChanged(EventRoleAssigned)
	}
	return assignment, nil
}

// RemoveRole deletes the account's assignment for the named role.
func (s *Service) RemoveRole(ctx context.Context, userID int64, roleName string) (Assignment, error) {
	return s.removeRole(ctx, userID, roleName, true)
}

func (s *Service) removeRole(ctx context.Context, userID int64, roleName string, broadcast bool) (Assignment, error) {
	var (
		assignment Assignment
		role       Role
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		role, err = tx.GetRoleByName(ctx, roleName)
		if err != nil {
			// A role that does not exist cannot be assigned either.
			if err == ErrRoleNotFound {
				return ErrAssignmentNotFound
			}
			return err
		}
		assignment, err = tx.DeleteAssignment(ctx, userID, role.ID)
		return err
	})
	if err != nil {
		return Assignment{}, err
	}
	if broadcast {
		evt := NewEvent(EventRoleRemoved)
		evt.UserID = userID
		evt.RoleID = role.ID
		evt.Role = role.Name
		s.publisher.Publish(ctx, evt)
		s.recorder.RoleChanged(EventRoleRemoved)
	}
	return assignment, nil
}

// SyncUserRoles reconciles the account's assignments with the desired role
// names inside a single transaction. Any failure rolls back the whole sync.
// Exactly one roles_synced event is published per call; the per-row
// broadcasts are suppressed to avoid notification storms.
func (s *Service) SyncUserRoles(ctx context.Context, userID int64, desired []string) ([]Assignment, error) {
	desiredSet := make(map[string]struct{}, len(desired))
	for _, name := range desired {
		desiredSet[name] = struct{}{}
	}
	var (
		final      []Assignment
		finalNames []string
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetUserRoles(ctx, userID)
		if err != nil {
			return err
		}
		currentSet := make(map[string]Role, len(current))
		for _, role := range current {
			currentSet[role.Name] = role
		}

		// Resolve every desired role first so an unknown name aborts
		// before any row changes.
		toAdd := make([]Role, 0, len(desiredSet))
		for name := range desiredSet {
			if _, held := currentSet[name]; held {
				continue
			}
			if s.system.IsOwner(name) {
				return ErrOwnerRoleProtected
			}
			role, err := tx.GetRoleByName(ctx, name)
			if err != nil {
				return err
			}
			toAdd = append(toAdd, role)
		}

		for name, role := range currentSet {
			if _, keep := desiredSet[name]; keep {
				continue
			}
			if _, err := tx.DeleteAssignment(ctx, userID, role.ID); err != nil {
				return err
			}
		}
		for _, role := range toAdd {
			if _, _, err := tx.InsertAssignment(ctx, userID, role.ID, nil); err != nil {
				return err
			}
		}

		roles, err := tx.GetUserRoles(ctx, userID)
		if err != nil {
			return err
		}
		final = final[:0]
		finalNames = finalNames[:0]
		for _, role := range roles {
			assignment, err := tx.GetAssignment(ctx, userID, role.ID)
			if err != nil {
				return err
			}
			final = append(final, assignment)
			finalNames = append(finalNames, role.Name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	evt := NewEvent(EventRolesSynced)
	evt.UserID = userID
	evt.Roles = finalNames
	s.publisher.Publish(ctx, evt)
	s.recorder.RoleChanged(EventRolesSynced)
	return final, nil
}

// EnsureFirstUserIsOwner runs the owner election for an account. All callers
// serialize on a row lock over the Owner role, so exactly one concurrent
// caller can observe "no active owner" and win. Losers receive the
// configured default role, validated against live data with a fallback to
// the built-in User role. The first owner is also activated and confirmed
// inside the same transaction. Returns the granted role name.
func (s *Service) EnsureFirstUserIsOwner(ctx context.Context, user accounts.Account) (string, error) {
	var (
		granted     Role
		becameOwner bool
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ownerRole, err := tx.GetRoleByName(ctx, s.system.Owner)
		if err != nil {
			return err
		}
		if _, err := tx.LockRole(ctx, ownerRole.ID); err != nil {
			return err
		}
		owners, err := tx.CountActiveHolders(ctx, s.system.Owner)
		if err != nil {
			return err
		}
		if owners == 0 {
			if _, _, err := tx.InsertAssignment(ctx, user.ID, ownerRole.ID, nil); err != nil {
				return err
			}
			if err := tx.ActivateAccount(ctx, user.ID); err != nil {
				return err
			}
			if err := tx.ConfirmAccount(ctx, user.ID); err != nil {
				return err
			}
			granted = ownerRole
			becameOwner = true
			return nil
		}
		granted, err = s.resolveDefaultRole(ctx, tx)
		if err != nil {
			return err
		}
		_, _, err = tx.InsertAssignment(ctx, user.ID, granted.ID, nil)
		return err
	})
	if err != nil {
		return "", err
	}
	evt := NewEvent(EventRoleAssigned)
	evt.UserID = user.ID
	evt.RoleID = granted.ID
	evt.Role = granted.Name
	s.publisher.Publish(ctx, evt)
	s.recorder.ElectionResolved(becameOwner)
	if becameOwner {
		s.logger.Info("first owner elected", slog.Int64("user_id", user.ID))
	}
	return granted.Name, nil
}

// resolveDefaultRole validates the configured default against live role
// data. A missing or Owner-valued default falls back to the User role.
func (s *Service) resolveDefaultRole(ctx context.Context, tx TxRepository) (Role, error) {
	name := s.defaultRole
	if name == "" || s.system.IsOwner(name) {
		name = s.system.User
	}
	role, err := tx.GetRoleByName(ctx, name)
	if err == ErrRoleNotFound && name != s.system.User {
		s.logger.Warn("configured default role missing, falling back", slog.String("role", name))
		return tx.GetRoleByName(ctx, s.system.User)
	}
	return role, err
}

// SafelyRemoveRole removes a role with last-owner protection. For the Owner
// role the remaining-owner count happens inside the same transaction as the
// delete, under the Owner row lock. Non-owner roles delegate to RemoveRole.
func (s *Service) SafelyRemoveRole(ctx context.Context, userID int64, roleName string) (Assignment, error) {
	if !s.system.IsOwner(roleName) {
		return s.RemoveRole(ctx, userID, roleName)
	}
	var (
		assignment Assignment
		role       Role
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		role, err = tx.GetRoleByName(ctx, s.system.Owner)
		if err != nil {
			return err
		}
		if _, err := tx.LockRole(ctx, role.ID); err != nil {
			return err
		}
		remaining, err := tx.CountActiveHoldersExcluding(ctx, s.system.Owner, userID)
		if err != nil {
			return err
		}
		if remaining == 0 {
			return ErrCannotRemoveLastOwner
		}
		assignment, err = tx.DeleteAssignment(ctx, userID, role.ID)
		return err
	})
	if err != nil {
		if err == ErrCannotRemoveLastOwner {
			s.recorder.InvariantRefusal()
		}
		return Assignment{}, err
	}
	evt := NewEvent(EventRoleRemoved)
	evt.UserID = userID
	evt.RoleID = role.ID
	evt.Role = role.Name
	s.publisher.Publish(ctx, evt)
	s.recorder.RoleChanged(EventRoleRemoved)
	return assignment, nil
}

// CanDeactivateUser reports whether deactivating the account would strand
// the system without an active owner. It is a pure query; deactivation
// itself lives outside this core and must consult this first.
func (s *Service) CanDeactivateUser(ctx context.Context, userID int64) error {
	has, err := s.repo.UserHasRole(ctx, userID, s.system.Owner)
	if err != nil {
		return err
	}
	if !has {
		return nil
	}
	count, err := s.repo.CountActiveHolders(ctx, s.system.Owner)
	if err != nil {
		return err
	}
	if count <= 1 {
		s.recorder.InvariantRefusal()
		return ErrCannotDeactivateLastOwner
	}
	return nil
}

// DemoteToUser strips the account's elevated role: Owner (guarded by
// last-owner protection) first, then Admin. Accounts holding neither fail
// with ErrNoRoleToDemote.
func (s *Service) DemoteToUser(ctx context.Context, userID int64) (Assignment, error) {
	hasOwner, err := s.repo.UserHasRole(ctx, userID, s.system.Owner)
	if err != nil {
		return Assignment{}, err
	}
	if hasOwner {
		return s.SafelyRemoveRole(ctx, userID, s.system.Owner)
	}
	hasAdmin, err := s.repo.UserHasRole(ctx, userID, s.system.Admin)
	if err != nil {
		return Assignment{}, err
	}
	if hasAdmin {
		return s.RemoveRole(ctx, userID, s.system.Admin)
	}
	return Assignment{}, ErrNoRoleToDemote
}

// PromoteToAdmin grants the Admin role.
func (s *Service) PromoteToAdmin(ctx context.Context, userID int64, assignedBy *int64) (Assignment, error) {
	return s.AssignRole(ctx, userID, s.system.Admin, assignedBy)
}

// CountActiveOwners is the single source of truth for the owner invariant:
// distinct active accounts holding an Owner assignment.
func (s *Service) CountActiveOwners(ctx context.Context) (int64, error) {
	return s.repo.CountActiveHolders(ctx, s.system.Owner)
}

// AssignRolesToExistingUsers retrofits authorization onto accounts created
// before this subsystem existed. One transaction covers the whole batch:
// active accounts with zero assignments, oldest first. With MakeFirstOwner
// set and no active owner present, the earliest account becomes Owner and
// the rest receive the default role.
func (s *Service) AssignRolesToExistingUsers(ctx context.Context, opts MigrationOptions) (MigrationResult, error) {
	var result MigrationResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ownerRole, err := tx.GetRoleByName(ctx, s.system.Owner)
		if err != nil {
			return err
		}
		if _, err := tx.LockRole(ctx, ownerRole.ID); err != nil {
			return err
		}
		pending, err := tx.ActiveAccountsWithoutRoles(ctx)
		if err != nil {
			return err
		}
		owners, err := tx.CountActiveHolders(ctx, s.system.Owner)
		if err != nil {
			return err
		}
		defaultRole, err := s.resolveDefaultRole(ctx, tx)
		if err != nil {
			return err
		}
		ownerGranted := false
		for _, acc := range pending {
			if opts.MakeFirstOwner && owners == 0 && !ownerGranted {
				if _, _, err := tx.InsertAssignment(ctx, acc.ID, ownerRole.ID, nil); err != nil {
					return err
				}
				result.AssignedOwner++
				ownerGranted = true
			} else {
				if _, _, err := tx.InsertAssignment(ctx, acc.ID, defaultRole.ID, nil); err != nil {
					return err
				}
				result.AssignedUsers++
			}
			result.TotalProcessed++
		}
		return nil
	})
	if err != nil {
		return MigrationResult{}, err
	}
	evt := NewEvent(EventRolesBulkAssigned)
	s.publisher.Publish(ctx, evt)
	return result, nil
}

// UserHasRole reports whether the account holds the named role.
func (s *Service) UserHasRole(ctx context.Context, userID int64, roleName string) (bool, error) {
	return s.repo.UserHasRole(ctx, userID, roleName)
}

// GetUserRoles returns the account's roles sorted by name.
func (s *Service) GetUserRoles(ctx context.Context, userID int64) ([]Role, error) {
	return s.repo.GetUserRoles(ctx, userID)
}

// UsersWithRole returns the distinct accounts holding the named role.
func (s *Service) UsersWithRole(ctx context.Context, roleName string) ([]accounts.Account, error) {
	return s.repo.UsersWithRole(ctx, roleName)
}

// GetRoleStats returns account totals plus per-system-role counts.
func (s *Service) GetRoleStats(ctx context.Context) (RoleStats, error) {
	return s.repo.RoleStats(ctx, s.system.Names())
}

// GetExtendedStats returns the combined lifecycle and role counts. The
// single aggregate query is preferred; when it fails the slower multi-query
// path produces the identical shape.
func (s *Service) GetExtendedStats(ctx context.Context) (ExtendedStats, error) {
	stats, err := s.repo.ExtendedStats(ctx)
	if err == nil {
		return stats, nil
	}
	s.logger.Warn("extended stats aggregate failed, using fallback", slog.Any("error", err))
	return s.repo.ExtendedStatsFallback(ctx)
}

// RoleNames maps roles to their names, preserving order.
func RoleNames(roles []Role) []string {
	names := make([]string, len(roles))
	for i, role := range roles {
		names[i] = role.Name
	}
	return names
}
