package authz

import (
	"context"
	"sort"
	"strings"
)

// Role registry operations: CRUD over named roles with system role
// protection. Seeding is idempotent so concurrent bootstraps converge.

const (
	maxRoleNameLen        = 50
	maxRoleDescriptionLen = 500
)

var systemRoleDescriptions = map[string]string{
	"Owner": "Full access including ownership transfer and billing",
	"Admin": "Administrative access without ownership privileges",
	"User":  "Standard member access",
}

// SeedSystemRoles creates the built-in roles once. Reruns are no-ops.
func (s *Service) SeedSystemRoles(ctx context.Context) error {
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for _, name := range s.system.Names() {
			if _, err := tx.SeedRole(ctx, name, systemRoleDescriptions[name]); err != nil {
				return err
			}
		}
		return nil
	})
}

// CreateRole validates and inserts a custom role.
func (s *Service) CreateRole(ctx context.Context, input RoleInput) (Role, error) {
	name := strings.TrimSpace(input.Name)
	description := strings.TrimSpace(input.Description)
	if verr := validateRoleAttrs(name, description); verr != nil {
		return Role{}, verr
	}
	var role Role
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		role, err = tx.CreateRole(ctx, name, description, false)
		return err
	})
	if err != nil {
		return Role{}, err
	}
	evt := NewEvent(EventRoleCreated)
	evt.RoleID = role.ID
	evt.Role = role.Name
	s.publisher.Publish(ctx, evt)
	s.recorder.RoleChanged(EventRoleCreated)
	return role, nil
}

// UpdateRole applies partial updates to a role. Clearing the system flag,
// or renaming a system role, is a validation error rather than a silent
// no-op.
func (s *Service) UpdateRole(ctx context.Context, id int64, input UpdateRoleInput) (Role, error) {
	role, err := s.repo.GetRole(ctx, id)
	if err != nil {
		return Role{}, err
	}
	if role.IsSystemRole {
		if input.IsSystemRole != nil && !*input.IsSystemRole {
			return Role{}, fieldError("is_system_role", "cannot be cleared on a system role")
		}
		if input.Name != nil && strings.TrimSpace(*input.Name) != role.Name {
			return Role{}, fieldError("name", "cannot be changed on a system role")
		}
	}
	name := role.Name
	if input.Name != nil {
		name = strings.TrimSpace(*input.Name)
	}
	description := role.Description
	if input.Description != nil {
		description = strings.TrimSpace(*input.Description)
	}
	if verr := validateRoleAttrs(name, description); verr != nil {
		return Role{}, verr
	}
	var updated Role
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		updated, err = tx.UpdateRole(ctx, id, name, description)
		return err
	})
	if err != nil {
		return Role{}, err
	}
	evt := NewEvent(EventRoleUpdated)
	evt.RoleID = updated.ID
	evt.Role = updated.Name
	s.publisher.Publish(ctx, evt)
	s.recorder.RoleChanged(EventRoleUpdated)
	return updated, nil
}

// DeleteRole removes a custom role. System roles and roles with live
// assignments are refused before anything is written.
func (s *Service) DeleteRole(ctx context.Context, id int64) (Role, error) {
	role, err := s.repo.GetRole(ctx, id)
	if err != nil {
		return Role{}, err
	}
	if role.IsSystemRole {
		return Role{}, ErrSystemRoleProtected
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		// Lock the row so a concurrent assignment cannot slip in between
		// the usage count and the delete.
		if _, err := tx.LockRole(ctx, role.ID); err != nil {
			return err
		}
		count, err := tx.CountAssignmentsForRole(ctx, role.ID)
		if err != nil {
			return err
		}
		if count > 0 {
			return ErrRoleInUse
		}
		return tx.DeleteRole(ctx, role.ID)
	})
	if err != nil {
		return Role{}, err
	}
	evt := NewEvent(EventRoleDeleted)
	evt.RoleID = role.ID
	evt.Role = role.Name
	s.publisher.Publish(ctx, evt)
	s.recorder.RoleChanged(EventRoleDeleted)
	return role, nil
}

// GetRoleByName fetches a role by its unique name.
func (s *Service) GetRoleByName(ctx context.Context, name string) (Role, error) {
	return s.repo.GetRoleByName(ctx, name)
}

// ListRoles returns all roles, system roles first in their canonical order,
// then custom roles alphabetically.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	roles, err := s.repo.ListRoles(ctx)
	if err != nil {
		return nil, err
	}
	s.sortRoles(roles)
	return roles, nil
}

// GetCustomRoles returns non-system roles alphabetically.
func (s *Service) GetCustomRoles(ctx context.Context) ([]Role, error) {
	return s.repo.ListCustomRoles(ctx)
}

func (s *Service) sortRoles(roles []Role) {
	sort.SliceStable(roles, func(i, j int) bool {
		ri, rj := s.system.rank(roles[i].Name), s.system.rank(roles[j].Name)
		switch {
		case ri >= 0 && rj >= 0:
			return ri < rj
		case ri >= 0:
			return true
		case rj >= 0:
			return false
		default:
			return roles[i].Name < roles[j].Name
		}
	})
}

func validateRoleAttrs(name, description string) *ValidationError {
	fields := make(map[string]string)
	if name == "" {
		fields["name"] = "can't be blank"
	} else if len(name) > maxRoleNameLen {
		fields["name"] = "should be at most 50 characters"
	}
	if len(description) > maxRoleDescriptionLen {
		fields["description"] = "should be at most 500 characters"
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}
