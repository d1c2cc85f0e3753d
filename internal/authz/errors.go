package authz

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Policy errors. All are expected conditions surfaced as typed values so
// callers can map them to specific user-facing messages.
var (
	// ErrOwnerRoleProtected rejects direct Owner grants; Owner is only
	// reachable through the election in EnsureFirstUserIsOwner.
	ErrOwnerRoleProtected = errors.New("authz: owner role can only be granted by election")
	// ErrRoleNotFound indicates the referenced role does not exist.
	ErrRoleNotFound = errors.New("authz: role not found")
	// ErrAssignmentNotFound indicates the account does not hold the role.
	ErrAssignmentNotFound = errors.New("authz: assignment not found")
	// ErrSystemRoleProtected rejects deletion of a built-in role.
	ErrSystemRoleProtected = errors.New("authz: system role is protected")
	// ErrRoleInUse rejects deletion of a role with live assignments.
	ErrRoleInUse = errors.New("authz: role has active assignments")
	// ErrCannotRemoveLastOwner protects the >=1 active owner invariant.
	ErrCannotRemoveLastOwner = errors.New("authz: cannot remove the last owner")
	// ErrCannotDeactivateLastOwner protects the invariant against deactivation.
	ErrCannotDeactivateLastOwner = errors.New("authz: cannot deactivate the last owner")
	// ErrNoRoleToDemote indicates the account holds nothing demotable.
	ErrNoRoleToDemote = errors.New("authz: no role to demote")
)

// ValidationError carries field-level validation failures so callers can
// render them per field instead of parsing strings.
type ValidationError struct {
	Fields map[string]string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "authz: validation failed"
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "authz: validation failed: " + strings.Join(parts, "; ")
}

func fieldError(field, message string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: message}}
}

// AsValidation unwraps err into a ValidationError when it is one.
func AsValidation(err error) (*ValidationError, bool) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr, true
	}
	return nil, false
}
