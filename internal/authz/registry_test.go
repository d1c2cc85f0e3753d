package authz

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateRoleTrimsAndValidates(t *testing.T) {
	svc, _, pub := newTestService(t)
	ctx := context.Background()

	role, err := svc.CreateRole(ctx, RoleInput{Name: "  Support  ", Description: " Handles tickets "})
	require.NoError(t, err)
	require.Equal(t, "Support", role.Name)
	require.Equal(t, "Handles tickets", role.Description)
	require.False(t, role.IsSystemRole)
	require.Len(t, pub.ofKind(EventRoleCreated), 1)
}

func TestCreateRoleBlankName(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.CreateRole(context.Background(), RoleInput{Name: "   "})
	verr, ok := AsValidation(err)
	require.True(t, ok)
	require.Equal(t, "can't be blank", verr.Fields["name"])
}

func TestCreateRoleLengthLimits(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateRole(ctx, RoleInput{Name: strings.Repeat("a", 51)})
	verr, ok := AsValidation(err)
	require.True(t, ok)
	require.Equal(t, "should be at most 50 characters", verr.Fields["name"])

	_, err = svc.CreateRole(ctx, RoleInput{Name: "ok", Description: strings.Repeat("d", 501)})
	verr, ok = AsValidation(err)
	require.True(t, ok)
	require.Equal(t, "should be at most 500 characters", verr.Fields["description"])
}

func TestCreateRoleDuplicateName(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateRole(ctx, RoleInput{Name: "Support"})
	require.NoError(t, err)

	_, err = svc.CreateRole(ctx, RoleInput{Name: "Support"})
	verr, ok := AsValidation(err)
	require.True(t, ok)
	require.Equal(t, "has already been taken", verr.Fields["name"])
}

func TestUpdateRole(t *testing.T) {
	svc, _, pub := newTestService(t)
	ctx := context.Background()

	role, err := svc.CreateRole(ctx, RoleInput{Name: "Support", Description: "old"})
	require.NoError(t, err)

	newName := "Helpdesk"
	updated, err := svc.UpdateRole(ctx, role.ID, UpdateRoleInput{Name: &newName})
	require.NoError(t, err)
	require.Equal(t, "Helpdesk", updated.Name)
	require.Equal(t, "old", updated.Description)
	require.Len(t, pub.ofKind(EventRoleUpdated), 1)
}

func TestUpdateSystemRoleRenameRefused(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	admin, err := svc.GetRoleByName(ctx, "Admin")
	require.NoError(t, err)

	newName := "Superadmin"
	_, err = svc.UpdateRole(ctx, admin.ID, UpdateRoleInput{Name: &newName})
	verr, ok := AsValidation(err)
	require.True(t, ok)
	require.Equal(t, "cannot be changed on a system role", verr.Fields["name"])
}

func TestUpdateSystemRoleFlagCannotBeCleared(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	admin, err := svc.GetRoleByName(ctx, "Admin")
	require.NoError(t, err)

	cleared := false
	_, err = svc.UpdateRole(ctx, admin.ID, UpdateRoleInput{IsSystemRole: &cleared})
	verr, ok := AsValidation(err)
	require.True(t, ok)
	require.Equal(t, "cannot be cleared on a system role", verr.Fields["is_system_role"])
}

func TestUpdateSystemRoleDescriptionAllowed(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	admin, err := svc.GetRoleByName(ctx, "Admin")
	require.NoError(t, err)

	desc := "Updated description"
	updated, err := svc.UpdateRole(ctx, admin.ID, UpdateRoleInput{Description: &desc})
	require.NoError(t, err)
	require.Equal(t, "Admin", updated.Name)
	require.Equal(t, desc, updated.Description)
}

func TestDeleteRole(t *testing.T) {
	svc, _, pub := newTestService(t)
	ctx := context.Background()

	role, err := svc.CreateRole(ctx, RoleInput{Name: "Temp"})
	require.NoError(t, err)

	deleted, err := svc.DeleteRole(ctx, role.ID)
	require.NoError(t, err)
	require.Equal(t, role.ID, deleted.ID)

	_, err = svc.GetRoleByName(ctx, "Temp")
	require.ErrorIs(t, err, ErrRoleNotFound)
	require.Len(t, pub.ofKind(EventRoleDeleted), 1)
}

func TestDeleteSystemRoleRefused(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	owner, err := svc.GetRoleByName(ctx, "Owner")
	require.NoError(t, err)

	_, err = svc.DeleteRole(ctx, owner.ID)
	require.ErrorIs(t, err, ErrSystemRoleProtected)
}

func TestDeleteRoleInUseRefused(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	repo.addAccount(activeAccount(1, "a@example.com"))

	role, err := svc.CreateRole(ctx, RoleInput{Name: "Support"})
	require.NoError(t, err)
	_, err = svc.AssignRole(ctx, 1, "Support", nil)
	require.NoError(t, err)

	_, err = svc.DeleteRole(ctx, role.ID)
	require.ErrorIs(t, err, ErrRoleInUse)

	// Removing the assignment unblocks deletion.
	_, err = svc.RemoveRole(ctx, 1, "Support")
	require.NoError(t, err)
	_, err = svc.DeleteRole(ctx, role.ID)
	require.NoError(t, err)
}

func TestDeleteRoleNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.DeleteRole(context.Background(), 9999)
	require.ErrorIs(t, err, ErrRoleNotFound)
}

func TestListRolesOrdering(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	for _, name := range []string{"Zebra", "Analyst"} {
		_, err := svc.CreateRole(ctx, RoleInput{Name: name})
		require.NoError(t, err)
	}

	roles, err := svc.ListRoles(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"Owner", "Admin", "User", "Analyst", "Zebra"}, RoleNames(roles))
}

func TestGetCustomRoles(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateRole(ctx, RoleInput{Name: "Support"})
	require.NoError(t, err)

	custom, err := svc.GetCustomRoles(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"Support"}, RoleNames(custom))
}
