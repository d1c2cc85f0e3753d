package authz

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/steward-auth/steward/internal/accounts"
	"github.com/steward-auth/steward/internal/platform/db"
)

// Repository defines role and assignment data access.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	GetRole(ctx context.Context, id int64) (Role, error)
	GetRoleByName(ctx context.Context, name string) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	ListCustomRoles(ctx context.Context) ([]Role, error)

	GetUserRoles(ctx context.Context, userID int64) ([]Role, error)
	UserHasRole(ctx context.Context, userID int64, roleName string) (bool, error)
	UsersWithRole(ctx context.Context, roleName string) ([]accounts.Account, error)
	CountActiveHolders(ctx context.Context, roleName string) (int64, error)

	RoleStats(ctx context.Context, names []string) (RoleStats, error)
	ExtendedStats(ctx context.Context) (ExtendedStats, error)
	ExtendedStatsFallback(ctx context.Context) (ExtendedStats, error)
}

// TxRepository defines operations within a transaction. Every mutation the
// service performs goes through one of these, so rollback on error is the
// only cleanup path needed.
type TxRepository interface {
	GetRoleByName(ctx context.Context, name string) (Role, error)
	// LockRole acquires a row lock (SELECT ... FOR UPDATE) on the role,
	// serializing concurrent transactions that lock the same role.
	LockRole(ctx context.Context, id int64) (Role, error)
	CreateRole(ctx context.Context, name, description string, system bool) (Role, error)
	UpdateRole(ctx context.Context, id int64, name, description string) (Role, error)
	DeleteRole(ctx context.Context, id int64) error
	SeedRole(ctx context.Context, name, description string) (Role, error)
	CountAssignmentsForRole(ctx context.Context, roleID int64) (int64, error)

	// InsertAssignment upserts with "do nothing on conflict" for the
	// (user_id, role_id) pair. The bool reports whether a row was inserted.
	InsertAssignment(ctx context.Context, userID, roleID int64, assignedBy *int64) (Assignment, bool, error)
	GetAssignment(ctx context.Context, userID, roleID int64) (Assignment, error)
	DeleteAssignment(ctx context.Context, userID, roleID int64) (Assignment, error)
	GetUserRoles(ctx context.Context, userID int64) ([]Role, error)

	CountActiveHolders(ctx context.Context, roleName string) (int64, error)
	CountActiveHoldersExcluding(ctx context.Context, roleName string, userID int64) (int64, error)

	ActivateAccount(ctx context.Context, userID int64) error
	ConfirmAccount(ctx context.Context, userID int64) error
	ActiveAccountsWithoutRoles(ctx context.Context) ([]accounts.Account, error)
}

// Ensure implementation
var (
	_ Repository   = (*pgRepository)(nil)
	_ TxRepository = (*pgTxRepository)(nil)
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type pgRepository struct {
	pool *pgxpool.Pool
}

type pgTxRepository struct {
	tx pgx.Tx
}

// NewRepository constructs a PostgreSQL backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTxRepository{tx: tx})
	})
}

const roleColumns = `id, name, description, is_system_role, created_at, updated_at`

func getRole(ctx context.Context, q querier, id int64) (Role, error) {
	row := q.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id)
	return scanRole(row)
}

func getRoleByName(ctx context.Context, q querier, name string) (Role, error) {
	row := q.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE name = $1`, name)
	return scanRole(row)
}

func getUserRoles(ctx context.Context, q querier, userID int64) ([]Role, error) {
	rows, err := q.Query(ctx, `
		SELECT r.id, r.name, r.description, r.is_system_role, r.created_at, r.updated_at
		FROM roles r
		JOIN user_roles ur ON ur.role_id = r.id
		WHERE ur.user_id = $1
		ORDER BY r.name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRoles(rows)
}

func countActiveHolders(ctx context.Context, q querier, roleName string, excludeUserID int64) (int64, error) {
	var count int64
	err := q.QueryRow(ctx, `
		SELECT COUNT(DISTINCT ur.user_id)
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		JOIN accounts a ON a.id = ur.user_id
		WHERE r.name = $1 AND a.is_active AND ur.user_id <> $2`, roleName, excludeUserID).Scan(&count)
	return count, err
}

func (r *pgRepository) GetRole(ctx context.Context, id int64) (Role, error) {
	role, err := getRole(ctx, r.pool, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, ErrRoleNotFound
	}
	return role, err
}

func (r *pgRepository) GetRoleByName(ctx context.Context, name string) (Role, error) {
	role, err := getRoleByName(ctx, r.pool, name)
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, ErrRoleNotFound
	}
	return role, err
}

func (r *pgRepository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRoles(rows)
}

func (r *pgRepository) ListCustomRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+roleColumns+` FROM roles WHERE NOT is_system_role ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRoles(rows)
}

func (r *pgRepository) GetUserRoles(ctx context.Context, userID int64) ([]Role, error) {
	return getUserRoles(ctx, r.pool, userID)
}

func (r *pgRepository) UserHasRole(ctx context.Context, userID int64, roleName string) (bool, error) {
	var has bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM user_roles ur
			JOIN roles r ON r.id = ur.role_id
			WHERE ur.user_id = $1 AND r.name = $2
		)`, userID, roleName).Scan(&has)
	return has, err
}

func (r *pgRepository) UsersWithRole(ctx context.Context, roleName string) ([]accounts.Account, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT a.id, a.email, a.name, a.is_active, a.confirmed_at, a.created_at, a.updated_at
		FROM accounts a
		JOIN user_roles ur ON ur.user_id = a.id
		JOIN roles r ON r.id = ur.role_id
		WHERE r.name = $1
		ORDER BY a.email, a.id`, roleName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAccounts(rows)
}

func (r *pgRepository) CountActiveHolders(ctx context.Context, roleName string) (int64, error) {
	return countActiveHolders(ctx, r.pool, roleName, 0)
}

func (r *pgRepository) RoleStats(ctx context.Context, names []string) (RoleStats, error) {
	stats := RoleStats{RoleCounts: make(map[string]int64, len(names))}
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&stats.TotalAccounts); err != nil {
		return RoleStats{}, err
	}
	for _, name := range names {
		stats.RoleCounts[name] = 0
	}
	rows, err := r.pool.Query(ctx, `
		SELECT r.name, COUNT(DISTINCT ur.user_id)
		FROM roles r
		LEFT JOIN user_roles ur ON ur.role_id = r.id
		WHERE r.name = ANY($1)
		GROUP BY r.name`, names)
	if err != nil {
		return RoleStats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var count int64
		if err := rows.Scan(&name, &count); err != nil {
			return RoleStats{}, err
		}
		stats.RoleCounts[name] = count
	}
	return stats, rows.Err()
}

// ExtendedStats gathers every total in a single round trip; role counts ride
// along as a jsonb object.
func (r *pgRepository) ExtendedStats(ctx context.Context) (ExtendedStats, error) {
	var stats ExtendedStats
	var roleCounts []byte
	err := r.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM accounts),
			(SELECT COUNT(*) FROM accounts WHERE is_active),
			(SELECT COUNT(*) FROM accounts WHERE NOT is_active),
			(SELECT COUNT(*) FROM accounts WHERE confirmed_at IS NOT NULL),
			(SELECT COUNT(*) FROM accounts WHERE confirmed_at IS NULL),
			(SELECT COALESCE(jsonb_object_agg(rc.name, rc.cnt), '{}'::jsonb)
			 FROM (
				SELECT r.name, COUNT(DISTINCT ur.user_id) AS cnt
				FROM roles r
				LEFT JOIN user_roles ur ON ur.role_id = r.id
				GROUP BY r.name
			 ) rc)`).
		Scan(&stats.TotalAccounts, &stats.ActiveAccounts, &stats.InactiveAccounts,
			&stats.ConfirmedAccounts, &stats.PendingAccounts, &roleCounts)
	if err != nil {
		return ExtendedStats{}, err
	}
	stats.RoleCounts = make(map[string]int64)
	if err := json.Unmarshal(roleCounts, &stats.RoleCounts); err != nil {
		return ExtendedStats{}, err
	}
	return stats, nil
}

// ExtendedStatsFallback issues several smaller queries. Slower, but produces
// the same shape as ExtendedStats for stores where the aggregate form is
// unavailable.
func (r *pgRepository) ExtendedStatsFallback(ctx context.Context) (ExtendedStats, error) {
	var stats ExtendedStats
	counts := []struct {
		query string
		dest  *int64
	}{
		{`SELECT COUNT(*) FROM accounts`, &stats.TotalAccounts},
		{`SELECT COUNT(*) FROM accounts WHERE is_active`, &stats.ActiveAccounts},
		{`SELECT COUNT(*) FROM accounts WHERE NOT is_active`, &stats.InactiveAccounts},
		{`SELECT COUNT(*) FROM accounts WHERE confirmed_at IS NOT NULL`, &stats.ConfirmedAccounts},
		{`SELECT COUNT(*) FROM accounts WHERE confirmed_at IS NULL`, &stats.PendingAccounts},
	}
	for _, c := range counts {
		if err := r.pool.QueryRow(ctx, c.query).Scan(c.dest); err != nil {
			return ExtendedStats{}, err
		}
	}
	stats.RoleCounts = make(map[string]int64)
	rows, err := r.pool.Query(ctx, `
		SELECT r.name, COUNT(DISTINCT ur.user_id)
		FROM roles r
		LEFT JOIN user_roles ur ON ur.role_id = r.id
		GROUP BY r.name`)
	if err != nil {
		return ExtendedStats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var count int64
		if err := rows.Scan(&name, &count); err != nil {
			return ExtendedStats{}, err
		}
		stats.RoleCounts[name] = count
	}
	return stats, rows.Err()
}

func (t *pgTxRepository) GetRoleByName(ctx context.Context, name string) (Role, error) {
	role, err := getRoleByName(ctx, t.tx, name)
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, ErrRoleNotFound
	}
	return role, err
}

func (t *pgTxRepository) LockRole(ctx context.Context, id int64) (Role, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1 FOR UPDATE`, id)
	role, err := scanRole(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, ErrRoleNotFound
	}
	return role, err
}

func (t *pgTxRepository) CreateRole(ctx context.Context, name, description string, system bool) (Role, error) {
	row := t.tx.QueryRow(ctx, `
		INSERT INTO roles (name, description, is_system_role)
		VALUES ($1, $2, $3)
		RETURNING `+roleColumns, name, description, system)
	role, err := scanRole(row)
	if isUniqueViolation(err) {
		return Role{}, fieldError("name", "has already been taken")
	}
	return role, err
}

func (t *pgTxRepository) UpdateRole(ctx context.Context, id int64, name, description string) (Role, error) {
	row := t.tx.QueryRow(ctx, `
		UPDATE roles SET name = $2, description = $3, updated_at = now()
		WHERE id = $1
		RETURNING `+roleColumns, id, name, description)
	role, err := scanRole(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, ErrRoleNotFound
	}
	if isUniqueViolation(err) {
		return Role{}, fieldError("name", "has already been taken")
	}
	return role, err
}

func (t *pgTxRepository) DeleteRole(ctx context.Context, id int64) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRoleNotFound
	}
	return nil
}

// SeedRole inserts a system role once; reruns return the existing row.
func (t *pgTxRepository) SeedRole(ctx context.Context, name, description string) (Role, error) {
	row := t.tx.QueryRow(ctx, `
		INSERT INTO roles (name, description, is_system_role)
		VALUES ($1, $2, TRUE)
		ON CONFLICT (name) DO NOTHING
		RETURNING `+roleColumns, name, description)
	role, err := scanRole(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return t.GetRoleByName(ctx, name)
	}
	return role, err
}

func (t *pgTxRepository) CountAssignmentsForRole(ctx context.Context, roleID int64) (int64, error) {
	var count int64
	err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM user_roles WHERE role_id = $1`, roleID).Scan(&count)
	return count, err
}

const assignmentColumns = `id, user_id, role_id, assigned_by, assigned_at`

func (t *pgTxRepository) InsertAssignment(ctx context.Context, userID, roleID int64, assignedBy *int64) (Assignment, bool, error) {
	row := t.tx.QueryRow(ctx, `
		INSERT INTO user_roles (user_id, role_id, assigned_by)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, role_id) DO NOTHING
		RETURNING `+assignmentColumns, userID, roleID, assignedBy)
	assignment, err := scanAssignment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Conflict: the pair already exists, converge on the current row.
		existing, err := t.GetAssignment(ctx, userID, roleID)
		return existing, false, err
	}
	if err != nil {
		return Assignment{}, false, err
	}
	return assignment, true, nil
}

func (t *pgTxRepository) GetAssignment(ctx context.Context, userID, roleID int64) (Assignment, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+assignmentColumns+` FROM user_roles
		WHERE user_id = $1 AND role_id = $2`, userID, roleID)
	assignment, err := scanAssignment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Assignment{}, ErrAssignmentNotFound
	}
	return assignment, err
}

func (t *pgTxRepository) DeleteAssignment(ctx context.Context, userID, roleID int64) (Assignment, error) {
	row := t.tx.QueryRow(ctx, `
		DELETE FROM user_roles
		WHERE user_id = $1 AND role_id = $2
		RETURNING `+assignmentColumns, userID, roleID)
	assignment, err := scanAssignment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Assignment{}, ErrAssignmentNotFound
	}
	return assignment, err
}

func (t *pgTxRepository) GetUserRoles(ctx context.Context, userID int64) ([]Role, error) {
	return getUserRoles(ctx, t.tx, userID)
}

func (t *pgTxRepository) CountActiveHolders(ctx context.Context, roleName string) (int64, error) {
	return countActiveHolders(ctx, t.tx, roleName, 0)
}

func (t *pgTxRepository) CountActiveHoldersExcluding(ctx context.Context, roleName string, userID int64) (int64, error) {
	return countActiveHolders(ctx, t.tx, roleName, userID)
}

func (t *pgTxRepository) ActivateAccount(ctx context.Context, userID int64) error {
	_, err := t.tx.Exec(ctx, `UPDATE accounts SET is_active = TRUE, updated_at = now() WHERE id = $1 AND NOT is_active`, userID)
	return err
}

func (t *pgTxRepository) ConfirmAccount(ctx context.Context, userID int64) error {
	_, err := t.tx.Exec(ctx, `UPDATE accounts SET confirmed_at = now(), updated_at = now() WHERE id = $1 AND confirmed_at IS NULL`, userID)
	return err
}

func (t *pgTxRepository) ActiveAccountsWithoutRoles(ctx context.Context) ([]accounts.Account, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT a.id, a.email, a.name, a.is_active, a.confirmed_at, a.created_at, a.updated_at
		FROM accounts a
		WHERE a.is_active
		  AND NOT EXISTS (SELECT 1 FROM user_roles ur WHERE ur.user_id = a.id)
		ORDER BY a.created_at, a.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAccounts(rows)
}

func scanRole(row pgx.Row) (Role, error) {
	var role Role
	err := row.Scan(&role.ID, &role.Name, &role.Description, &role.IsSystemRole, &role.CreatedAt, &role.UpdatedAt)
	return role, err
}

func scanAssignment(row pgx.Row) (Assignment, error) {
	var a Assignment
	err := row.Scan(&a.ID, &a.UserID, &a.RoleID, &a.AssignedBy, &a.AssignedAt)
	return a, err
}

func collectRoles(rows pgx.Rows) ([]Role, error) {
	var out []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, rows.Err()
}

func collectAccounts(rows pgx.Rows) ([]accounts.Account, error) {
	var out []accounts.Account
	for rows.Next() {
		var acc accounts.Account
		if err := rows.Scan(&acc.ID, &acc.Email, &acc.Name, &acc.IsActive, &acc.ConfirmedAt, &acc.CreatedAt, &acc.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	return out, rows.Err()
}

const uniqueViolationCode = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}
