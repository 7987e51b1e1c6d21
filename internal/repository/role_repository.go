package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-edu-identity/pkg/logger"
)

type RoleRepository struct {
	db  DB
	log *logger.Logger
}

func NewRoleRepository(db DB, log *logger.Logger) *RoleRepository {
	return &RoleRepository{
		db:  db,
		log: log,
	}
}

// Create creates a new role
func (r *RoleRepository) Create(ctx context.Context, role *Role) error {
	if role.ID == "" {
		role.ID = uuid.New().String()
	}
	role.CreatedAt = time.Now()
	role.UpdatedAt = role.CreatedAt

	query := `
		INSERT INTO roles (
			id, entity_id, name, display_name, description,
			role_type, is_active, created_at, updated_at, created_by
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
	`

	_, err := r.db.Exec(ctx, query,
		role.ID, role.EntityID, role.Name, role.DisplayName, role.Description,
		role.RoleType, role.IsActive, role.CreatedAt, role.UpdatedAt, role.CreatedBy,
	)
	if err != nil {
		return wrap("create role", err)
	}

	return nil
}

// GetByID retrieves a role by ID
func (r *RoleRepository) GetByID(ctx context.Context, id string) (*Role, error) {
	role := &Role{}

	query := `
		SELECT id, entity_id, name, display_name, description,
			   role_type, is_active, created_at, updated_at, created_by, updated_by
		FROM roles
		WHERE id = $1
	`

	err := r.db.QueryRow(ctx, query, id).Scan(
		&role.ID, &role.EntityID, &role.Name, &role.DisplayName, &role.Description,
		&role.RoleType, &role.IsActive, &role.CreatedAt, &role.UpdatedAt,
		&role.CreatedBy, &role.UpdatedBy,
	)
	if err != nil {
		return nil, wrap("get role", err)
	}

	return role, nil
}

// SetActive enables or disables a role
func (r *RoleRepository) SetActive(ctx context.Context, id string, active bool, updatedBy string) error {
	query := `UPDATE roles SET is_active = $2, updated_by = $3, updated_at = $4 WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id, active, nullable(updatedBy), time.Now())
	if err != nil {
		return wrap("update role", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// List retrieves roles visible to an entity, including system-wide roles
func (r *RoleRepository) List(ctx context.Context, entityID *string, activeOnly bool) ([]*Role, error) {
	query := `
		SELECT id, entity_id, name, display_name, description,
			   role_type, is_active, created_at, updated_at, created_by, updated_by
		FROM roles
		WHERE (entity_id = $1 OR entity_id IS NULL)
	`

	if activeOnly {
		query += " AND is_active = true"
	}

	query += " ORDER BY role_type, name"

	rows, err := r.db.Query(ctx, query, entityID)
	if err != nil {
		return nil, wrap("list roles", err)
	}
	defer rows.Close()

	var roles []*Role
	for rows.Next() {
		role := &Role{}
		err := rows.Scan(
			&role.ID, &role.EntityID, &role.Name, &role.DisplayName, &role.Description,
			&role.RoleType, &role.IsActive, &role.CreatedAt, &role.UpdatedAt,
			&role.CreatedBy, &role.UpdatedBy,
		)
		if err != nil {
			return nil, wrap("scan role", err)
		}
		roles = append(roles, role)
	}

	return roles, rows.Err()
}

// GrantPermission adds a permission to a role; a duplicate yields ErrConflict
func (r *RoleRepository) GrantPermission(ctx context.Context, roleID, permission, grantedBy string) error {
	query := `
		INSERT INTO role_permissions (role_id, permission, granted_at, granted_by)
		VALUES ($1, $2, $3, $4)
	`

	if _, err := r.db.Exec(ctx, query, roleID, permission, time.Now(), nullable(grantedBy)); err != nil {
		return wrap("grant permission", err)
	}
	return nil
}

// RevokePermission removes a permission from a role
func (r *RoleRepository) RevokePermission(ctx context.Context, roleID, permission string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1 AND permission = $2`, roleID, permission)
	if err != nil {
		return wrap("revoke permission", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AssignToUser assigns a role to a user, reactivating a dormant assignment
func (r *RoleRepository) AssignToUser(ctx context.Context, userID, roleID, assignedBy string) error {
	query := `
		INSERT INTO user_roles (user_id, role_id, is_active, assigned_at, assigned_by)
		VALUES ($1, $2, true, $3, $4)
		ON CONFLICT (user_id, role_id) DO UPDATE SET is_active = true
	`

	if _, err := r.db.Exec(ctx, query, userID, roleID, time.Now(), nullable(assignedBy)); err != nil {
		return wrap("assign role", err)
	}
	return nil
}

// UnassignFromUser deactivates a role assignment
func (r *RoleRepository) UnassignFromUser(ctx context.Context, userID, roleID string) error {
	query := `
		UPDATE user_roles
		SET is_active = false
		WHERE user_id = $1 AND role_id = $2 AND is_active = true
	`

	result, err := r.db.Exec(ctx, query, userID, roleID)
	if err != nil {
		return wrap("unassign role", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("role assignment: %w", ErrNotFound)
	}

	return nil
}

// RoleNames lists the names of a user's active roles
func (r *RoleRepository) RoleNames(ctx context.Context, userID string) ([]string, error) {
	query := `
		SELECT r.name
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = $1 AND ur.is_active = true AND r.is_active = true
		ORDER BY r.name
	`
	return r.strings(ctx, "list user roles", query, userID)
}

// RolePermissions lists permissions reachable through the user's active
// assignments of active roles
func (r *RoleRepository) RolePermissions(ctx context.Context, userID string) ([]string, error) {
	query := `
		SELECT DISTINCT rp.permission
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		JOIN role_permissions rp ON rp.role_id = r.id
		WHERE ur.user_id = $1 AND ur.is_active = true AND r.is_active = true
	`
	return r.strings(ctx, "list role permissions", query, userID)
}

// PermissionsOfRole lists the permissions granted to one role
func (r *RoleRepository) PermissionsOfRole(ctx context.Context, roleID string) ([]string, error) {
	query := `SELECT permission FROM role_permissions WHERE role_id = $1 ORDER BY permission`
	return r.strings(ctx, "list permissions of role", query, roleID)
}

// Overrides lists every override for a user; freshness is decided by the caller
func (r *RoleRepository) Overrides(ctx context.Context, userID string) ([]*PermissionOverride, error) {
	query := `
		SELECT id, user_id, permission, is_granted, expires_at, reason, created_at, created_by
		FROM permission_overrides
		WHERE user_id = $1
	`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, wrap("list overrides", err)
	}
	defer rows.Close()

	var overrides []*PermissionOverride
	for rows.Next() {
		o := &PermissionOverride{}
		if err := rows.Scan(&o.ID, &o.UserID, &o.Permission, &o.Grant, &o.ExpiresAt, &o.Reason, &o.CreatedAt, &o.CreatedBy); err != nil {
			return nil, wrap("scan override", err)
		}
		overrides = append(overrides, o)
	}
	return overrides, rows.Err()
}

// UpsertOverride sets the single override a user may hold for a permission
func (r *RoleRepository) UpsertOverride(ctx context.Context, o *PermissionOverride) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}

	query := `
		INSERT INTO permission_overrides (id, user_id, permission, is_granted, expires_at, reason, created_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, permission) DO UPDATE
		SET is_granted = EXCLUDED.is_granted,
		    expires_at = EXCLUDED.expires_at,
		    reason = EXCLUDED.reason,
		    created_at = EXCLUDED.created_at,
		    created_by = EXCLUDED.created_by
		RETURNING id
	`

	err := r.db.QueryRow(ctx, query,
		o.ID, o.UserID, o.Permission, o.Grant, o.ExpiresAt, o.Reason, o.CreatedAt, o.CreatedBy,
	).Scan(&o.ID)
	if err != nil {
		return wrap("upsert override", err)
	}
	return nil
}

// DeleteOverride removes a user's override for a permission
func (r *RoleRepository) DeleteOverride(ctx context.Context, userID, permission string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM permission_overrides WHERE user_id = $1 AND permission = $2`, userID, permission)
	if err != nil {
		return wrap("delete override", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReferencedPermissions lists every permission name stored in grants or overrides
func (r *RoleRepository) ReferencedPermissions(ctx context.Context) ([]string, error) {
	query := `
		SELECT permission FROM role_permissions
		UNION
		SELECT permission FROM permission_overrides
	`
	return r.strings(ctx, "list referenced permissions", query)
}

func (r *RoleRepository) strings(ctx context.Context, op, query string, args ...any) ([]string, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, wrap(op, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
