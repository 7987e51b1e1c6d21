package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pesio-ai/be-edu-identity/internal/permission"
	"github.com/pesio-ai/be-edu-identity/internal/repository"
	"github.com/pesio-ai/be-edu-identity/pkg/logger"
)

const roleTypeCustom = "custom"

type RoleService struct {
	roles       RoleStore
	catalog     *permission.Catalog
	permissions *PermissionResolver
	log         *logger.Logger
	opts        options
}

func NewRoleService(
	roles RoleStore,
	catalog *permission.Catalog,
	permissions *PermissionResolver,
	log *logger.Logger,
	opts ...Option,
) *RoleService {
	return &RoleService{
		roles:       roles,
		catalog:     catalog,
		permissions: permissions,
		log:         log,
		opts:        buildOptions(opts),
	}
}

type CreateRoleRequest struct {
	EntityID    *string
	Name        string
	DisplayName string
	Description *string
	RoleType    string
	Permissions []string
	CreatedBy   string
}

// CreateRole creates a new role and grants its initial permissions
func (s *RoleService) CreateRole(ctx context.Context, req *CreateRoleRequest) (*repository.Role, error) {
	s.log.Info().
		Str("name", req.Name).
		Msg("Creating role")

	if strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("%w: role name is required", ErrInvalidArgument)
	}
	if err := s.checkNames(req.Permissions...); err != nil {
		return nil, err
	}

	roleType := req.RoleType
	if roleType == "" {
		roleType = roleTypeCustom
	}
	displayName := req.DisplayName
	if displayName == "" {
		displayName = req.Name
	}

	role := &repository.Role{
		EntityID:    req.EntityID,
		Name:        req.Name,
		DisplayName: displayName,
		Description: req.Description,
		RoleType:    roleType,
		IsActive:    true,
		CreatedBy:   optional(req.CreatedBy),
	}

	if err := s.roles.Create(ctx, role); err != nil {
		s.log.Error().Err(err).Msg("Failed to create role")
		return nil, storeErr("create role", err)
	}

	for _, p := range req.Permissions {
		if err := s.roles.GrantPermission(ctx, role.ID, p, req.CreatedBy); err != nil && !errors.Is(err, repository.ErrConflict) {
			return nil, storeErr("grant permission", err)
		}
	}

	s.log.Info().Str("role_id", role.ID).Msg("Role created successfully")
	return role, nil
}

// GetRole retrieves a role by ID
func (s *RoleService) GetRole(ctx context.Context, roleID string) (*repository.Role, error) {
	role, err := s.roles.GetByID(ctx, roleID)
	if err != nil {
		return nil, storeErr("get role", err)
	}
	return role, nil
}

// ListRoles retrieves all roles for an entity
func (s *RoleService) ListRoles(ctx context.Context, entityID *string, activeOnly bool) ([]*repository.Role, error) {
	roles, err := s.roles.List(ctx, entityID, activeOnly)
	if err != nil {
		return nil, storeErr("list roles", err)
	}
	return roles, nil
}

// SetRoleActive enables or disables a role for every holder
func (s *RoleService) SetRoleActive(ctx context.Context, roleID string, active bool, updatedBy string) error {
	if err := s.roles.SetActive(ctx, roleID, active, updatedBy); err != nil {
		return storeErr("update role", err)
	}
	s.permissions.Invalidate(ctx, "")
	return nil
}

// RolePermissions lists what a role grants
func (s *RoleService) RolePermissions(ctx context.Context, roleID string) ([]string, error) {
	perms, err := s.roles.PermissionsOfRole(ctx, roleID)
	if err != nil {
		return nil, storeErr("list role permissions", err)
	}
	return perms, nil
}

// GrantPermission adds a catalogued permission to a role
func (s *RoleService) GrantPermission(ctx context.Context, roleID, name, grantedBy string) error {
	if err := s.checkNames(name); err != nil {
		return err
	}
	if err := s.roles.GrantPermission(ctx, roleID, name, grantedBy); err != nil {
		return storeErr("grant permission", err)
	}
	s.permissions.Invalidate(ctx, "")
	s.log.Info().Str("role_id", roleID).Str("permission", name).Msg("Permission granted to role")
	return nil
}

// RevokePermission removes a permission from a role
func (s *RoleService) RevokePermission(ctx context.Context, roleID, name string) error {
	if err := s.roles.RevokePermission(ctx, roleID, name); err != nil {
		return storeErr("revoke permission", err)
	}
	s.permissions.Invalidate(ctx, "")
	s.log.Info().Str("role_id", roleID).Str("permission", name).Msg("Permission revoked from role")
	return nil
}

// AssignRole assigns a role to a user
func (s *RoleService) AssignRole(ctx context.Context, userID, roleID, assignedBy string) error {
	s.log.Info().
		Str("user_id", userID).
		Str("role_id", roleID).
		Msg("Assigning role to user")

	if err := s.roles.AssignToUser(ctx, userID, roleID, assignedBy); err != nil {
		s.log.Error().Err(err).Msg("Failed to assign role")
		return storeErr("assign role", err)
	}
	s.permissions.Invalidate(ctx, userID)

	s.log.Info().
		Str("user_id", userID).
		Str("role_id", roleID).
		Msg("Role assigned successfully")
	return nil
}

// UnassignRole removes a role from a user
func (s *RoleService) UnassignRole(ctx context.Context, userID, roleID string) error {
	s.log.Info().
		Str("user_id", userID).
		Str("role_id", roleID).
		Msg("Unassigning role from user")

	if err := s.roles.UnassignFromUser(ctx, userID, roleID); err != nil {
		s.log.Error().Err(err).Msg("Failed to unassign role")
		return storeErr("unassign role", err)
	}
	s.permissions.Invalidate(ctx, userID)

	s.log.Info().
		Str("user_id", userID).
		Str("role_id", roleID).
		Msg("Role unassigned successfully")
	return nil
}

type OverrideRequest struct {
	UserID     string
	Permission string
	Grant      bool
	ExpiresAt  *time.Time
	Reason     string
	CreatedBy  string
}

// SetOverride grants or denies one permission to one user, replacing any
// existing override for that permission
func (s *RoleService) SetOverride(ctx context.Context, req *OverrideRequest) (*repository.PermissionOverride, error) {
	if err := s.checkNames(req.Permission); err != nil {
		return nil, err
	}
	now := s.opts.now()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: override expiry is in the past", ErrInvalidArgument)
	}

	o := &repository.PermissionOverride{
		UserID:     req.UserID,
		Permission: req.Permission,
		Grant:      req.Grant,
		ExpiresAt:  req.ExpiresAt,
		Reason:     optional(req.Reason),
		CreatedAt:  now,
		CreatedBy:  optional(req.CreatedBy),
	}
	if err := s.roles.UpsertOverride(ctx, o); err != nil {
		return nil, storeErr("set permission override", err)
	}
	s.permissions.Invalidate(ctx, req.UserID)

	s.log.Info().
		Str("user_id", req.UserID).
		Str("permission", req.Permission).
		Bool("grant", req.Grant).
		Msg("Permission override set")
	return o, nil
}

// RemoveOverride deletes a user's override for a permission
func (s *RoleService) RemoveOverride(ctx context.Context, userID, name string) error {
	if err := s.roles.DeleteOverride(ctx, userID, name); err != nil {
		return storeErr("remove permission override", err)
	}
	s.permissions.Invalidate(ctx, userID)
	return nil
}

// ValidateCatalog fails when any stored grant or override names a
// permission missing from the catalog
func (s *RoleService) ValidateCatalog(ctx context.Context) error {
	names, err := s.roles.ReferencedPermissions(ctx)
	if err != nil {
		return storeErr("list referenced permissions", err)
	}
	if err := s.catalog.Validate(names...); err != nil {
		return fmt.Errorf("%w: %w", ErrUnknownPermission, err)
	}
	return nil
}

func (s *RoleService) checkNames(names ...string) error {
	if err := s.catalog.Validate(names...); err != nil {
		return fmt.Errorf("%w: %w", ErrUnknownPermission, err)
	}
	return nil
}
