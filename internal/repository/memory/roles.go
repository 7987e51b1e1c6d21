package memory

import (
	"context"
	"sort"
	"time"

	"github.com/pesio-ai/be-edu-identity/internal/repository"
)

// Roles is the role, grant and override view of a Store
type Roles struct{ s *Store }

func (r *Roles) Create(_ context.Context, role *repository.Role) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, other := range r.s.roles {
		if other.Name == role.Name && sameEntity(other.EntityID, role.EntityID) {
			return repository.ErrConflict
		}
	}
	if role.ID == "" {
		role.ID = newID()
	}
	role.CreatedAt = time.Now()
	role.UpdatedAt = role.CreatedAt

	c := *role
	r.s.roles[role.ID] = &c
	return nil
}

func sameEntity(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (r *Roles) GetByID(_ context.Context, id string) (*repository.Role, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	role, ok := r.s.roles[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *role
	return &c, nil
}

func (r *Roles) SetActive(_ context.Context, id string, active bool, updatedBy string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	role, ok := r.s.roles[id]
	if !ok {
		return repository.ErrNotFound
	}
	role.IsActive = active
	role.UpdatedAt = time.Now()
	if updatedBy != "" {
		role.UpdatedBy = &updatedBy
	}
	return nil
}

func (r *Roles) List(_ context.Context, entityID *string, activeOnly bool) ([]*repository.Role, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var roles []*repository.Role
	for _, role := range r.s.roles {
		if role.EntityID != nil && (entityID == nil || *role.EntityID != *entityID) {
			continue
		}
		if activeOnly && !role.IsActive {
			continue
		}
		c := *role
		roles = append(roles, &c)
	}
	sort.Slice(roles, func(i, j int) bool {
		if roles[i].RoleType != roles[j].RoleType {
			return roles[i].RoleType < roles[j].RoleType
		}
		return roles[i].Name < roles[j].Name
	})
	return roles, nil
}

func (r *Roles) GrantPermission(_ context.Context, roleID, permission, grantedBy string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.roles[roleID]; !ok {
		return repository.ErrNotFound
	}
	perms, ok := r.s.rolePerms[roleID]
	if !ok {
		perms = make(map[string]*repository.RolePermission)
		r.s.rolePerms[roleID] = perms
	}
	if _, dup := perms[permission]; dup {
		return repository.ErrConflict
	}
	rp := &repository.RolePermission{RoleID: roleID, Permission: permission, GrantedAt: time.Now()}
	if grantedBy != "" {
		rp.GrantedBy = &grantedBy
	}
	perms[permission] = rp
	return nil
}

func (r *Roles) RevokePermission(_ context.Context, roleID, permission string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.rolePerms[roleID][permission]; !ok {
		return repository.ErrNotFound
	}
	delete(r.s.rolePerms[roleID], permission)
	return nil
}

func (r *Roles) AssignToUser(_ context.Context, userID, roleID, assignedBy string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.users[userID]; !ok {
		return repository.ErrNotFound
	}
	if _, ok := r.s.roles[roleID]; !ok {
		return repository.ErrNotFound
	}

	key := userRole{userID: userID, roleID: roleID}
	if a, ok := r.s.assignments[key]; ok {
		a.IsActive = true
		return nil
	}
	a := &repository.RoleAssignment{UserID: userID, RoleID: roleID, IsActive: true, AssignedAt: time.Now()}
	if assignedBy != "" {
		a.AssignedBy = &assignedBy
	}
	r.s.assignments[key] = a
	return nil
}

func (r *Roles) UnassignFromUser(_ context.Context, userID, roleID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	a, ok := r.s.assignments[userRole{userID: userID, roleID: roleID}]
	if !ok || !a.IsActive {
		return repository.ErrNotFound
	}
	a.IsActive = false
	return nil
}

// activeRoles lists roles reachable through active assignments of active roles
func (r *Roles) activeRoles(userID string) []*repository.Role {
	var roles []*repository.Role
	for key, a := range r.s.assignments {
		if key.userID != userID || !a.IsActive {
			continue
		}
		if role, ok := r.s.roles[key.roleID]; ok && role.IsActive {
			roles = append(roles, role)
		}
	}
	return roles
}

func (r *Roles) RoleNames(_ context.Context, userID string) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	names := make(map[string]struct{})
	for _, role := range r.activeRoles(userID) {
		names[role.Name] = struct{}{}
	}
	return sortedKeys(names), nil
}

func (r *Roles) RolePermissions(_ context.Context, userID string) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	perms := make(map[string]struct{})
	for _, role := range r.activeRoles(userID) {
		for p := range r.s.rolePerms[role.ID] {
			perms[p] = struct{}{}
		}
	}
	return sortedKeys(perms), nil
}

func (r *Roles) PermissionsOfRole(_ context.Context, roleID string) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	perms := make(map[string]struct{})
	for p := range r.s.rolePerms[roleID] {
		perms[p] = struct{}{}
	}
	return sortedKeys(perms), nil
}

func (r *Roles) Overrides(_ context.Context, userID string) ([]*repository.PermissionOverride, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []*repository.PermissionOverride
	for key, o := range r.s.overrides {
		if key.userID == userID {
			c := *o
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *Roles) UpsertOverride(_ context.Context, o *repository.PermissionOverride) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.users[o.UserID]; !ok {
		return repository.ErrNotFound
	}
	key := overrideKey{userID: o.UserID, permission: o.Permission}
	if cur, ok := r.s.overrides[key]; ok {
		o.ID = cur.ID
	} else if o.ID == "" {
		o.ID = newID()
	}
	c := *o
	r.s.overrides[key] = &c
	return nil
}

func (r *Roles) DeleteOverride(_ context.Context, userID, permission string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	key := overrideKey{userID: userID, permission: permission}
	if _, ok := r.s.overrides[key]; !ok {
		return repository.ErrNotFound
	}
	delete(r.s.overrides, key)
	return nil
}

func (r *Roles) ReferencedPermissions(_ context.Context) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	names := make(map[string]struct{})
	for _, perms := range r.s.rolePerms {
		for p := range perms {
			names[p] = struct{}{}
		}
	}
	for key := range r.s.overrides {
		names[key.permission] = struct{}{}
	}
	return sortedKeys(names), nil
}
