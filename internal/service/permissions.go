package service

import (
	"context"
	"sort"
	"time"

	"github.com/pesio-ai/be-edu-identity/pkg/logger"
)

// PermissionResolver computes effective permissions:
// (role grants ∪ granting overrides) − denying overrides, expired overrides ignored.
// Without a cache every call reads the store.
type PermissionResolver struct {
	store PermissionStore
	cache PermissionCache
	log   *logger.Logger
	opts  options
}

// NewPermissionResolver builds a resolver; cache may be nil
func NewPermissionResolver(store PermissionStore, cache PermissionCache, log *logger.Logger, opts ...Option) *PermissionResolver {
	return &PermissionResolver{
		store: store,
		cache: cache,
		log:   log,
		opts:  buildOptions(opts),
	}
}

// EffectivePermissions returns the sorted permission names userID holds now
func (r *PermissionResolver) EffectivePermissions(ctx context.Context, userID string) ([]string, error) {
	var stamp string
	if r.cache != nil {
		perms, s, ok, err := r.cache.Get(ctx, userID)
		if err != nil {
			r.log.Warn().Err(err).Str("user_id", userID).Msg("Permission cache read failed")
		} else if ok {
			return perms, nil
		}
		stamp = s
	}

	perms, maxAge, err := r.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}

	if stamp != "" {
		if err := r.cache.Set(ctx, userID, stamp, perms, maxAge); err != nil {
			r.log.Warn().Err(err).Str("user_id", userID).Msg("Permission cache write failed")
		}
	}
	return perms, nil
}

// HasPermission is an exact, case-sensitive membership test
func (r *PermissionResolver) HasPermission(ctx context.Context, userID, name string) (bool, error) {
	perms, err := r.EffectivePermissions(ctx, userID)
	if err != nil {
		return false, err
	}
	i := sort.SearchStrings(perms, name)
	return i < len(perms) && perms[i] == name, nil
}

// resolve reads the store. maxAge is the time until the earliest live
// override expires, or zero when none expires.
func (r *PermissionResolver) resolve(ctx context.Context, userID string) ([]string, time.Duration, error) {
	rolePerms, err := r.store.RolePermissions(ctx, userID)
	if err != nil {
		return nil, 0, storeErr("load role permissions", err)
	}
	overrides, err := r.store.Overrides(ctx, userID)
	if err != nil {
		return nil, 0, storeErr("load permission overrides", err)
	}

	now := r.opts.now()
	set := make(map[string]struct{}, len(rolePerms))
	for _, p := range rolePerms {
		set[p] = struct{}{}
	}

	var maxAge time.Duration
	denied := make(map[string]struct{})
	for _, o := range overrides {
		if !o.ActiveAt(now) {
			continue
		}
		if o.ExpiresAt != nil {
			if left := o.ExpiresAt.Sub(now); maxAge == 0 || left < maxAge {
				maxAge = left
			}
		}
		if o.Grant {
			set[o.Permission] = struct{}{}
		} else {
			denied[o.Permission] = struct{}{}
		}
	}
	for p := range denied {
		delete(set, p)
	}

	perms := make([]string, 0, len(set))
	for p := range set {
		perms = append(perms, p)
	}
	sort.Strings(perms)
	return perms, maxAge, nil
}

// Invalidate drops cached entries for userID, or every entry when userID is empty
func (r *PermissionResolver) Invalidate(ctx context.Context, userID string) {
	if r.cache == nil {
		return
	}
	var err error
	if userID == "" {
		err = r.cache.InvalidateAll(ctx)
	} else {
		err = r.cache.Invalidate(ctx, userID)
	}
	if err != nil {
		r.log.Error().Err(err).Str("user_id", userID).Msg("Permission cache invalidation failed")
	}
}
