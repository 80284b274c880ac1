// Package authz answers role and permission questions for ERP users.
package authz

import (
	"context"
	"fmt"
	"slices"
)

const (
	// Superuser holds every role and permission.
	Superuser     = "Administrator"
	SystemManager = "System Manager"
)

// Port is the authorization surface used by the workflow engine.
type Port interface {
	HasRole(ctx context.Context, user, role string) (bool, error)
	HasPermission(ctx context.Context, user, resource, action string) (bool, error)
	Roles(ctx context.Context, user string) ([]string, error)
}

// RoleStore lists the roles granted to a user. Implemented by storage.Store.
type RoleStore interface {
	GetUserRoles(ctx context.Context, user string) ([]string, error)
}

// StoreAuthorizer implements Port over the user_roles table.
type StoreAuthorizer struct {
	store RoleStore
}

func NewStoreAuthorizer(store RoleStore) *StoreAuthorizer {
	return &StoreAuthorizer{store: store}
}

func (a *StoreAuthorizer) Roles(ctx context.Context, user string) ([]string, error) {
	roles, err := a.store.GetUserRoles(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("loading roles for %s: %w", user, err)
	}
	if user == Superuser && !slices.Contains(roles, Superuser) {
		roles = append(roles, Superuser)
	}
	return roles, nil
}

func (a *StoreAuthorizer) HasRole(ctx context.Context, user, role string) (bool, error) {
	if user == Superuser {
		return true, nil
	}
	roles, err := a.Roles(ctx, user)
	if err != nil {
		return false, err
	}
	return slices.Contains(roles, role), nil
}

// HasPermission grants every action to System Managers and to holders of
// "<resource> Manager". Any role at all grants read.
func (a *StoreAuthorizer) HasPermission(ctx context.Context, user, resource, action string) (bool, error) {
	if user == Superuser {
		return true, nil
	}
	roles, err := a.Roles(ctx, user)
	if err != nil {
		return false, err
	}
	if slices.Contains(roles, SystemManager) || slices.Contains(roles, resource+" Manager") {
		return true, nil
	}
	return action == "read" && len(roles) > 0, nil
}

// HasAnyRole reports whether user holds at least one of roles.
func HasAnyRole(ctx context.Context, p Port, user string, roles []string) (bool, error) {
	if user == Superuser {
		return true, nil
	}
	have, err := p.Roles(ctx, user)
	if err != nil {
		return false, err
	}
	for _, r := range roles {
		if slices.Contains(have, r) {
			return true, nil
		}
	}
	return false, nil
}
