// Package auth centralizes actor capability checks so callers never
// self-police with scattered role string comparisons.
package auth

import (
	"fmt"

	"gatehouse/internal/config"
)

// Well-known roles.
const (
	RoleGuard    = "guard"
	RoleResident = "resident"
	RoleSystem   = "system"
	RoleAdmin    = "admin"
)

// Actor is the capability token every mutating engine operation receives.
type Actor struct {
	ID   string
	Role string
}

// ForbiddenError indicates the actor's role lacks a permission.
type ForbiddenError struct {
	Role       string
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("role %s lacks permission %s", e.Role, e.Permission)
}

// Service resolves permissions from the gate config's role table.
type Service struct {
	Roles map[string]config.Role
}

// NewService builds a Service, falling back to the default role table when
// the config does not define one.
func NewService(cfg *config.Config) Service {
	if cfg != nil && len(cfg.RBAC.Roles) > 0 {
		return Service{Roles: cfg.RBAC.Roles}
	}
	return Service{Roles: config.Default("default").RBAC.Roles}
}

// Require returns ForbiddenError unless the actor's role grants perm.
func (s Service) Require(actor Actor, perm string) error {
	if actor.ID == "" {
		return ForbiddenError{Role: actor.Role, Permission: perm}
	}
	role, ok := s.Roles[actor.Role]
	if !ok {
		return ForbiddenError{Role: actor.Role, Permission: perm}
	}
	for _, p := range role.Permissions {
		if p == perm {
			return nil
		}
	}
	return ForbiddenError{Role: actor.Role, Permission: perm}
}
