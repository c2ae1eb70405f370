package model

import "github.com/google/uuid"

// Role identifiers consumed by the stage policy. The identity system owns them;
// the workflow only matches them as opaque strings.
const (
	RoleStaff              = "staff"
	RoleHeadOfDepartment   = "head_of_department"
	RoleDivisionalDirector = "divisional_director"
	RoleICTDirector        = "ict_director"
	RoleHeadOfIT           = "head_of_it"
	RoleICTOfficer         = "ict_officer"
	RoleAdmin              = "admin"
)

// ActorContext is the caller identity handed to the workflow by the HTTP layer.
type ActorContext struct {
	ID         uuid.UUID
	Roles      map[string]bool
	Department string
	Phone      string
}

// NewActor builds an ActorContext holding the given roles.
func NewActor(id uuid.UUID, roles ...string) ActorContext {
	set := make(map[string]bool, len(roles))
	for _, r := range roles {
		if r != "" {
			set[r] = true
		}
	}
	return ActorContext{ID: id, Roles: set}
}

// HasRole reports whether the actor holds role.
func (a ActorContext) HasRole(role string) bool {
	return a.Roles[role]
}
