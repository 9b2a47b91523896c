package models

import (
	"context"

	"bitbucket.org/mmdatafocus/ledger_backend/utils"
)

// Actor is the pre-resolved identity every engine operation runs as.
// The HTTP layer resolves it from the jwt claims; the engine never
// touches sessions or tokens.
type Actor struct {
	Id   int      `json:"id"`
	Name string   `json:"name"`
	Role UserRole `json:"role"`
}

func (a Actor) IsAdmin() bool {
	return a.Role == UserRoleAdmin
}

// ActorFromContext builds the Actor from the auth middleware's context keys.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	id, ok := utils.GetUserIdFromContext(ctx)
	if !ok {
		return Actor{}, false
	}
	name, _ := utils.GetUserNameFromContext(ctx)
	role, _ := utils.GetUserRoleFromContext(ctx)
	return Actor{Id: id, Name: name, Role: UserRole(role)}, true
}
