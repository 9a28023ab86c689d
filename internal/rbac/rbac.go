package rbac

type Role string
type Action string

const (
	RoleReader Role = "reader"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

const (
	ActionRead     Action = "read"
	ActionWrite    Action = "write"
	ActionModerate Action = "moderate"
	ActionAdmin    Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionWrite
	case RoleReader:
		return action == ActionRead
	default:
		return false
	}
}

// Allowed reports whether any of the roles permits the action.
// Users with no granted roles still get reader access.
func Allowed(roles []string, action Action) bool {
	if len(roles) == 0 {
		return Can(RoleReader, action)
	}
	for _, role := range roles {
		if Can(Normalize(role), action) {
			return true
		}
	}
	return false
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleReader, RoleEditor, RoleAdmin:
		return Role(role)
	default:
		return RoleReader
	}
}
