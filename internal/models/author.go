package models

// AdminUsername marks messages authored by the room administrator.
const AdminUsername = "ADMIN"

// Role describes the author of a message relative to the viewer.
type Role int

const (
	RoleOther Role = iota
	RoleSelf
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleSelf:
		return "self"
	case RoleAdmin:
		return "admin"
	default:
		return "other"
	}
}

// RoleOf classifies msg for viewerID. Own messages are self even when the
// viewer is the administrator.
func RoleOf(msg Message, viewerID string) Role {
	switch {
	case viewerID != "" && msg.AuthorID == viewerID:
		return RoleSelf
	case msg.AuthorUsername == AdminUsername:
		return RoleAdmin
	default:
		return RoleOther
	}
}

// DisplayName is the author label shown for msg.
func DisplayName(role Role, msg Message) string {
	if role == RoleSelf {
		return "You"
	}
	return msg.AuthorUsername
}

// Alignment places own messages at the end edge and others at the start.
func Alignment(role Role) string {
	if role == RoleSelf {
		return "end"
	}
	return "start"
}

// CanManage reports whether the viewer gets the message options menu.
func CanManage(role Role) bool {
	return role == RoleSelf
}

// Accent names the palette entry used for the message bubble.
func Accent(role Role) string {
	switch role {
	case RoleSelf:
		return "muted"
	case RoleAdmin:
		return "alert"
	default:
		return "primary"
	}
}
