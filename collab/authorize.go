package collab

import "strings"

type Role string

const (
	RoleViewer  Role = "viewer"
	RoleEditor  Role = "editor"
	RoleCreator Role = "creator"
)

// ParseRole accepts the three role names case-insensitively. An empty string
// yields the default viewer role.
func ParseRole(s string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case "", RoleViewer:
		return RoleViewer, true
	case RoleEditor:
		return RoleEditor, true
	case RoleCreator:
		return RoleCreator, true
	}
	return "", false
}

type Action int

const (
	// ActionNavigate covers moving the shared slide pointer.
	ActionNavigate Action = iota
	// ActionEditContent covers element mutations and slide restyling.
	ActionEditContent
	// ActionManageSlides covers adding and removing slides.
	ActionManageSlides
	// ActionChangeRole covers changing another participant's role.
	ActionChangeRole
)

func (a Action) String() string {
	switch a {
	case ActionNavigate:
		return "navigate"
	case ActionEditContent:
		return "edit_content"
	case ActionManageSlides:
		return "manage_slides"
	case ActionChangeRole:
		return "change_role"
	}
	return "unknown"
}

// Authorize is the single permission policy shared by the dispatcher and the
// REST handlers.
func Authorize(role Role, action Action) bool {
	switch action {
	case ActionNavigate:
		return role == RoleViewer || role == RoleEditor || role == RoleCreator
	case ActionEditContent:
		return role == RoleEditor || role == RoleCreator
	case ActionManageSlides, ActionChangeRole:
		return role == RoleCreator
	}
	return false
}
