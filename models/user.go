package models

// Role names a set of permissions carried in a token.
type Role = string

const (
	RoleAdmin  Role = "admin"
	RoleUser   Role = "user"
	RoleViewer Role = "viewer"
	RoleAgent  Role = "agent"
)

// Requester is the identity on whose behalf an operation runs.
type Requester struct {
	Username string `json:"username"`
	Roles    []Role `json:"roles"`

	// TokenID identifies the credential used, recorded on allocation
	TokenID string `json:"token_id,omitempty"`
}

// HasRole reports whether the requester carries role.
func (r Requester) HasRole(role Role) bool {
	return containsString(r.Roles, role)
}

// IsAdmin reports whether the requester holds elevated privilege.
func (r Requester) IsAdmin() bool {
	return r.HasRole(RoleAdmin)
}

// CanEdit reports whether the requester may change an owned machine.
// Unowned machines are editable only by admins.
func (r Requester) CanEdit(m *Machine) bool {
	if r.IsAdmin() {
		return true
	}
	return m.Owner != "" && m.Owner == r.Username
}
