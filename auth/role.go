package auth

// A Role is the closed set of privilege levels an authenticated identity can
// hold. Roles replace ad hoc string comparisons: permission checks go
// through the explicit bit set below and nothing else.
type Role int

const (
	RoleNone Role = iota
	RoleRestricted
	RoleView
	RoleLocal
	RoleUser
	RoleAdmin
	RoleRoot
)

// Permission bits checked by owner-scoped operations.
type Permission uint16

const (
	PermView Permission = 1 << iota
	PermReadOwn
	PermWriteOwn
	PermRegister
	PermManageUsers
	PermManageServer
)

var rolePermissions = map[Role]Permission{
	RoleNone:       0,
	RoleRestricted: PermView,
	RoleView:       PermView | PermReadOwn,
	RoleLocal:      PermView | PermReadOwn | PermWriteOwn,
	RoleUser:       PermView | PermReadOwn | PermWriteOwn | PermRegister,
	RoleAdmin: PermView | PermReadOwn | PermWriteOwn | PermRegister |
		PermManageUsers,
	RoleRoot: PermView | PermReadOwn | PermWriteOwn | PermRegister |
		PermManageUsers | PermManageServer,
}

// HasPermission reports whether the role's permission set includes every bit
// in p.
func (r Role) HasPermission(p Permission) bool {
	return rolePermissions[r]&p == p
}

func (r Role) String() string {
	switch r {
	case RoleNone:
		return "none"
	case RoleRestricted:
		return "restricted"
	case RoleView:
		return "view"
	case RoleLocal:
		return "local"
	case RoleUser:
		return "user"
	case RoleAdmin:
		return "admin"
	case RoleRoot:
		return "root"
	}
	return "unknown"
}
