package models

// Role separates ordinary users from the small set of trusted administrators.
type Role string

const (
	RoleOrdinary      Role = "ordinary"
	RoleAdministrator Role = "administrator"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleOrdinary || r == RoleAdministrator
}
