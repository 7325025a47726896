package service

// Role is the authority an actor acts with
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
	RoleSystem   Role = "system"
	RoleGateway  Role = "gateway"
)

// Actor identifies who triggered an operation. It is recorded in the audit trail.
type Actor struct {
	ID   string
	Role Role
}

var (
	SystemActor  = Actor{ID: "system", Role: RoleSystem}
	GatewayActor = Actor{ID: "gateway", Role: RoleGateway}
)

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

func (a Actor) String() string {
	if a.ID == "" || a.ID == string(a.Role) {
		return string(a.Role)
	}
	return string(a.Role) + ":" + a.ID
}
