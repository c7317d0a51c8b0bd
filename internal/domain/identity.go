package domain

type Role string

const (
	RolePassenger Role = "passenger"
	RoleDriver    Role = "driver"
	RoleAdmin     Role = "admin"
)

// Identity: результат проверки токена при handshake.
type Identity struct {
	UserID string
	Role   Role
}

// CanPublishLocation: только водители и админы шлют координаты.
func (i Identity) CanPublishLocation() bool {
	return i.Role == RoleDriver || i.Role == RoleAdmin
}
