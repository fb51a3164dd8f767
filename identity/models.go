package identity

import "time"

type Role string

const (
	RoleInvestor Role = "investor"
	RoleIssuer   Role = "issuer"
	RoleArbiter  Role = "arbiter"

	// RoleSystem is assumed by internal workers (the settlement
	// coordinator, the default sweep). It is never issued in a token and
	// is rejected at registration.
	RoleSystem Role = "system"
)

// Actor is the caller identity every settlement operation is authorized
// against. It is the contract the rest of the application supplies; the
// engine never looks past UserID and Role.
type Actor struct {
	UserID string
	Role   Role
}

// User is the domain representation of an account known to the engine.
// It mirrors the users table and carries no JSON annotations so it can be
// reused by different presentation layers.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains account registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
