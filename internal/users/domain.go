package users

import "time"

// User represents an administrable account. Credentials are managed by the
// upstream identity provider; the hash is only kept for bootstrap logins.
type User struct {
	ID        int64     `json:"id"`
	TenantID  int64     `json:"tenantId"`
	Email     string    `json:"email"`
	FullName  string    `json:"fullName"`
	CreatedAt time.Time `json:"createdAt"`
}
