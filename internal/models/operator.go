package models

// Operator is the single API account, seeded from configuration at startup.
type Operator struct {
	ID           int    `json:"id"`
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
}
