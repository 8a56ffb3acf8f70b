package domain

type User struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	Email        string `json:"email"`
	AuthProvider string `json:"auth_provider"`
}

type AuthResult struct {
	Tokens TokenPair
	User   User
}
