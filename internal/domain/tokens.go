package domain

// TokenPair is always stored and read as a whole. Both halves are opaque.
type TokenPair struct {
	Access  string `json:"access_token"`
	Refresh string `json:"refresh_token"`
}

func (p TokenPair) IsEmpty() bool {
	return p.Access == "" || p.Refresh == ""
}
