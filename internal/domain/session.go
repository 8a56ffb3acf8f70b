package domain

type Status int

const (
	StatusAnonymous Status = iota
	StatusAuthenticated
)

func (s Status) String() string {
	switch s {
	case StatusAuthenticated:
		return "authenticated"
	default:
		return "anonymous"
	}
}

type Session struct {
	Tokens TokenPair
	Status Status
}

func NewSession(tokens TokenPair) Session {
	if tokens.IsEmpty() {
		return Session{Status: StatusAnonymous}
	}
	return Session{Tokens: tokens, Status: StatusAuthenticated}
}
