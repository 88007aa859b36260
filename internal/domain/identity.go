package domain

type UserID string

// Identity is what a verified token resolves to. The zero value is the
// anonymous identity.
type Identity struct {
	UserID      UserID
	DisplayName string
}

var Anonymous = Identity{}

func (i Identity) IsAnonymous() bool { return i.UserID == "" }
