package services

// Actor identifies the caller of an operation for audit fields.
type Actor struct {
	UserID string
	Role   string
}

var SystemActor = Actor{UserID: "system", Role: "system"}

func (a Actor) String() string {
	if a.UserID == "" {
		return "anonymous"
	}
	return a.UserID
}
