package models

// Caller identifies who is making a request. UserID is set for authenticated
// users; anonymous callers only carry a SessionID.
type Caller struct {
	UserID    string
	SessionID string
}

func (c Caller) Anonymous() bool {
	return c.UserID == ""
}
