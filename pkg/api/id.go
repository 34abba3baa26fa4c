package api

import "github.com/google/uuid"

// NewRequestID generates a new request identifier (random UUID, version 4).
func NewRequestID() string {
	return uuid.NewString()
}

// ValidateRequestID checks whether id is a well-formed request identifier.
func ValidateRequestID(id string) bool {
	u, err := uuid.Parse(id)
	if err != nil {
		return false
	}
	return u.Version() == 4 && len(id) == 36
}
