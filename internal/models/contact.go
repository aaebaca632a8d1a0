package models

import (
	"strconv"
	"time"
)

// Contact is a cached MAX user profile used for sender name resolution.
type Contact struct {
	UserID      int64     `json:"user_id"`
	DisplayName string    `json:"display_name"`
	CachedAt    time.Time `json:"cached_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Label returns the best available label for the contact, falling back to
// the numeric user ID when no name was resolved.
func (c *Contact) Label() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return strconv.FormatInt(c.UserID, 10)
}
