// Package domain contains core domain types for the keysearch service.
package domain

import (
	"regexp"
	"strconv"
	"time"
)

// VisitorPrefix is the username prefix of auto-provisioned anonymous accounts.
const VisitorPrefix = "visitor"

var visitorNamePattern = regexp.MustCompile(`^` + VisitorPrefix + `[0-9]+$`)

// User is a registered or visitor account.
type User struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Conversation is a numbered conversation owned by a user.
type Conversation struct {
	Username  string    `json:"username"`
	Number    int64     `json:"number"`
	CreatedAt time.Time `json:"created_at"`
}

// Key returns the session key that addresses the conversation.
func (c Conversation) Key() SessionKey {
	return SessionKey{Username: c.Username, Conversation: c.Number}
}

// VisitorName returns the system-generated username for visitor number n.
func VisitorName(n int64) string {
	return VisitorPrefix + strconv.FormatInt(n, 10)
}

// IsVisitorName reports whether name has the shape of a generated visitor account.
func IsVisitorName(name string) bool {
	return visitorNamePattern.MatchString(name)
}
