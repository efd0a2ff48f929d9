package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// SessionSeparator joins the username and conversation number of a session identifier.
const SessionSeparator = "_"

// SessionKey names one conversation: the owning username and its conversation number.
type SessionKey struct {
	Username     string `json:"username"`
	Conversation int64  `json:"conversation"`
}

// ParseSessionKey splits raw on the first underscore. The username part must be
// non-empty and the remainder must be a non-negative decimal integer. Any other
// shape yields ErrMalformedIdentifier.
func ParseSessionKey(raw string) (SessionKey, error) {
	username, number, found := strings.Cut(raw, SessionSeparator)
	if !found || username == "" || number == "" {
		return SessionKey{}, fmt.Errorf("%w: %q", ErrMalformedIdentifier, raw)
	}
	for i := 0; i < len(number); i++ {
		if number[i] < '0' || number[i] > '9' {
			return SessionKey{}, fmt.Errorf("%w: %q", ErrMalformedIdentifier, raw)
		}
	}
	n, err := strconv.ParseInt(number, 10, 64)
	if err != nil {
		return SessionKey{}, fmt.Errorf("%w: %q", ErrMalformedIdentifier, raw)
	}
	return SessionKey{Username: username, Conversation: n}, nil
}

// String encodes the key in its wire form.
func (k SessionKey) String() string {
	return k.Username + SessionSeparator + strconv.FormatInt(k.Conversation, 10)
}
