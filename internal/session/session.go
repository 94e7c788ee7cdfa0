// Package session tracks who is signed in. A Session is created by Login,
// travels in the request context, and ends with Logout or when it expires.
package session

import (
	"context"
	"time"
)

// Session is the resolved identity of a request. Phone is the partition key
// of the user's transactions.
type Session struct {
	ID        string    `json:"-"`
	Phone     string    `json:"phone"`
	Locale    string    `json:"locale"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Dir is the text direction of the session locale.
func (s Session) Dir() string {
	return Dir(s.Locale)
}

type contextKey struct{}

// WithSession returns a copy of ctx carrying s.
func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext returns the session stored by WithSession.
func FromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(contextKey{}).(Session)
	return s, ok
}
