// Package auth resolves the authenticated session a sync runs under.
//
// Token acquisition and refresh live outside cloudsync; this package only
// reads sessions written by a login flow and decides whether they are usable.
package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Session binds a profile to a provider kind and its credentials.
type Session struct {
	ProfileID string        `json:"profile_id"`
	Provider  string        `json:"provider"`
	ExpiresAt time.Time     `json:"expires_at,omitzero"`
	Token     *oauth2.Token `json:"token,omitempty"`
}

// Valid reports whether the session can be used at now.
func (s *Session) Valid(now time.Time) bool {
	if s == nil || strings.TrimSpace(s.Provider) == "" {
		return false
	}
	if !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt) {
		return false
	}
	if s.Token != nil && strings.TrimSpace(s.Token.AccessToken) == "" {
		return false
	}
	if s.Token != nil && !s.Token.Expiry.IsZero() && !now.Before(s.Token.Expiry) {
		return false
	}
	return true
}

// TokenSource returns a static source over the session token, nil when the
// session carries none.
func (s *Session) TokenSource() oauth2.TokenSource {
	if s == nil || s.Token == nil {
		return nil
	}
	return oauth2.StaticTokenSource(s.Token)
}

// HTTPClient returns a client that authorizes requests with the session
// token, or http.DefaultClient when there is no token.
func (s *Session) HTTPClient(ctx context.Context) *http.Client {
	ts := s.TokenSource()
	if ts == nil {
		return http.DefaultClient
	}
	return oauth2.NewClient(ctx, ts)
}

// Source looks up the current session for a profile. A nil session with a nil
// error means the profile has never logged in.
type Source interface {
	Session(ctx context.Context, profileID string) (*Session, error)
}

// StaticSource serves fixed sessions keyed by profile.
type StaticSource map[string]*Session

// Session implements Source.
func (s StaticSource) Session(_ context.Context, profileID string) (*Session, error) {
	return s[profileID], nil
}
