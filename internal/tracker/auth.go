package tracker

import (
	"fmt"
	"net/http"
)

// Authenticator applies authentication to requests.
type Authenticator interface {
	Apply(req *http.Request) error
}

// TokenAuth sends a personal API token verbatim in the Authorization header.
type TokenAuth struct {
	Token string
}

func (a *TokenAuth) Apply(req *http.Request) error {
	if a.Token == "" {
		return fmt.Errorf("no API token configured")
	}
	req.Header.Set("Authorization", a.Token)
	return nil
}

// BearerAuth implements Authenticator with an OAuth 2.0 bearer token.
type BearerAuth struct {
	AccessToken string
	onRefresh   func() (string, error)
}

// NewBearerAuth creates a bearer authenticator. refreshFn may be nil.
func NewBearerAuth(accessToken string, refreshFn func() (string, error)) *BearerAuth {
	return &BearerAuth{AccessToken: accessToken, onRefresh: refreshFn}
}

func (o *BearerAuth) Apply(req *http.Request) error {
	if o.AccessToken == "" {
		if o.onRefresh == nil {
			return fmt.Errorf("no access token available")
		}
		token, err := o.onRefresh()
		if err != nil {
			return fmt.Errorf("refreshing token: %w", err)
		}
		o.AccessToken = token
	}
	req.Header.Set("Authorization", "Bearer "+o.AccessToken)
	return nil
}
