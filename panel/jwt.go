package panel

import (
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// claims the client reads from its access token.
// the server verifies the token, the client only needs the claims for scheduling
type AccessToken struct {
	Subject string
	Issuer  string
	// zero if the token does not expire
	Expires time.Time
}

func (self *AccessToken) ExpiresIn(now time.Time) (time.Duration, bool) {
	if self.Expires.IsZero() {
		return 0, false
	}
	return self.Expires.Sub(now), true
}

func ParseAccessTokenUnverified(accessToken string) (*AccessToken, error) {
	parser := gojwt.NewParser()
	claims := gojwt.MapClaims{}
	_, _, err := parser.ParseUnverified(accessToken, claims)
	if err != nil {
		return nil, err
	}

	token := &AccessToken{}
	if subject, err := claims.GetSubject(); err == nil {
		token.Subject = subject
	}
	if issuer, err := claims.GetIssuer(); err == nil {
		token.Issuer = issuer
	}
	if expires, err := claims.GetExpirationTime(); err == nil && expires != nil {
		token.Expires = expires.Time
	}
	return token, nil
}
