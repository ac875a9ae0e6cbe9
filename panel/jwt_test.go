package panel

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	gojwt "github.com/golang-jwt/jwt/v5"
)

func TestParseAccessTokenUnverified(t *testing.T) {
	expires := time.Now().Add(time.Hour).Truncate(time.Second)
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"sub": "u1",
		"iss": "panel",
		"exp": expires.Unix(),
	})
	// the client does not hold the signing key
	signed, err := token.SignedString([]byte("server secret"))
	assert.Equal(t, err, nil)

	accessToken, err := ParseAccessTokenUnverified(signed)
	assert.Equal(t, err, nil)
	assert.Equal(t, accessToken.Subject, "u1")
	assert.Equal(t, accessToken.Issuer, "panel")
	assert.Equal(t, accessToken.Expires.Equal(expires), true)

	expiresIn, ok := accessToken.ExpiresIn(expires.Add(-time.Minute))
	assert.Equal(t, ok, true)
	assert.Equal(t, expiresIn, time.Minute)

	forever, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{"sub": "u2"}).SignedString([]byte("k"))
	assert.Equal(t, err, nil)
	accessToken, err = ParseAccessTokenUnverified(forever)
	assert.Equal(t, err, nil)
	_, ok = accessToken.ExpiresIn(time.Now())
	assert.Equal(t, ok, false)

	_, err = ParseAccessTokenUnverified("not a token")
	assert.NotEqual(t, err, nil)
}
