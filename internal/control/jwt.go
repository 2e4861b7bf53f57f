package control

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// expiryLeeway is how long before a token's real expiry it is treated as
// "expiring soon", per spec.md §4.6.
const expiryLeeway = 5 * time.Minute

// tokenExpiry extracts the exp claim from a JWT without verifying its
// signature — the agent trusts the control plane that just issued it, it
// only needs to know when to refresh.
func tokenExpiry(tokenString string) (time.Time, error) {
	claims := jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, &claims); err != nil {
		return time.Time{}, fmt.Errorf("control: parse jwt: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, fmt.Errorf("control: jwt has no exp claim")
	}
	return claims.ExpiresAt.Time, nil
}

// expiringSoon reports whether expiry is within expiryLeeway of now, or is
// already past.
func expiringSoon(expiry time.Time, now time.Time) bool {
	if expiry.IsZero() {
		return true
	}
	return expiry.Sub(now) < expiryLeeway
}
