package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// RoleAdmin is the role required by /api/admin.
const RoleAdmin = "admin"

// Claims are the JWT claims accepted by the admin API.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// ParseToken validates an HS256 token and returns its claims. Expiry is
// enforced by the parser.
func ParseToken(tokenString string, secret []byte) (*Claims, error) {
	if tokenString == "" {
		return nil, errors.New("auth: empty token")
	}
	if len(secret) == 0 {
		return nil, errors.New("auth: empty secret")
	}

	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &Claims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("auth: invalid signing method")
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("auth: invalid token")
	}
	return claims, nil
}

// RequireAdmin rejects requests without a valid bearer token carrying the
// admin role: 401 for a missing or invalid token, 403 for another role.
// An empty secret disables the check.
func RequireAdmin(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(secret) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok {
				writeError(w, http.StatusUnauthorized, "missing bearer token", nil)
				return
			}
			claims, err := ParseToken(strings.TrimSpace(raw), secret)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token", err)
				return
			}
			if !strings.EqualFold(claims.Role, RoleAdmin) {
				writeError(w, http.StatusForbidden, "admin role required", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
