package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type principalKeyType string

const PrincipalKey principalKeyType = "principal"

// Principal is the authenticated caller as stated by the token issuer.
type Principal struct {
	UserID        uint
	Role          string
	Scope         string
	DepartmentIDs []uint
}

// IsAdmin reports whether the caller bypasses data scoping.
func (p Principal) IsAdmin() bool { return p.Role == "admin" }

// Claims are the token claims understood by the service. dept_ids is the
// caller's department set with children already expanded.
type Claims struct {
	Role    string `json:"role"`
	Scope   string `json:"scope"`
	DeptIDs []uint `json:"dept_ids"`
	jwt.RegisteredClaims
}

// Auth validates a Bearer HS256 JWT and puts the caller's Principal in the context.
func Auth(hmacSecret []byte) func(http.Handler) http.Handler {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ah := r.Header.Get("Authorization")
			if !strings.HasPrefix(strings.ToLower(ah), "bearer ") {
				unauthorized(w)
				return
			}
			tokenStr := strings.TrimSpace(ah[len("Bearer "):])
			var claims Claims
			token, err := parser.ParseWithClaims(tokenStr, &claims, func(*jwt.Token) (interface{}, error) {
				return hmacSecret, nil
			})
			if err != nil || !token.Valid {
				unauthorized(w)
				return
			}
			uid, err := strconv.ParseUint(claims.Subject, 10, 64)
			if err != nil {
				unauthorized(w)
				return
			}
			p := Principal{UserID: uint(uid), Role: claims.Role, Scope: claims.Scope, DepartmentIDs: claims.DeptIDs}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"success":false,"error":{"code":"unauthorized","message":"missing or invalid token"}}`))
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, PrincipalKey, p)
}

// GetPrincipal returns the caller, or the zero Principal when unauthenticated.
func GetPrincipal(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(PrincipalKey).(Principal)
	return p, ok
}
