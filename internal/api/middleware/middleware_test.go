package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/cmdb-studio/relgraph/pkg/logger"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	if _, err := logger.Init("info", "json"); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	os.Exit(m.Run())
}

var secret = []byte("test-secret")

func sign(t *testing.T, method jwt.SigningMethod, key any, claims Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func validClaims(sub uint) Claims {
	return Claims{
		Role:    "user",
		Scope:   "department",
		DeptIDs: []uint{3, 4},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(uint64(sub), 10),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func TestAuthPlacesPrincipal(t *testing.T) {
	var got Principal
	h := Auth(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = GetPrincipal(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+sign(t, jwt.SigningMethodHS256, secret, validClaims(17)))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, uint(17), got.UserID)
	require.Equal(t, "department", got.Scope)
	require.Equal(t, []uint{3, 4}, got.DepartmentIDs)
	require.False(t, got.IsAdmin())
}

func TestAuthRejects(t *testing.T) {
	h := Auth(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	expired := validClaims(1)
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	noExp := validClaims(1)
	noExp.ExpiresAt = nil
	badSub := validClaims(1)
	badSub.Subject = "alice"

	cases := map[string]string{
		"missing":    "",
		"not bearer": "Basic abc",
		"wrong key":  "Bearer " + sign(t, jwt.SigningMethodHS256, []byte("other"), validClaims(1)),
		"wrong alg":  "Bearer " + sign(t, jwt.SigningMethodHS512, secret, validClaims(1)),
		"expired":    "Bearer " + sign(t, jwt.SigningMethodHS256, secret, expired),
		"no expiry":  "Bearer " + sign(t, jwt.SigningMethodHS256, secret, noExp),
		"bad sub":    "Bearer " + sign(t, jwt.SigningMethodHS256, secret, badSub),
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			require.Equal(t, http.StatusUnauthorized, rr.Code)
		})
	}
}

func TestRequestIDPropagates(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, "abc", seen)
	require.Equal(t, "abc", rr.Header().Get("X-Request-ID"))

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Len(t, seen, 36)

	for _, bad := range []string{"has space", "tab\there", strings.Repeat("x", 129)} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", bad)
		h.ServeHTTP(httptest.NewRecorder(), req)
		require.NotEqual(t, bad, seen)
		require.Len(t, seen, 36)
	}
}

func TestLoggerFromOutsideRequest(t *testing.T) {
	require.Same(t, logger.L(), LoggerFrom(context.Background()))
}

func TestCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	do := func(h http.Handler, method, origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, "/", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	open := CORS(nil)(next)
	rr := do(open, http.MethodGet, "https://a.example.com")
	require.Equal(t, http.StatusTeapot, rr.Code)
	require.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, http.StatusNoContent, do(open, http.MethodOptions, "https://a.example.com").Code)

	listed := CORS([]string{"https://a.example.com"})(next)
	rr = do(listed, http.MethodGet, "https://a.example.com")
	require.Equal(t, "https://a.example.com", rr.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "Origin", rr.Header().Get("Vary"))

	rr = do(listed, http.MethodGet, "https://b.example.com")
	require.Equal(t, http.StatusTeapot, rr.Code, "simple requests pass; the browser enforces the missing header")
	require.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, http.StatusForbidden, do(listed, http.MethodOptions, "https://b.example.com").Code)
}

func TestRecoveryReturns500(t *testing.T) {
	h := Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestRateLimitPerIP(t *testing.T) {
	h := RateLimit(0.001, 2)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	do := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = ip + ":1234"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}
	require.Equal(t, http.StatusOK, do("10.0.0.1"))
	require.Equal(t, http.StatusOK, do("10.0.0.1"))
	require.Equal(t, http.StatusTooManyRequests, do("10.0.0.1"))
	require.Equal(t, http.StatusOK, do("10.0.0.2"))
}
