package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func runJWT(t *testing.T, header string) (Actor, bool, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	c := e.NewContext(req, httptest.NewRecorder())

	var got Actor
	var found bool
	h := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(func(c echo.Context) error {
		got, found = ActorFromContext(c.Request().Context())
		return nil
	})
	return got, found, h(c)
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	_, _, err := runJWT(t, "")
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	for _, header := range []string{"Token abc123", "Bearer", "Bearer ", "Basic dXNlcjpwYXNz"} {
		t.Run(header, func(t *testing.T) {
			_, _, err := runJWT(t, header)
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	staffID := uuid.New()
	token := createTestToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   staffID.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Name:  "Nurse Joy",
		Roles: []string{RoleNurse},
	}, testSigningKey)

	actor, found, err := runJWT(t, "Bearer "+token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found {
		t.Fatal("expected actor in context")
	}
	if actor.ID != staffID || actor.Name != "Nurse Joy" || !actor.HasRole(RoleNurse) {
		t.Errorf("unexpected actor: %+v", actor)
	}
}

func TestJWTMiddleware_ExpiredToken(t *testing.T) {
	token := createTestToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uuid.New().String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}, testSigningKey)

	_, _, err := runJWT(t, "Bearer "+token)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_WrongKey(t *testing.T) {
	token := createTestToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: uuid.New().String()},
	}, []byte("another-key"))

	_, _, err := runJWT(t, "Bearer "+token)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_NonUUIDSubject(t *testing.T) {
	token := createTestToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "dev-user"},
	}, testSigningKey)

	_, _, err := runJWT(t, "Bearer "+token)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestDevAuthMiddleware_Default(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	var got Actor
	h := DevAuthMiddleware()(func(c echo.Context) error {
		got, _ = ActorFromContext(c.Request().Context())
		return nil
	})
	if err := h(c); err != nil {
		t.Fatal(err)
	}
	if got.ID != DevStaffID || !got.HasRole(RoleSupervisor) {
		t.Errorf("unexpected dev actor: %+v", got)
	}
}

func TestDevAuthMiddleware_StaffHeaders(t *testing.T) {
	e := echo.New()
	staffID := uuid.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Staff-ID", staffID.String())
	req.Header.Set("X-Staff-Roles", "nurse,supervisor")
	c := e.NewContext(req, httptest.NewRecorder())

	var got Actor
	h := DevAuthMiddleware()(func(c echo.Context) error {
		got, _ = ActorFromContext(c.Request().Context())
		return nil
	})
	if err := h(c); err != nil {
		t.Fatal(err)
	}
	if got.ID != staffID {
		t.Errorf("expected %s, got %s", staffID, got.ID)
	}
	if !got.HasRole(RoleNurse) || !got.HasRole(RoleSupervisor) {
		t.Errorf("expected both roles, got %v", got.Roles)
	}
}

func TestDevAuthMiddleware_BadStaffID(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Staff-ID", "not-a-uuid")
	c := e.NewContext(req, httptest.NewRecorder())

	err := DevAuthMiddleware()(func(c echo.Context) error { return nil })(c)
	expectStatus(t, err, http.StatusBadRequest)
}
