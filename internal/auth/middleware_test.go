package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func newRouter(t *testing.T, v *Verifier) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", JWTMiddleware(v), func(c *gin.Context) {
		id, _ := GetUserID(c.Request.Context())
		c.String(http.StatusOK, id)
	})
	return r
}

func call(r *gin.Engine, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestMiddlewareAcceptsIssuedToken(t *testing.T) {
	v, err := NewVerifier("secret", "irisdx")
	if err != nil {
		t.Fatal(err)
	}
	token, err := v.Issue("user-7", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	resp := call(newRouter(t, v), "Bearer "+token)
	if resp.Code != http.StatusOK || resp.Body.String() != "user-7" {
		t.Fatalf("unexpected response %d %q", resp.Code, resp.Body.String())
	}
}

func TestMiddlewareRejects(t *testing.T) {
	v, _ := NewVerifier("secret", "irisdx")
	other, _ := NewVerifier("other-secret", "irisdx")
	wrongAudience, _ := NewVerifier("secret", "someone-else")

	expired, _ := v.Issue("user-7", -time.Minute)
	forged, _ := other.Issue("user-7", time.Hour)
	foreign, _ := wrongAudience.Issue("user-7", time.Hour)
	noSubject, _ := v.Issue("", time.Hour)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "user-7"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)

	cases := map[string]string{
		"no header":      "",
		"not bearer":     "Basic abc",
		"empty token":    "Bearer ",
		"expired":        "Bearer " + expired,
		"wrong secret":   "Bearer " + forged,
		"wrong audience": "Bearer " + foreign,
		"no subject":     "Bearer " + noSubject,
		"alg none":       "Bearer " + none,
	}
	r := newRouter(t, v)
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			if resp := call(r, header); resp.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", resp.Code)
			}
		})
	}
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	if _, err := NewVerifier("  ", ""); err == nil {
		t.Fatal("expected error for empty secret")
	}
}
