package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const secret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter() *gin.Engine {
	r := gin.New()
	r.GET("/me", JWTAuth(secret), func(c *gin.Context) {
		c.String(http.StatusOK, UserID(c))
	})
	return r
}

func TestIssueAndParse(t *testing.T) {
	token, err := IssueToken(secret, "u1", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	userID, err := ParseToken(secret, token)
	if err != nil || userID != "u1" {
		t.Fatalf("ParseToken=%q, %v", userID, err)
	}
	if _, err := ParseToken("other-secret", token); err == nil {
		t.Fatal("token accepted with the wrong secret")
	}
}

func TestParseExpired(t *testing.T) {
	token, err := IssueToken(secret, "u1", -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ParseToken(secret, token); !errors.Is(err, jwt.ErrTokenExpired) {
		t.Fatalf("err=%v, want %v", err, jwt.ErrTokenExpired)
	}
}

func TestParseRejectsEmptyUser(t *testing.T) {
	token, err := IssueToken(secret, "", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ParseToken(secret, token); !errors.Is(err, ErrMissingUserID) {
		t.Fatalf("err=%v, want %v", err, ErrMissingUserID)
	}
}

func TestJWTAuth(t *testing.T) {
	token, err := IssueToken(secret, "u1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		target string
		header string
		status int
		body   string
	}{
		{name: "bearer header", target: "/me", header: "Bearer " + token, status: http.StatusOK, body: "u1"},
		{name: "query token", target: "/me?token=" + token, status: http.StatusOK, body: "u1"},
		{name: "missing", target: "/me", status: http.StatusUnauthorized},
		{name: "bad scheme", target: "/me", header: "Token " + token, status: http.StatusUnauthorized},
		{name: "garbage", target: "/me", header: "Bearer nope", status: http.StatusUnauthorized},
	}
	r := newRouter()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.status {
				t.Fatalf("status=%d, want %d (body %s)", w.Code, tt.status, w.Body.String())
			}
			if tt.body != "" && w.Body.String() != tt.body {
				t.Fatalf("body=%q, want %q", w.Body.String(), tt.body)
			}
		})
	}
}
