package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/rtm-calling/internal/auth"
)

func newRouter(signer *auth.Signer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", JWTAuth(signer), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(ContextUserID))
	})
	return r
}

func TestJWTAuth(t *testing.T) {
	signer := auth.NewSigner("secret")
	tok, _, err := signer.Sign("alice", "rtm", "", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	cases := []struct {
		name   string
		header string
		code   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"bad format", "Token " + tok, http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"ok", "Bearer " + tok, http.StatusOK},
	}
	r := newRouter(signer)
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		if rr.Code != tc.code {
			t.Fatalf("%s: status=%d, want %d", tc.name, rr.Code, tc.code)
		}
		if tc.code == http.StatusOK && rr.Body.String() != "alice" {
			t.Fatalf("%s: body=%q", tc.name, rr.Body.String())
		}
	}
}
