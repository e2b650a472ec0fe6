package auth

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func newProtectedRouter(g *Gate) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(g.Middleware(slog.New(slog.NewTextHandler(io.Discard, nil))))
	r.GET("/private", func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if !ok {
			c.Status(http.StatusTeapot)
			return
		}
		c.JSON(http.StatusOK, gin.H{"app": claims.App})
	})
	return r
}

func TestMiddleware(t *testing.T) {
	g := NewGate("open-sesame", testKey)
	token, err := g.IssueToken("open-sesame")
	if err != nil {
		t.Fatalf("IssueToken() error: %v", err)
	}

	tests := []struct {
		name   string
		gate   *Gate
		header string
		want   int
	}{
		{name: "valid", gate: g, header: "Bearer " + token, want: http.StatusOK},
		{name: "missing header", gate: g, header: "", want: http.StatusUnauthorized},
		{name: "scheme only", gate: g, header: "Bearer", want: http.StatusUnauthorized},
		{name: "tampered", gate: g, header: "Bearer " + token + "x", want: http.StatusForbidden},
		{name: "short key", gate: NewGate("open-sesame", "short"), header: "Bearer " + token, want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newProtectedRouter(tt.gate)
			req := httptest.NewRequest(http.MethodGet, "/private", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d body=%q", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}
