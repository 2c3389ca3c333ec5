package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ticketflow/internal/config"
	"ticketflow/internal/models"

	"github.com/gin-gonic/gin"
)

const testSecret = "unit-test-secret"

// signToken 手工构造 HS256 JWT
func signToken(t *testing.T, secret string, claims map[string]interface{}) string {
	t.Helper()
	header, _ := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	unsigned := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(unsigned))
	return unsigned + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func authRouter(cfg *config.Config) (*gin.Engine, *gin.Context) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	var captured gin.Context
	r.GET("/protected", AuthMiddleware(cfg), func(c *gin.Context) {
		captured = *c.Copy()
		c.Status(http.StatusOK)
	})
	return r, &captured
}

func TestAuthMiddleware(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.JWT.Secret = testSecret

	now := time.Now().Unix()
	valid := signToken(t, testSecret, map[string]interface{}{
		"user_id": 7, "org_id": 3, "role": models.RoleAgent,
		"iat": now, "exp": now + 3600,
	})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid token", "Bearer " + valid, http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"garbage token", "Bearer not.a.jwt", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + signToken(t, "other-secret", map[string]interface{}{
			"user_id": 7, "exp": now + 3600,
		}), http.StatusUnauthorized},
		{"expired", "Bearer " + signToken(t, testSecret, map[string]interface{}{
			"user_id": 7, "exp": now - 10,
		}), http.StatusUnauthorized},
		{"not yet valid", "Bearer " + signToken(t, testSecret, map[string]interface{}{
			"user_id": 7, "nbf": now + 3600, "exp": now + 7200,
		}), http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := authRouter(cfg)
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/protected", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Fatalf("status: %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestAuthMiddlewareInjectsClaims(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.JWT.Secret = testSecret

	now := time.Now().Unix()
	token := signToken(t, testSecret, map[string]interface{}{
		"user_id": 7, "org_id": 3, "role": models.RoleAdmin,
		"iat": now, "exp": now + 3600,
	})

	r, captured := authRouter(cfg)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}

	if id, _ := captured.Get("user_id"); id != uint(7) {
		t.Fatalf("user_id: %v", id)
	}
	if org, _ := captured.Get("organization_id"); org != uint(3) {
		t.Fatalf("organization_id: %v", org)
	}
	if role, _ := captured.Get("user_role"); role != models.RoleAdmin {
		t.Fatalf("user_role: %v", role)
	}
}

func TestRequireRole(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/admin", func(c *gin.Context) {
		c.Set("user_role", models.RoleAgent)
	}, RequireRole(models.RoleAdmin), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/agent", func(c *gin.Context) {
		c.Set("user_role", models.RoleAgent)
	}, RequireRole(models.RoleAdmin, models.RoleAgent), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin", nil))
	if w.Code != http.StatusForbidden {
		t.Fatalf("agent hitting admin route: %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/agent", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("agent hitting agent route: %d", w.Code)
	}
}
