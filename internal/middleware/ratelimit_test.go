package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func doRequest(router *gin.Engine, method, path, remoteAddr string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, path, nil)
	req.RemoteAddr = remoteAddr
	router.ServeHTTP(w, req)
	return w
}

func TestRateLimit_AllowsNormalRequests(t *testing.T) {
	rl := NewRateLimiter(10, 10) // 10 rps, burst 10
	defer rl.Stop()

	router := gin.New()
	router.Use(rl.Middleware())
	router.GET("/test", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	w := doRequest(router, "GET", "/test", "192.168.1.1:12345")
	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
}

func TestRateLimit_BlocksExcessiveRequests(t *testing.T) {
	// 100 requests per 15 minutes
	rl := NewRateLimiter(100.0/900.0, 2)
	defer rl.Stop()

	router := gin.New()
	router.Use(rl.Middleware())
	router.GET("/test", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		last = doRequest(router, "GET", "/test", "10.0.0.1:12345")
	}

	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status %d after burst exceeded, got %d", http.StatusTooManyRequests, last.Code)
	}
	if last.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header on 429")
	}
}

func TestRateLimit_IndependentPerIP(t *testing.T) {
	rl := NewRateLimiter(1, 1) // 1 rps, burst 1
	defer rl.Stop()

	router := gin.New()
	router.Use(rl.Middleware())
	router.GET("/test", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	if w := doRequest(router, "GET", "/test", "10.0.0.1:12345"); w.Code != http.StatusOK {
		t.Errorf("IP1 first request: expected %d, got %d", http.StatusOK, w.Code)
	}
	if w := doRequest(router, "GET", "/test", "10.0.0.2:12345"); w.Code != http.StatusOK {
		t.Errorf("IP2 first request: expected %d, got %d", http.StatusOK, w.Code)
	}
}

func TestRateLimit_SkipSuccessfulRequests(t *testing.T) {
	rl := NewRateLimiter(5.0/900.0, 2, SkipSuccessfulRequests(), WithMessage("too many login attempts"))
	defer rl.Stop()

	router := gin.New()
	router.Use(rl.Middleware())
	router.POST("/signin", func(c *gin.Context) {
		if c.Query("ok") == "1" {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		c.JSON(http.StatusUnauthorized, gin.H{"message": "invalid email or password"})
	})

	// successes never count
	for i := 0; i < 5; i++ {
		if w := doRequest(router, "POST", "/signin?ok=1", "10.0.0.9:1"); w.Code != http.StatusOK {
			t.Fatalf("successful request %d: expected 200, got %d", i, w.Code)
		}
	}

	for i := 0; i < 2; i++ {
		if w := doRequest(router, "POST", "/signin", "10.0.0.9:1"); w.Code != http.StatusUnauthorized {
			t.Fatalf("failure %d: expected 401, got %d", i, w.Code)
		}
	}

	w := doRequest(router, "POST", "/signin?ok=1", "10.0.0.9:1")
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 once failures used the budget, got %d", w.Code)
	}
}
