package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rupaya/backend/internal/services"
)

const maxAuditBody = 2000

// AuditRecorder persists one audit entry.
type AuditRecorder interface {
	Record(ctx context.Context, entry services.AuditEntry)
}

// AuditLog records admin write operations (POST/PUT/PATCH/DELETE).
func AuditLog(recorder AuditRecorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		method := c.Request.Method
		// Only audit write operations
		if method != "POST" && method != "PUT" && method != "PATCH" && method != "DELETE" {
			c.Next()
			return
		}

		var body string
		if c.Request.Body != nil {
			raw, _ := io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewBuffer(raw))
			body = maskSensitiveFields(raw)
			if len(body) > maxAuditBody {
				body = body[:maxAuditBody] + "...[truncated]"
			}
		}

		c.Next()

		status := c.Writer.Status()
		module, action := parseRouteInfo(c.FullPath(), method)
		level := services.AuditLevelInfo
		if status >= 400 {
			level = services.AuditLevelWarning
		}

		recorder.Record(c.Request.Context(), services.AuditEntry{
			Level:     level,
			Module:    module,
			Action:    action,
			Message:   formatAuditMessage(GetUserID(c), method, c.Request.URL.Path, status),
			UserID:    GetUserID(c),
			IP:        c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
			Extra: map[string]interface{}{
				"method": method,
				"path":   c.Request.URL.Path,
				"route":  c.FullPath(),
				"status": status,
				"body":   body,
			},
		})
	}
}

// parseRouteInfo maps a route pattern to a module and action, e.g.
// "/admin/feature-flags/:key/advance-canary" + POST gives
// ("feature-flags", "advance-canary").
func parseRouteInfo(fullPath, method string) (module, action string) {
	path := strings.TrimPrefix(fullPath, "/api/v1/")
	path = strings.TrimPrefix(path, "/admin/")
	path = strings.Trim(path, "/")

	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" && !strings.HasPrefix(p, ":") {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return "unknown", strings.ToLower(method)
	}
	module = parts[0]
	if len(parts) > 1 {
		return module, parts[len(parts)-1]
	}

	switch method {
	case "POST":
		action = "create"
	case "PUT", "PATCH":
		action = "update"
	case "DELETE":
		action = "delete"
	default:
		action = strings.ToLower(method)
	}
	return module, action
}

func formatAuditMessage(userID, method, path string, status int) string {
	outcome := "OK"
	if status >= 400 {
		outcome = "Failed"
	}
	if userID == "" {
		userID = "anonymous"
	}
	return fmt.Sprintf("[Audit] %s %s %s -> %s (%d)", userID, method, path, outcome, status)
}

var sensitiveKeys = []string{"password", "refreshtoken", "accesstoken", "token", "secret", "api_key", "apikey"}

func isSensitive(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if k == s {
			return true
		}
	}
	return false
}

// maskSensitiveFields replaces credential values in a JSON body. Bodies
// that are not JSON objects are dropped rather than stored raw.
func maskSensitiveFields(raw []byte) string {
	if len(bytes.TrimSpace(raw)) == 0 {
		return ""
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "[unparsed body omitted]"
	}
	maskMap(doc)
	out, err := json.Marshal(doc)
	if err != nil {
		return ""
	}
	return string(out)
}

func maskMap(doc map[string]interface{}) {
	for k, v := range doc {
		if isSensitive(k) {
			doc[k] = "***"
			continue
		}
		if nested, ok := v.(map[string]interface{}); ok {
			maskMap(nested)
		}
	}
}
