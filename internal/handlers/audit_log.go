package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/rupaya/backend/internal/services"
	"github.com/rupaya/backend/pkg/response"
)

type AuditLogHandler struct {
	auditLogService *services.AuditLogService
}

func NewAuditLogHandler(auditLogService *services.AuditLogService) *AuditLogHandler {
	return &AuditLogHandler{auditLogService: auditLogService}
}

// List pages through admin write operations
// GET /admin/audit-logs
func (h *AuditLogHandler) List(c *gin.Context) {
	var req services.AuditLogListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	resp, err := h.auditLogService.List(c.Request.Context(), &req)
	if err != nil {
		response.Error(c, response.NewServerError("failed to list audit logs").Wrap(err))
		return
	}
	response.Success(c, resp)
}
