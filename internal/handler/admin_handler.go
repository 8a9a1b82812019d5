package handler

import (
	"errors"
	"msgchain-go/internal/service"
	"msgchain-go/pkg/log"
	"msgchain-go/pkg/token"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// AdminHandler 负责处理所有与管理员相关的 API 请求。
type AdminHandler struct {
	adminService service.AdminService
}

// NewAdminHandler 创建一个新的 AdminHandler 实例。
func NewAdminHandler(adminService service.AdminService) *AdminHandler {
	return &AdminHandler{adminService: adminService}
}

// ListFlows 列出最近的发送流程。
func (h *AdminHandler) ListFlows(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	flows, err := h.adminService.ListFlows(limit)
	if err != nil {
		if errors.Is(err, service.ErrAuditDisabled) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"code": http.StatusServiceUnavailable, "message": "流程审计未启用", "data": nil})
			return
		}
		log.Error("ListFlows: Failed to list flows", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "获取流程列表失败", "data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": flows})
}

// GetFlow 返回单个流程的审计记录。
func (h *AdminHandler) GetFlow(c *gin.Context) {
	flow, err := h.adminService.GetFlow(c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrAuditDisabled):
			c.JSON(http.StatusServiceUnavailable, gin.H{"code": http.StatusServiceUnavailable, "message": "流程审计未启用", "data": nil})
		case errors.Is(err, service.ErrFlowNotFound):
			c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "message": "流程不存在", "data": nil})
		default:
			log.Error("GetFlow: Failed to get flow", err)
			c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "获取流程失败", "data": nil})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": flow})
}

// SnapshotLog 将当前对话日志上传到对象存储。
func (h *AdminHandler) SnapshotLog(c *gin.Context) {
	result, err := h.adminService.SnapshotLog(c.Request.Context())
	if err != nil {
		if errors.Is(err, service.ErrSnapshotDisabled) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"code": http.StatusServiceUnavailable, "message": "对象存储未启用", "data": nil})
			return
		}
		log.Error("SnapshotLog: Failed to snapshot conversation log", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "上传日志快照失败", "data": nil})
		return
	}

	if claimsValue, ok := c.Get("claims"); ok {
		claims := claimsValue.(*token.CustomClaims)
		log.Infof("Admin '%s' uploaded conversation log snapshot '%s'", claims.Subject, result.ObjectName)
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": result})
}
