package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"ticketflow/internal/models"
	"ticketflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// RuleHandler 规则管理处理器
type RuleHandler struct {
	ruleService *services.RuleService
	execution   *services.ExecutionService
	logger      *logrus.Logger
}

// NewRuleHandler 创建规则处理器
func NewRuleHandler(ruleService *services.RuleService, execution *services.ExecutionService, logger *logrus.Logger) *RuleHandler {
	return &RuleHandler{
		ruleService: ruleService,
		execution:   execution,
		logger:      logger,
	}
}

// CreateRule 创建规则
// @Summary 创建规则
// @Description 创建自动化规则/宏/视图/外发活动
// @Tags 规则管理
// @Accept json
// @Produce json
// @Param rule body services.RuleRequest true "规则定义"
// @Success 201 {object} models.Rule
// @Failure 400 {object} ErrorResponse
// @Router /api/rules [post]
func (h *RuleHandler) CreateRule(c *gin.Context) {
	var req services.RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	rule, err := h.ruleService.CreateRule(c.Request.Context(), &req)
	if err != nil {
		h.logger.Errorf("Failed to create rule: %v", err)
		c.JSON(ruleErrStatus(err), ErrorResponse{
			Error:   "Failed to create rule",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, rule)
}

// GetRule 获取规则详情
// @Summary 获取规则详情
// @Tags 规则管理
// @Produce json
// @Param id path int true "规则ID"
// @Success 200 {object} models.Rule
// @Failure 404 {object} ErrorResponse
// @Router /api/rules/{id} [get]
func (h *RuleHandler) GetRule(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	rule, err := h.ruleService.GetRule(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "Rule not found",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, rule)
}

// UpdateRule 更新规则
// @Summary 更新规则
// @Tags 规则管理
// @Accept json
// @Produce json
// @Param id path int true "规则ID"
// @Param rule body services.RuleRequest true "规则定义"
// @Success 200 {object} models.Rule
// @Failure 400 {object} ErrorResponse
// @Router /api/rules/{id} [put]
func (h *RuleHandler) UpdateRule(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req services.RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	rule, err := h.ruleService.UpdateRule(c.Request.Context(), id, &req)
	if err != nil {
		h.logger.Errorf("Failed to update rule %d: %v", id, err)
		c.JSON(ruleErrStatus(err), ErrorResponse{
			Error:   "Failed to update rule",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, rule)
}

// ListRules 获取规则列表
// @Summary 获取规则列表
// @Tags 规则管理
// @Produce json
// @Param family query string false "规则类别过滤"
// @Param active query bool false "启用状态过滤"
// @Param search query string false "名称搜索"
// @Success 200 {object} PaginatedResponse{data=[]models.Rule}
// @Router /api/rules [get]
func (h *RuleHandler) ListRules(c *gin.Context) {
	var req services.RuleListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid query parameters",
			Message: err.Error(),
		})
		return
	}

	rules, total, err := h.ruleService.ListRules(c.Request.Context(), orgID(c), &req)
	if err != nil {
		h.logger.Errorf("Failed to list rules: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to list rules",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, PaginatedResponse{
		Data:     rules,
		Total:    total,
		Page:     req.Page,
		PageSize: req.PageSize,
	})
}

// DeleteRule 删除规则
// @Summary 删除规则
// @Tags 规则管理
// @Param id path int true "规则ID"
// @Success 200 {object} SuccessResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/rules/{id} [delete]
func (h *RuleHandler) DeleteRule(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	if err := h.ruleService.DeleteRule(c.Request.Context(), id); err != nil {
		c.JSON(ruleErrStatus(err), ErrorResponse{
			Error:   "Failed to delete rule",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "Rule deleted"})
}

// CloneRule 克隆规则
// @Summary 克隆规则
// @Description 深拷贝规则，副本以停用状态创建
// @Tags 规则管理
// @Param id path int true "规则ID"
// @Success 201 {object} models.Rule
// @Failure 404 {object} ErrorResponse
// @Router /api/rules/{id}/clone [post]
func (h *RuleHandler) CloneRule(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	clone, err := h.ruleService.CloneRule(c.Request.Context(), id)
	if err != nil {
		c.JSON(ruleErrStatus(err), ErrorResponse{
			Error:   "Failed to clone rule",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, clone)
}

// SetActive 启用/停用规则
// @Summary 启用/停用规则
// @Tags 规则管理
// @Accept json
// @Param id path int true "规则ID"
// @Success 200 {object} SuccessResponse
// @Router /api/rules/{id}/active [put]
func (h *RuleHandler) SetActive(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req struct {
		Active *bool `json:"active" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	if err := h.ruleService.SetActive(c.Request.Context(), id, *req.Active); err != nil {
		c.JSON(ruleErrStatus(err), ErrorResponse{
			Error:   "Failed to toggle rule",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "Rule updated"})
}

// ReorderRules 调整规则顺序
// @Summary 调整规则顺序
// @Tags 规则管理
// @Accept json
// @Success 200 {object} SuccessResponse
// @Router /api/rules/reorder [put]
func (h *RuleHandler) ReorderRules(c *gin.Context) {
	var req struct {
		Family string `json:"family" binding:"required"`
		IDs    []uint `json:"ids" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	if err := h.ruleService.ReorderRules(c.Request.Context(), orgID(c), req.Family, req.IDs); err != nil {
		c.JSON(ruleErrStatus(err), ErrorResponse{
			Error:   "Failed to reorder rules",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "Rules reordered"})
}

// ExecuteRule 立即执行规则
// @Summary 立即执行规则
// @Description 对所有匹配工单执行一次完整扫描
// @Tags 规则管理
// @Param id path int true "规则ID"
// @Success 200 {object} services.ExecutionSummary
// @Failure 400 {object} ErrorResponse
// @Router /api/rules/{id}/execute [post]
func (h *RuleHandler) ExecuteRule(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	rule, err := h.ruleService.GetRule(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "Rule not found",
			Message: err.Error(),
		})
		return
	}

	var summary *services.ExecutionSummary
	if rule.Family == models.FamilyOutbound {
		summary, err = h.execution.ExecuteOutbound(c.Request.Context(), id)
	} else {
		summary, err = h.execution.ExecuteRule(c.Request.Context(), id)
	}
	if err != nil {
		h.logger.Errorf("Failed to execute rule %d: %v", id, err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Failed to execute rule",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, summary)
}

// PreviewRule 预览匹配结果
// @Summary 预览匹配结果
// @Description 编译条件并统计当前会命中的工单，不执行动作
// @Tags 规则管理
// @Param id path int true "规则ID"
// @Success 200 {object} services.PreviewResult
// @Router /api/rules/{id}/preview [get]
func (h *RuleHandler) PreviewRule(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	result, err := h.ruleService.Preview(c.Request.Context(), id)
	if err != nil {
		c.JSON(ruleErrStatus(err), ErrorResponse{
			Error:   "Failed to preview rule",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, result)
}

// ListExecutionLog 查询执行日志
// @Summary 查询执行日志
// @Tags 规则管理
// @Param id path int true "规则ID"
// @Success 200 {object} PaginatedResponse{data=[]models.ExecutionLogEntry}
// @Router /api/rules/{id}/log [get]
func (h *RuleHandler) ListExecutionLog(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "50"))

	entries, total, err := h.ruleService.ListExecutionLog(c.Request.Context(), id, page, pageSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to list execution log",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, PaginatedResponse{
		Data:     entries,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	})
}

func ruleErrStatus(err error) int {
	switch {
	case errors.Is(err, services.ErrRuleNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrDuplicateName):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

// RegisterRuleRoutes 注册规则管理相关路由
func RegisterRuleRoutes(r *gin.RouterGroup, handler *RuleHandler) {
	rules := r.Group("/rules")
	{
		rules.POST("", handler.CreateRule)
		rules.GET("", handler.ListRules)
		rules.PUT("/reorder", handler.ReorderRules)
		rules.GET("/:id", handler.GetRule)
		rules.PUT("/:id", handler.UpdateRule)
		rules.DELETE("/:id", handler.DeleteRule)
		rules.POST("/:id/clone", handler.CloneRule)
		rules.PUT("/:id/active", handler.SetActive)
		rules.POST("/:id/execute", handler.ExecuteRule)
		rules.GET("/:id/preview", handler.PreviewRule)
		rules.GET("/:id/log", handler.ListExecutionLog)
	}
}
