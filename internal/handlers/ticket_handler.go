package handlers

import (
	"net/http"

	"ticketflow/internal/models"
	"ticketflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// TicketHandler 工单管理处理器
type TicketHandler struct {
	ticketService *services.TicketService
	execution     *services.ExecutionService
	logger        *logrus.Logger
}

// NewTicketHandler 创建工单处理器
func NewTicketHandler(ticketService *services.TicketService, execution *services.ExecutionService, logger *logrus.Logger) *TicketHandler {
	return &TicketHandler{
		ticketService: ticketService,
		execution:     execution,
		logger:        logger,
	}
}

// CreateTicket 创建工单
// @Summary 创建工单
// @Description 创建新工单并触发 created 事件
// @Tags 工单管理
// @Accept json
// @Produce json
// @Param ticket body services.TicketCreateRequest true "工单信息"
// @Success 201 {object} models.Ticket
// @Failure 400 {object} ErrorResponse
// @Router /api/tickets [post]
func (h *TicketHandler) CreateTicket(c *gin.Context) {
	var req services.TicketCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	ticket, err := h.ticketService.CreateTicket(c.Request.Context(), &req)
	if err != nil {
		h.logger.Errorf("Failed to create ticket: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to create ticket",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, ticket)
}

// GetTicket 获取工单详情
// @Summary 获取工单详情
// @Tags 工单管理
// @Produce json
// @Param id path int true "工单ID"
// @Success 200 {object} models.Ticket
// @Failure 404 {object} ErrorResponse
// @Router /api/tickets/{id} [get]
func (h *TicketHandler) GetTicket(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	ticket, err := h.ticketService.GetTicketByID(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "Ticket not found",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, ticket)
}

// UpdateTicket 更新工单
// @Summary 更新工单
// @Description 更新工单并触发对应事件
// @Tags 工单管理
// @Accept json
// @Produce json
// @Param id path int true "工单ID"
// @Param ticket body services.TicketUpdateRequest true "更新信息"
// @Success 200 {object} models.Ticket
// @Failure 400 {object} ErrorResponse
// @Router /api/tickets/{id} [put]
func (h *TicketHandler) UpdateTicket(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req services.TicketUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	ticket, err := h.ticketService.UpdateTicket(c.Request.Context(), id, &req, performer(c))
	if err != nil {
		h.logger.Errorf("Failed to update ticket %d: %v", id, err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Failed to update ticket",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, ticket)
}

// ListTickets 获取工单列表
// @Summary 获取工单列表
// @Tags 工单管理
// @Produce json
// @Param page query int false "页码"
// @Param page_size query int false "每页大小"
// @Param status query []string false "状态过滤"
// @Param priority query []string false "优先级过滤"
// @Param search query string false "标题搜索"
// @Success 200 {object} PaginatedResponse{data=[]models.Ticket}
// @Router /api/tickets [get]
func (h *TicketHandler) ListTickets(c *gin.Context) {
	var req services.TicketListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid query parameters",
			Message: err.Error(),
		})
		return
	}

	tickets, total, err := h.ticketService.ListTickets(c.Request.Context(), orgID(c), &req)
	if err != nil {
		h.logger.Errorf("Failed to list tickets: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to list tickets",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, PaginatedResponse{
		Data:     tickets,
		Total:    total,
		Page:     req.Page,
		PageSize: req.PageSize,
	})
}

// AddComment 添加评论
// @Summary 添加评论
// @Description 添加回复或内部备注并触发对应事件
// @Tags 工单管理
// @Accept json
// @Param id path int true "工单ID"
// @Param comment body services.CommentRequest true "评论内容"
// @Success 201 {object} models.TicketComment
// @Router /api/tickets/{id}/comments [post]
func (h *TicketHandler) AddComment(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req services.CommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	comment, err := h.ticketService.AddComment(c.Request.Context(), id, &req)
	if err != nil {
		h.logger.Errorf("Failed to add comment to ticket %d: %v", id, err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Failed to add comment",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, comment)
}

// RecordFeedback 记录满意度反馈
// @Summary 记录满意度反馈
// @Tags 工单管理
// @Accept json
// @Param id path int true "工单ID"
// @Success 200 {object} SuccessResponse
// @Router /api/tickets/{id}/feedback [post]
func (h *TicketHandler) RecordFeedback(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req struct {
		Rating  int    `json:"rating" binding:"required,min=1,max=5"`
		Comment string `json:"comment"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	if err := h.ticketService.RecordFeedback(c.Request.Context(), id, req.Rating, req.Comment); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Failed to record feedback",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "Feedback recorded"})
}

// ApplyMacro 应用宏
// @Summary 应用宏
// @Description 对单个工单执行宏的动作序列
// @Tags 工单管理
// @Param id path int true "工单ID"
// @Param macro_id path int true "宏ID"
// @Success 200 {object} SuccessResponse
// @Failure 400 {object} ErrorResponse
// @Router /api/tickets/{id}/macros/{macro_id} [post]
func (h *TicketHandler) ApplyMacro(c *gin.Context) {
	ticketID, ok := parseID(c, "id")
	if !ok {
		return
	}
	macroID, ok := parseID(c, "macro_id")
	if !ok {
		return
	}

	var agentID *uint
	if v, exists := c.Get("user_id"); exists {
		if id, isUint := v.(uint); isUint {
			agentID = &id
		}
	}

	if err := h.execution.ApplyMacro(c.Request.Context(), macroID, ticketID, agentID); err != nil {
		h.logger.Errorf("Failed to apply macro %d to ticket %d: %v", macroID, ticketID, err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Failed to apply macro",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{Message: "Macro applied"})
}

// GetTicketStats 获取工单统计
// @Summary 获取工单统计
// @Tags 工单管理
// @Produce json
// @Success 200 {object} services.TicketStats
// @Router /api/tickets/stats [get]
func (h *TicketHandler) GetTicketStats(c *gin.Context) {
	stats, err := h.ticketService.GetTicketStats(c.Request.Context(), orgID(c))
	if err != nil {
		h.logger.Errorf("Failed to get ticket stats: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to get ticket statistics",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, stats)
}

// performer derives who is acting from the auth context.
func performer(c *gin.Context) string {
	if v, exists := c.Get("user_role"); exists {
		if role, ok := v.(string); ok && role == models.RoleCustomer {
			return models.PerformerCustomer
		}
		return models.PerformerAgent
	}
	return models.PerformerSystem
}

// RegisterTicketRoutes 注册工单管理相关路由
func RegisterTicketRoutes(r *gin.RouterGroup, handler *TicketHandler) {
	tickets := r.Group("/tickets")
	{
		tickets.POST("", handler.CreateTicket)
		tickets.GET("", handler.ListTickets)
		tickets.GET("/stats", handler.GetTicketStats)
		tickets.GET("/:id", handler.GetTicket)
		tickets.PUT("/:id", handler.UpdateTicket)
		tickets.POST("/:id/comments", handler.AddComment)
		tickets.POST("/:id/feedback", handler.RecordFeedback)
		tickets.POST("/:id/macros/:macro_id", handler.ApplyMacro)
	}
}
