package services

import (
	"context"
	"fmt"
	"time"

	"ticketflow/internal/models"
	"ticketflow/pkg/utils"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// TicketService 工单管理服务
//
// Every mutation reports the events it produced through the task queue so
// the automation rules watching those events get a chance to run.
type TicketService struct {
	db     *gorm.DB
	logger *logrus.Logger
	queue  TaskQueue
}

// NewTicketService 创建工单服务
func NewTicketService(db *gorm.DB, logger *logrus.Logger, queue TaskQueue) *TicketService {
	if logger == nil {
		logger = logrus.New()
	}

	return &TicketService{
		db:     db,
		logger: logger,
		queue:  queue,
	}
}

// TicketCreateRequest 创建工单请求
type TicketCreateRequest struct {
	OrganizationID uint   `json:"organization_id" binding:"required"`
	Subject        string `json:"subject" binding:"required"`
	Description    string `json:"description"`
	RequesterID    uint   `json:"requester_id" binding:"required"`
	Category       string `json:"category"`
	Priority       string `json:"priority"`
	Channel        string `json:"channel"`
	TagIDs         string `json:"tag_ids"`
}

// TicketUpdateRequest 更新工单请求
type TicketUpdateRequest struct {
	Subject  *string `json:"subject"`
	AgentID  *uint   `json:"agent_id"`
	GroupID  *uint   `json:"group_id"`
	Category *string `json:"category"`
	Priority *string `json:"priority"`
	Status   *string `json:"status"`
}

// TicketListRequest 工单列表请求
type TicketListRequest struct {
	Page        int      `form:"page,default=1"`
	PageSize    int      `form:"page_size,default=20"`
	Status      []string `form:"status"`
	Priority    []string `form:"priority"`
	Category    []string `form:"category"`
	AgentID     *uint    `form:"agent_id"`
	GroupID     *uint    `form:"group_id"`
	RequesterID *uint    `form:"requester_id"`
	Search      string   `form:"search"`
	SortBy      string   `form:"sort_by,default=created_at"`
	SortOrder   string   `form:"sort_order,default=desc"`
}

// CommentRequest 添加评论请求
type CommentRequest struct {
	AuthorID uint   `json:"author_id" binding:"required"`
	Body     string `json:"body" binding:"required"`
	Kind     string `json:"kind"`
}

// CreateTicket 创建工单
func (s *TicketService) CreateTicket(ctx context.Context, req *TicketCreateRequest) (*models.Ticket, error) {
	var requester models.User
	if err := s.db.WithContext(ctx).First(&requester, req.RequesterID).Error; err != nil {
		return nil, fmt.Errorf("requester not found: %w", err)
	}

	if req.Priority == "" {
		req.Priority = models.PriorityMedium
	}
	if req.Channel == "" {
		req.Channel = models.ChannelUI
	}
	if !models.IsValidPriority(req.Priority) {
		return nil, fmt.Errorf("invalid priority %q", req.Priority)
	}

	ticket := &models.Ticket{
		OrganizationID: req.OrganizationID,
		Subject:        req.Subject,
		RequesterID:    req.RequesterID,
		Category:       req.Category,
		Priority:       req.Priority,
		Status:         models.StatusNew,
		Channel:        req.Channel,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(ticket).Error; err != nil {
			return fmt.Errorf("failed to create ticket: %w", err)
		}
		if req.Description != "" {
			comment := &models.TicketComment{
				TicketID: ticket.ID,
				AuthorID: req.RequesterID,
				Kind:     models.CommentKindDescription,
				Body:     req.Description,
			}
			if err := tx.Create(comment).Error; err != nil {
				return fmt.Errorf("failed to create description: %w", err)
			}
		}
		if ids := utils.SplitIDs(req.TagIDs); len(ids) > 0 {
			var tags []models.Tag
			if err := tx.Where("organization_id = ? AND id IN ?", req.OrganizationID, ids).Find(&tags).Error; err != nil {
				return err
			}
			if err := tx.Model(ticket).Association("Tags").Replace(tags); err != nil {
				return fmt.Errorf("failed to tag ticket: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.emit(ticket.ID, models.EventCreated, models.PerformerCustomer)
	s.logger.Infof("Created ticket %d for requester %d", ticket.ID, req.RequesterID)

	return s.GetTicketByID(ctx, ticket.ID)
}

// GetTicketByID 根据ID获取工单
func (s *TicketService) GetTicketByID(ctx context.Context, ticketID uint) (*models.Ticket, error) {
	var ticket models.Ticket
	err := s.db.WithContext(ctx).
		Preload("Requester").
		Preload("Agent").
		Preload("Group").
		Preload("Tags").
		Preload("Comments", func(db *gorm.DB) *gorm.DB {
			return db.Order("created_at ASC").Preload("Author")
		}).
		Preload("Tasks", func(db *gorm.DB) *gorm.DB {
			return db.Order("sequence ASC")
		}).
		First(&ticket, ticketID).Error

	if err != nil {
		return nil, fmt.Errorf("ticket not found: %w", err)
	}

	return &ticket, nil
}

// UpdateTicket 更新工单
func (s *TicketService) UpdateTicket(ctx context.Context, ticketID uint, req *TicketUpdateRequest, performer string) (*models.Ticket, error) {
	oldTicket, err := s.GetTicketByID(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	updates := make(map[string]interface{})
	events := []string{models.EventUpdated}

	if req.Subject != nil {
		updates["subject"] = *req.Subject
	}
	if req.Category != nil {
		updates["category"] = *req.Category
	}
	if req.GroupID != nil {
		updates["group_id"] = *req.GroupID
	}
	if req.AgentID != nil && (oldTicket.AgentID == nil || *oldTicket.AgentID != *req.AgentID) {
		updates["agent_id"] = *req.AgentID
		events = append(events, models.EventAgentUpdated)
	}
	if req.Priority != nil && *req.Priority != oldTicket.Priority {
		if !models.IsValidPriority(*req.Priority) {
			return nil, fmt.Errorf("invalid priority %q", *req.Priority)
		}
		updates["priority"] = *req.Priority
		events = append(events, models.EventPriorityUpdated)
	}
	if req.Status != nil && *req.Status != oldTicket.Status {
		if !models.IsValidStatus(*req.Status) {
			return nil, fmt.Errorf("invalid status %q", *req.Status)
		}
		updates["status"] = *req.Status
		events = append(events, models.EventStatusUpdated)

		switch *req.Status {
		case models.StatusResolved:
			now := time.Now()
			updates["resolved_at"] = &now
		case models.StatusClosed:
			now := time.Now()
			updates["closed_at"] = &now
		}
	}

	if len(updates) == 0 {
		return oldTicket, nil
	}

	if err := s.db.WithContext(ctx).Model(&models.Ticket{}).Where("id = ?", ticketID).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to update ticket: %w", err)
	}

	for _, ev := range events {
		s.emit(ticketID, ev, performer)
	}
	s.logger.Infof("Updated ticket %d (%s)", ticketID, performer)

	return s.GetTicketByID(ctx, ticketID)
}

// ListTickets 获取工单列表
func (s *TicketService) ListTickets(ctx context.Context, orgID uint, req *TicketListRequest) ([]models.Ticket, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Ticket{}).
		Where("organization_id = ?", orgID).
		Preload("Requester").
		Preload("Agent").
		Preload("Tags")

	if len(req.Status) > 0 {
		query = query.Where("status IN ?", req.Status)
	}
	if len(req.Priority) > 0 {
		query = query.Where("priority IN ?", req.Priority)
	}
	if len(req.Category) > 0 {
		query = query.Where("category IN ?", req.Category)
	}
	if req.AgentID != nil {
		query = query.Where("agent_id = ?", *req.AgentID)
	}
	if req.GroupID != nil {
		query = query.Where("group_id = ?", *req.GroupID)
	}
	if req.RequesterID != nil {
		query = query.Where("requester_id = ?", *req.RequesterID)
	}

	if req.Search != "" {
		searchTerm := "%" + req.Search + "%"
		query = query.Where("subject LIKE ?", searchTerm)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count tickets: %w", err)
	}

	orderBy := fmt.Sprintf("%s %s", req.SortBy, req.SortOrder)
	query = query.Order(orderBy)

	offset := (req.Page - 1) * req.PageSize
	query = query.Offset(offset).Limit(req.PageSize)

	var tickets []models.Ticket
	if err := query.Find(&tickets).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list tickets: %w", err)
	}

	return tickets, total, nil
}

// AddComment 添加工单评论
func (s *TicketService) AddComment(ctx context.Context, ticketID uint, req *CommentRequest) (*models.TicketComment, error) {
	if req.Kind == "" {
		req.Kind = models.CommentKindReply
	}
	if req.Kind != models.CommentKindReply && req.Kind != models.CommentKindNote {
		return nil, fmt.Errorf("invalid comment kind %q", req.Kind)
	}

	var author models.User
	if err := s.db.WithContext(ctx).First(&author, req.AuthorID).Error; err != nil {
		return nil, fmt.Errorf("author not found: %w", err)
	}

	comment := &models.TicketComment{
		TicketID: ticketID,
		AuthorID: req.AuthorID,
		Kind:     req.Kind,
		Body:     req.Body,
	}

	if err := s.db.WithContext(ctx).Create(comment).Error; err != nil {
		return nil, fmt.Errorf("failed to add comment: %w", err)
	}

	s.db.Preload("Author").First(comment, comment.ID)

	performer := models.PerformerAgent
	if author.Role == models.RoleCustomer {
		performer = models.PerformerCustomer
	}
	event := models.EventReplyAdded
	if req.Kind == models.CommentKindNote {
		event = models.EventNoteAdded
	}
	s.emit(ticketID, event, performer)

	s.logger.Infof("Added %s to ticket %d by user %d", req.Kind, ticketID, req.AuthorID)

	return comment, nil
}

// RecordFeedback 记录客户满意度反馈
func (s *TicketService) RecordFeedback(ctx context.Context, ticketID uint, rating int, comment string) error {
	var ticket models.Ticket
	if err := s.db.WithContext(ctx).First(&ticket, ticketID).Error; err != nil {
		return fmt.Errorf("ticket not found: %w", err)
	}

	activity := &models.Activity{
		OrganizationID: ticket.OrganizationID,
		SubjectType:    "ticket",
		SubjectID:      ticketID,
		Action:         "feedback_received",
		Note:           fmt.Sprintf("rating=%d %s", rating, comment),
	}
	if err := s.db.WithContext(ctx).Create(activity).Error; err != nil {
		return fmt.Errorf("failed to record feedback: %w", err)
	}

	s.emit(ticketID, models.EventFeedbackReceived, models.PerformerCustomer)
	return nil
}

// GetTicketStats 获取工单统计
func (s *TicketService) GetTicketStats(ctx context.Context, orgID uint) (*TicketStats, error) {
	stats := &TicketStats{}
	base := s.db.WithContext(ctx).Model(&models.Ticket{}).Where("organization_id = ?", orgID)

	base.Session(&gorm.Session{}).Count(&stats.Total)

	base.Session(&gorm.Session{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&stats.ByStatus)

	base.Session(&gorm.Session{}).
		Select("priority, COUNT(*) as count").
		Group("priority").
		Scan(&stats.ByPriority)

	today := utils.StartOfDay(time.Now())
	base.Session(&gorm.Session{}).
		Where("created_at >= ?", today).
		Count(&stats.TodayCreated)

	base.Session(&gorm.Session{}).
		Where("status IN ?", []string{models.StatusNew, models.StatusOpen}).
		Count(&stats.Pending)

	base.Session(&gorm.Session{}).
		Where("status = ?", models.StatusResolved).
		Count(&stats.Resolved)

	return stats, nil
}

// emit hands the event to the queue; rules react asynchronously.
func (s *TicketService) emit(ticketID uint, event, performer string) {
	if s.queue == nil {
		return
	}
	s.queue.Enqueue(Job{
		Type:      JobTicketEvent,
		TicketID:  ticketID,
		Event:     event,
		Performer: performer,
	})
}

// TicketStats 工单统计信息
type TicketStats struct {
	Total        int64           `json:"total"`
	TodayCreated int64           `json:"today_created"`
	Pending      int64           `json:"pending"`
	Resolved     int64           `json:"resolved"`
	ByStatus     []StatusCount   `json:"by_status"`
	ByPriority   []PriorityCount `json:"by_priority"`
}

type StatusCount struct {
	Status string `json:"status"`
	Count  int64  `json:"count"`
}

type PriorityCount struct {
	Priority string `json:"priority"`
	Count    int64  `json:"count"`
}
