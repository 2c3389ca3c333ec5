package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ticketflow/internal/models"
	"ticketflow/pkg/utils"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ExecutionContext identifies who triggered the pass. Passed explicitly so
// action handlers never reach for ambient current-user state.
type ExecutionContext struct {
	OrganizationID uint
	Performer      string // agent, customer, system
	PerformerID    *uint  // acting user, nil for system
}

// ActionResult reports one action's outcome: whether it mutated/dispatched
// anything and which domain events it fired.
type ActionResult struct {
	Executed bool
	Skipped  bool
	Events   []string
}

// ActionExecutor applies a single action to a single ticket. Dispatch is a
// closed switch over the action-name enum; unknown names are validation
// bugs and return an error.
type ActionExecutor struct {
	db         *gorm.DB
	logger     *logrus.Logger
	assignment *AssignmentService
	queue      TaskQueue
	slack      Sender
	renderer   Renderer
}

func NewActionExecutor(db *gorm.DB, logger *logrus.Logger, assignment *AssignmentService, queue TaskQueue, slack Sender, renderer Renderer) *ActionExecutor {
	if logger == nil {
		logger = logrus.New()
	}
	if renderer == nil {
		renderer = NewTemplateRenderer()
	}
	return &ActionExecutor{
		db:         db,
		logger:     logger,
		assignment: assignment,
		queue:      queue,
		slack:      slack,
		renderer:   renderer,
	}
}

// Execute runs one action against one ticket inside the caller's
// transaction. Mutations go through tx so a later action failure rolls the
// whole per-ticket pass back.
func (e *ActionExecutor) Execute(ctx context.Context, tx *gorm.DB, rule *models.Rule, action models.Action, ticket *models.Ticket, ec ExecutionContext) (ActionResult, error) {
	if Skippable(action, ticket) {
		return ActionResult{Skipped: true}, nil
	}

	switch action.Name {
	case models.ActionSetTags:
		if err := tx.Model(ticket).Association("Tags").Replace(actionTags(action)); err != nil {
			return ActionResult{}, fmt.Errorf("set tags: %w", err)
		}
		return executed(models.EventUpdated), nil

	case models.ActionAddTags:
		tags := actionTags(action)
		if len(tags) == 0 {
			return ActionResult{Executed: true}, nil
		}
		if err := tx.Model(ticket).Association("Tags").Append(tags); err != nil {
			return ActionResult{}, fmt.Errorf("add tags: %w", err)
		}
		return executed(models.EventUpdated), nil

	case models.ActionRemoveTags:
		tags := actionTags(action)
		if len(tags) == 0 {
			return ActionResult{Executed: true}, nil
		}
		if err := tx.Model(ticket).Association("Tags").Delete(tags); err != nil {
			return ActionResult{}, fmt.Errorf("remove tags: %w", err)
		}
		return executed(models.EventUpdated), nil

	case models.ActionChangeTicketStatus:
		return e.changeStatus(tx, action, ticket)

	case models.ActionChangeTicketPriority:
		if err := tx.Model(&models.Ticket{}).Where("id = ?", ticket.ID).
			Update("priority", action.Value).Error; err != nil {
			return ActionResult{}, fmt.Errorf("change priority: %w", err)
		}
		ticket.Priority = action.Value
		return executed(models.EventPriorityUpdated, models.EventUpdated), nil

	case models.ActionAssignGroup:
		if action.TargetID == nil {
			return ActionResult{}, errors.New("assign_group: group target required")
		}
		if err := tx.Model(&models.Ticket{}).Where("id = ?", ticket.ID).
			Update("group_id", *action.TargetID).Error; err != nil {
			return ActionResult{}, fmt.Errorf("assign group: %w", err)
		}
		ticket.GroupID = action.TargetID
		return executed(models.EventUpdated), nil

	case models.ActionAssignAgent:
		if action.TargetID == nil {
			return ActionResult{}, errors.New("assign_agent: user target required")
		}
		if err := tx.Model(&models.Ticket{}).Where("id = ?", ticket.ID).
			Update("agent_id", *action.TargetID).Error; err != nil {
			return ActionResult{}, fmt.Errorf("assign agent: %w", err)
		}
		ticket.AgentID = action.TargetID
		return executed(models.EventAgentUpdated, models.EventUpdated), nil

	case models.ActionRemoveAssignedAgent:
		if err := tx.Model(&models.Ticket{}).Where("id = ?", ticket.ID).
			Update("agent_id", nil).Error; err != nil {
			return ActionResult{}, fmt.Errorf("remove agent: %w", err)
		}
		ticket.AgentID = nil
		return executed(models.EventAgentUpdated, models.EventUpdated), nil

	case models.ActionAssignAgentRoundRobin:
		assigned, err := e.assignment.AssignRoundRobin(ctx, tx, ticket, e.assignmentGroup(action, ticket))
		if err != nil {
			return ActionResult{}, err
		}
		if !assigned { // no eligible agents: soft no-op, still counts as handled
			return ActionResult{Executed: true}, nil
		}
		return executed(models.EventAgentUpdated, models.EventUpdated), nil

	case models.ActionAssignAgentLoadBalanced:
		assigned, err := e.assignment.AssignLoadBalanced(ctx, tx, ticket, e.assignmentGroup(action, ticket))
		if err != nil {
			return ActionResult{}, err
		}
		if !assigned {
			return ActionResult{Executed: true}, nil
		}
		return executed(models.EventAgentUpdated, models.EventUpdated), nil

	case models.ActionEmailToRequester, models.ActionEmailToAssignedAgent,
		models.ActionEmailToAllAgents, models.ActionEmailToAgent, models.ActionEmailTo:
		return e.sendEmail(ctx, tx, action, ticket)

	case models.ActionAddNote:
		return e.addNote(tx, action, ticket, ec)

	case models.ActionMessageToSlack:
		return e.messageToSlack(ctx, rule, action, ticket, ec)

	case models.ActionAddTaskList:
		return e.addTaskList(tx, action, ticket)

	case models.ActionAssignFirstResponder:
		return e.assignResponder(tx, ticket, "ASC")

	case models.ActionAssignLastResponder:
		return e.assignResponder(tx, ticket, "DESC")

	default:
		return ActionResult{}, fmt.Errorf("unsupported action name: %s", action.Name)
	}
}

func (e *ActionExecutor) changeStatus(tx *gorm.DB, action models.Action, ticket *models.Ticket) (ActionResult, error) {
	updates := map[string]any{"status": action.Status}
	now := time.Now()
	switch action.Status {
	case "resolved":
		updates["resolved_at"] = now
	case "closed":
		updates["closed_at"] = now
	}
	if err := tx.Model(&models.Ticket{}).Where("id = ?", ticket.ID).
		Updates(updates).Error; err != nil {
		return ActionResult{}, fmt.Errorf("change status: %w", err)
	}
	ticket.Status = action.Status
	return executed(models.EventStatusUpdated, models.EventUpdated), nil
}

// sendEmail resolves recipients and enqueues one notification job each.
// Delivery is fire-and-forget; the queue owns retries.
func (e *ActionExecutor) sendEmail(ctx context.Context, tx *gorm.DB, action models.Action, ticket *models.Ticket) (ActionResult, error) {
	recipients, err := e.emailRecipients(tx, action, ticket)
	if err != nil {
		return ActionResult{}, err
	}
	if len(recipients) == 0 {
		return ActionResult{Executed: true}, nil
	}
	body, err := e.renderBody(action.Body, ticket)
	if err != nil {
		return ActionResult{}, err
	}
	dispatched := false
	for _, addr := range recipients {
		ok := e.queue.Enqueue(Job{
			Type: JobNotification,
			Notification: &Message{
				Kind:      "email",
				Recipient: addr,
				Subject:   fmt.Sprintf("Update on ticket #%d: %s", ticket.ID, ticket.Subject),
				Body:      body,
			},
		})
		dispatched = dispatched || ok
	}
	return ActionResult{Executed: dispatched}, nil
}

func (e *ActionExecutor) emailRecipients(tx *gorm.DB, action models.Action, ticket *models.Ticket) ([]string, error) {
	switch action.Name {
	case models.ActionEmailTo:
		if action.Value == "" {
			return nil, errors.New("email_to: address required")
		}
		return []string{action.Value}, nil
	case models.ActionEmailToRequester:
		return e.userEmails(tx, "id = ?", ticket.RequesterID)
	case models.ActionEmailToAssignedAgent:
		if ticket.AgentID == nil {
			return nil, nil
		}
		return e.userEmails(tx, "id = ?", *ticket.AgentID)
	case models.ActionEmailToAgent:
		if action.TargetID == nil {
			return nil, errors.New("email_to_agent: user target required")
		}
		return e.userEmails(tx, "id = ?", *action.TargetID)
	case models.ActionEmailToAllAgents:
		return e.userEmails(tx, "organization_id = ? AND role = ? AND active = ?", ticket.OrganizationID, "agent", true)
	}
	return nil, nil
}

func (e *ActionExecutor) userEmails(tx *gorm.DB, query string, args ...any) ([]string, error) {
	var emails []string
	if err := tx.Model(&models.User{}).Where(query, args...).
		Pluck("email", &emails).Error; err != nil {
		return nil, fmt.Errorf("resolve recipients: %w", err)
	}
	return emails, nil
}

func (e *ActionExecutor) addNote(tx *gorm.DB, action models.Action, ticket *models.Ticket, ec ExecutionContext) (ActionResult, error) {
	body, err := e.renderBody(action.Body, ticket)
	if err != nil {
		return ActionResult{}, err
	}
	var authorID uint
	if ec.PerformerID != nil {
		authorID = *ec.PerformerID
	}
	note := &models.TicketComment{
		TicketID: ticket.ID,
		AuthorID: authorID,
		Body:     body,
		Kind:     "note",
	}
	if err := tx.Create(note).Error; err != nil {
		return ActionResult{}, fmt.Errorf("add note: %w", err)
	}
	return executed(models.EventNoteAdded), nil
}

// messageToSlack posts inline so persistent integration failures surface
// immediately: a missing integration or channel disables the owning rule
// instead of failing silently forever. The disable goes through the base
// DB handle, not tx, so it sticks even if the ticket pass is abandoned.
func (e *ActionExecutor) messageToSlack(ctx context.Context, rule *models.Rule, action models.Action, ticket *models.Ticket, ec ExecutionContext) (ActionResult, error) {
	if e.slack == nil {
		e.disableRule(rule, ec, "slack integration not configured")
		return ActionResult{}, nil
	}
	body, err := e.renderBody(action.Body, ticket)
	if err != nil {
		return ActionResult{}, err
	}
	err = e.slack.Send(ctx, Message{
		Kind:    "slack",
		Channel: action.Value,
		Subject: fmt.Sprintf("Ticket #%d: %s", ticket.ID, ticket.Subject),
		Body:    body,
	})
	switch {
	case err == nil:
		return ActionResult{Executed: true}, nil
	case errors.Is(err, ErrSlackNotConfigured), errors.Is(err, ErrSlackChannelMissing):
		e.disableRule(rule, ec, err.Error())
		return ActionResult{}, nil
	default:
		// Transient failure: not dispatched, rule stays active.
		e.logger.Warnf("slack message for rule %d failed: %v", rule.ID, err)
		return ActionResult{}, nil
	}
}

func (e *ActionExecutor) disableRule(rule *models.Rule, ec ExecutionContext, reason string) {
	if err := e.db.Model(&models.Rule{}).Where("id = ?", rule.ID).
		Update("active", false).Error; err != nil {
		e.logger.Errorf("disable rule %d: %v", rule.ID, err)
		return
	}
	rule.Active = false
	activity := &models.Activity{
		OrganizationID: ec.OrganizationID,
		SubjectType:    "rule",
		SubjectID:      rule.ID,
		Action:         "deactivated",
		Note:           reason,
	}
	if err := e.db.Create(activity).Error; err != nil {
		e.logger.Warnf("record deactivation activity for rule %d: %v", rule.ID, err)
	}
	e.logger.Warnf("rule %d (%s) deactivated: %s", rule.ID, rule.Name, reason)
}

// addTaskList clones a task-list template's items onto the ticket.
func (e *ActionExecutor) addTaskList(tx *gorm.DB, action models.Action, ticket *models.Ticket) (ActionResult, error) {
	if action.TargetID == nil {
		return ActionResult{}, errors.New("add_task_list: task list target required")
	}
	var list models.TaskList
	if err := tx.Preload("Items", func(db *gorm.DB) *gorm.DB {
		return db.Order("sequence")
	}).First(&list, *action.TargetID).Error; err != nil {
		return ActionResult{}, fmt.Errorf("load task list: %w", err)
	}
	for _, item := range list.Items {
		task := &models.TicketTask{
			TicketID: ticket.ID,
			Name:     item.Name,
			Sequence: item.Sequence,
		}
		if err := tx.Create(task).Error; err != nil {
			return ActionResult{}, fmt.Errorf("clone task: %w", err)
		}
	}
	return executed(models.EventUpdated), nil
}

// assignResponder picks the first/last non-customer author of a
// non-description comment as the new assignee.
func (e *ActionExecutor) assignResponder(tx *gorm.DB, ticket *models.Ticket, order string) (ActionResult, error) {
	var authorIDs []uint
	err := tx.Model(&models.TicketComment{}).
		Joins("JOIN users ON users.id = ticket_comments.author_id").
		Where("ticket_comments.ticket_id = ? AND ticket_comments.kind <> ? AND users.role <> ?",
			ticket.ID, "description", "customer").
		Order("ticket_comments.created_at " + order + ", ticket_comments.id " + order).
		Limit(1).
		Pluck("ticket_comments.author_id", &authorIDs).Error
	if err != nil {
		return ActionResult{}, fmt.Errorf("find responder: %w", err)
	}
	if len(authorIDs) == 0 {
		return ActionResult{Executed: true}, nil
	}
	authorID := authorIDs[0]
	if err := tx.Model(&models.Ticket{}).Where("id = ?", ticket.ID).
		Update("agent_id", authorID).Error; err != nil {
		return ActionResult{}, fmt.Errorf("assign responder: %w", err)
	}
	ticket.AgentID = &authorID
	return executed(models.EventAgentUpdated, models.EventUpdated), nil
}

func (e *ActionExecutor) assignmentGroup(action models.Action, ticket *models.Ticket) *uint {
	if action.TargetKind == models.TargetGroup && action.TargetID != nil {
		return action.TargetID
	}
	return ticket.GroupID
}

func (e *ActionExecutor) renderBody(body string, ticket *models.Ticket) (string, error) {
	if body == "" {
		return "", nil
	}
	out, err := e.renderer.Render(body, map[string]any{
		"ticket": map[string]any{
			"id":       ticket.ID,
			"subject":  ticket.Subject,
			"status":   ticket.Status,
			"priority": ticket.Priority,
		},
	})
	if err != nil {
		return "", fmt.Errorf("render action body: %w", err)
	}
	return out, nil
}

func actionTags(action models.Action) []models.Tag {
	if len(action.Tags) > 0 {
		return action.Tags
	}
	var tags []models.Tag
	for _, id := range utils.SplitIDs(action.Value) {
		tags = append(tags, models.Tag{ID: id})
	}
	return tags
}

func executed(events ...string) ActionResult {
	return ActionResult{Executed: true, Events: events}
}
