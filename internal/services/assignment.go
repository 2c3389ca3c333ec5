package services

import (
	"context"
	"errors"
	"fmt"

	"ticketflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AssignmentService selects an agent for a ticket under the round-robin or
// load-balanced policy. Both run inside the caller's transaction so the
// slot update and the ticket assignment commit together.
type AssignmentService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewAssignmentService(db *gorm.DB, logger *logrus.Logger) *AssignmentService {
	if logger == nil {
		logger = logrus.New()
	}
	return &AssignmentService{db: db, logger: logger}
}

// AssignRoundRobin assigns the agent following the slot's last-assigned one
// (wrap-around; first eligible when the last agent left the pool). Returns
// false without error when no agent is eligible.
func (s *AssignmentService) AssignRoundRobin(ctx context.Context, tx *gorm.DB, ticket *models.Ticket, groupID *uint) (bool, error) {
	agents, err := s.eligibleAgents(ctx, tx, ticket.OrganizationID, groupID)
	if err != nil {
		return false, err
	}
	if len(agents) == 0 {
		return false, nil
	}

	slot, err := s.lockSlot(ctx, tx, ticket.OrganizationID, groupID)
	if err != nil {
		return false, err
	}

	idx := -1
	if slot.LastUserID != nil {
		for i, a := range agents {
			if a.ID == *slot.LastUserID {
				idx = i
				break
			}
		}
	}
	next := agents[(idx+1)%len(agents)]

	slot.LastUserID = &next.ID
	if err := tx.Save(slot).Error; err != nil {
		return false, fmt.Errorf("update round robin slot: %w", err)
	}
	if err := tx.Model(&models.Ticket{}).Where("id = ?", ticket.ID).
		Update("agent_id", next.ID).Error; err != nil {
		return false, fmt.Errorf("assign agent: %w", err)
	}
	ticket.AgentID = &next.ID

	s.logger.Debugf("round robin: ticket %d -> agent %d", ticket.ID, next.ID)
	return true, nil
}

// AssignLoadBalanced prefers the first eligible agent with zero new/open
// tickets, otherwise the one with the minimum count. Ties break by
// eligibility order (agent creation order).
func (s *AssignmentService) AssignLoadBalanced(ctx context.Context, tx *gorm.DB, ticket *models.Ticket, groupID *uint) (bool, error) {
	agents, err := s.eligibleAgents(ctx, tx, ticket.OrganizationID, groupID)
	if err != nil {
		return false, err
	}
	if len(agents) == 0 {
		return false, nil
	}

	ids := make([]uint, len(agents))
	for i, a := range agents {
		ids[i] = a.ID
	}
	type row struct {
		AgentID uint
		Count   int64
	}
	var rows []row
	if err := tx.WithContext(ctx).Model(&models.Ticket{}).
		Select("agent_id, COUNT(*) AS count").
		Where("agent_id IN ? AND status IN ?", ids, []string{"new", "open"}).
		Group("agent_id").
		Scan(&rows).Error; err != nil {
		return false, fmt.Errorf("count open tickets: %w", err)
	}
	counts := make(map[uint]int64, len(rows))
	for _, r := range rows {
		counts[r.AgentID] = r.Count
	}

	best := agents[0]
	bestCount := counts[best.ID]
	for _, a := range agents[1:] {
		if counts[a.ID] < bestCount {
			best = a
			bestCount = counts[a.ID]
		}
	}

	if err := tx.Model(&models.Ticket{}).Where("id = ?", ticket.ID).
		Update("agent_id", best.ID).Error; err != nil {
		return false, fmt.Errorf("assign agent: %w", err)
	}
	ticket.AgentID = &best.ID

	s.logger.Debugf("load balanced: ticket %d -> agent %d (%d open)", ticket.ID, best.ID, bestCount)
	return true, nil
}

// eligibleAgents returns assignable agents in creation order: the whole
// organization's, or the group's members when group-scoped.
func (s *AssignmentService) eligibleAgents(ctx context.Context, tx *gorm.DB, orgID uint, groupID *uint) ([]models.User, error) {
	q := tx.WithContext(ctx).Model(&models.User{}).
		Where("users.organization_id = ? AND users.role = ? AND users.active = ? AND users.continue_assigning_tickets = ?",
			orgID, "agent", true, true)
	if groupID != nil {
		q = q.Joins("JOIN group_members ON group_members.user_id = users.id AND group_members.group_id = ?", *groupID)
	}
	var agents []models.User
	if err := q.Order("users.id").Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("load eligible agents: %w", err)
	}
	return agents, nil
}

// lockSlot loads (or initializes) the per-(org, group) slot. On Postgres the
// row is locked FOR UPDATE so concurrent round-robin passes serialize on it;
// SQLite serializes writes on its own.
func (s *AssignmentService) lockSlot(ctx context.Context, tx *gorm.DB, orgID uint, groupID *uint) (*models.RoundRobinAgentSlot, error) {
	q := tx.WithContext(ctx).Where("organization_id = ?", orgID)
	if groupID != nil {
		q = q.Where("group_id = ?", *groupID)
	} else {
		q = q.Where("group_id IS NULL")
	}
	if tx.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var slot models.RoundRobinAgentSlot
	err := q.First(&slot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.RoundRobinAgentSlot{OrganizationID: orgID, GroupID: groupID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load round robin slot: %w", err)
	}
	return &slot, nil
}
