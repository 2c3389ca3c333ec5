package services

import "ticketflow/internal/models"

// Skippable reports whether applying the action to the ticket would not
// change observable state. Skipped actions count as intentionally handled
// when deciding whether an execution pass gets logged.
//
// Only state-setting actions are comparable; everything else (tag
// mutations, notes, notifications) always executes.
func Skippable(action models.Action, ticket *models.Ticket) bool {
	switch action.Name {
	case models.ActionAssignGroup:
		return action.TargetID != nil && ticket.GroupID != nil && *ticket.GroupID == *action.TargetID
	case models.ActionChangeTicketStatus:
		return action.Status != "" && ticket.Status == action.Status
	case models.ActionChangeTicketPriority:
		return action.Value != "" && ticket.Priority == action.Value
	case models.ActionAssignAgent:
		return action.TargetID != nil && ticket.AgentID != nil && *ticket.AgentID == *action.TargetID
	case models.ActionRemoveAssignedAgent:
		return ticket.AgentID == nil
	default:
		return false
	}
}
