package services

import (
	"context"
	"strconv"
	"testing"

	"ticketflow/internal/models"
)

func eventsOf(jobs []Job) []string {
	var events []string
	for _, j := range jobs {
		if j.Type == JobTicketEvent {
			events = append(events, j.Event)
		}
	}
	return events
}

func hasEvent(jobs []Job, event, performer string) bool {
	for _, j := range jobs {
		if j.Type == JobTicketEvent && j.Event == event && j.Performer == performer {
			return true
		}
	}
	return false
}

func TestCreateTicket(t *testing.T) {
	db := newEngineTestDB(t)
	orgID := seedOrg(t, db)
	requester := seedUser(t, db, orgID, "c@example.com", models.RoleCustomer)
	tag := seedTag(t, db, orgID, "billing")

	queue := &captureQueue{}
	svc := NewTicketService(db, testLogger(), queue)

	ticket, err := svc.CreateTicket(context.Background(), &TicketCreateRequest{
		OrganizationID: orgID,
		Subject:        "Charged twice",
		Description:    "My card was charged twice this month.",
		RequesterID:    requester.ID,
		TagIDs:         strconv.FormatUint(uint64(tag.ID), 10),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ticket.Status != models.StatusNew || ticket.Priority != models.PriorityMedium || ticket.Channel != models.ChannelUI {
		t.Fatalf("defaults: %s/%s/%s", ticket.Status, ticket.Priority, ticket.Channel)
	}
	if len(ticket.Comments) != 1 || ticket.Comments[0].Kind != models.CommentKindDescription {
		t.Fatalf("description comment: %+v", ticket.Comments)
	}
	if len(ticket.Tags) != 1 || ticket.Tags[0].ID != tag.ID {
		t.Fatalf("tags: %+v", ticket.Tags)
	}
	if !hasEvent(queue.jobs, models.EventCreated, models.PerformerCustomer) {
		t.Fatalf("emitted: %v", eventsOf(queue.jobs))
	}

	// 未知的申请人直接拒绝
	if _, err := svc.CreateTicket(context.Background(), &TicketCreateRequest{
		OrganizationID: orgID, Subject: "x", RequesterID: 9999,
	}); err == nil {
		t.Fatal("expected error for unknown requester")
	}
	if _, err := svc.CreateTicket(context.Background(), &TicketCreateRequest{
		OrganizationID: orgID, Subject: "x", RequesterID: requester.ID, Priority: "apocalyptic",
	}); err == nil {
		t.Fatal("expected error for invalid priority")
	}
}

func TestUpdateTicketEmitsGranularEvents(t *testing.T) {
	db := newEngineTestDB(t)
	orgID := seedOrg(t, db)
	requester := seedUser(t, db, orgID, "c@example.com", models.RoleCustomer)
	agent := seedUser(t, db, orgID, "a@example.com", models.RoleAgent)
	ticket := seedTicket(t, db, orgID, requester.ID, nil)

	queue := &captureQueue{}
	svc := NewTicketService(db, testLogger(), queue)

	status := models.StatusResolved
	priority := models.PriorityHigh
	updated, err := svc.UpdateTicket(context.Background(), ticket.ID, &TicketUpdateRequest{
		Status:   &status,
		Priority: &priority,
		AgentID:  &agent.ID,
	}, models.PerformerAgent)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Status != models.StatusResolved || updated.Priority != models.PriorityHigh {
		t.Fatalf("updated: %s/%s", updated.Status, updated.Priority)
	}
	if updated.ResolvedAt == nil {
		t.Fatal("resolved_at should be stamped")
	}
	if updated.AgentID == nil || *updated.AgentID != agent.ID {
		t.Fatalf("agent: %v", updated.AgentID)
	}

	for _, want := range []string{
		models.EventUpdated, models.EventStatusUpdated,
		models.EventPriorityUpdated, models.EventAgentUpdated,
	} {
		if !hasEvent(queue.jobs, want, models.PerformerAgent) {
			t.Fatalf("missing event %s, emitted %v", want, eventsOf(queue.jobs))
		}
	}

	// 值未变化时不发细分事件
	queue.jobs = nil
	if _, err := svc.UpdateTicket(context.Background(), ticket.ID, &TicketUpdateRequest{
		Status: &status,
	}, models.PerformerAgent); err != nil {
		t.Fatalf("noop update: %v", err)
	}
	if hasEvent(queue.jobs, models.EventStatusUpdated, models.PerformerAgent) {
		t.Fatalf("unchanged status must not emit, emitted %v", eventsOf(queue.jobs))
	}
}

func TestAddComment(t *testing.T) {
	db := newEngineTestDB(t)
	orgID := seedOrg(t, db)
	requester := seedUser(t, db, orgID, "c@example.com", models.RoleCustomer)
	agent := seedUser(t, db, orgID, "a@example.com", models.RoleAgent)
	ticket := seedTicket(t, db, orgID, requester.ID, nil)

	queue := &captureQueue{}
	svc := NewTicketService(db, testLogger(), queue)

	// 客户回复
	comment, err := svc.AddComment(context.Background(), ticket.ID, &CommentRequest{
		AuthorID: requester.ID, Body: "any update?",
	})
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if comment.Kind != models.CommentKindReply {
		t.Fatalf("kind default: %s", comment.Kind)
	}
	if !hasEvent(queue.jobs, models.EventReplyAdded, models.PerformerCustomer) {
		t.Fatalf("emitted: %v", eventsOf(queue.jobs))
	}

	// 客服内部备注
	queue.jobs = nil
	_, err = svc.AddComment(context.Background(), ticket.ID, &CommentRequest{
		AuthorID: agent.ID, Body: "checking with infra", Kind: models.CommentKindNote,
	})
	if err != nil {
		t.Fatalf("note: %v", err)
	}
	if !hasEvent(queue.jobs, models.EventNoteAdded, models.PerformerAgent) {
		t.Fatalf("emitted: %v", eventsOf(queue.jobs))
	}

	// description 只能由建单流程写入
	if _, err := svc.AddComment(context.Background(), ticket.ID, &CommentRequest{
		AuthorID: agent.ID, Body: "x", Kind: models.CommentKindDescription,
	}); err == nil {
		t.Fatal("description kind must be rejected")
	}
}

func TestRecordFeedback(t *testing.T) {
	db := newEngineTestDB(t)
	orgID := seedOrg(t, db)
	requester := seedUser(t, db, orgID, "c@example.com", models.RoleCustomer)
	ticket := seedTicket(t, db, orgID, requester.ID, nil)

	queue := &captureQueue{}
	svc := NewTicketService(db, testLogger(), queue)

	if err := svc.RecordFeedback(context.Background(), ticket.ID, 4, "quick fix, thanks"); err != nil {
		t.Fatalf("feedback: %v", err)
	}

	var activity models.Activity
	if err := db.Where("subject_type = ? AND subject_id = ?", "ticket", ticket.ID).First(&activity).Error; err != nil {
		t.Fatalf("load activity: %v", err)
	}
	if activity.Action != "feedback_received" {
		t.Fatalf("activity: %+v", activity)
	}
	if !hasEvent(queue.jobs, models.EventFeedbackReceived, models.PerformerCustomer) {
		t.Fatalf("emitted: %v", eventsOf(queue.jobs))
	}
}

func TestListTicketsFilters(t *testing.T) {
	db := newEngineTestDB(t)
	orgID := seedOrg(t, db)
	requester := seedUser(t, db, orgID, "c@example.com", models.RoleCustomer)
	agent := seedUser(t, db, orgID, "a@example.com", models.RoleAgent)

	seedTicket(t, db, orgID, requester.ID, func(tk *models.Ticket) {
		tk.Subject = "payment failed"
		tk.Status = models.StatusOpen
		tk.AgentID = &agent.ID
	})
	seedTicket(t, db, orgID, requester.ID, func(tk *models.Ticket) {
		tk.Subject = "payment pending"
		tk.Status = models.StatusClosed
	})
	seedTicket(t, db, orgID, requester.ID, func(tk *models.Ticket) { tk.Subject = "login broken" })

	svc := NewTicketService(db, testLogger(), &captureQueue{})

	tickets, total, err := svc.ListTickets(context.Background(), orgID, &TicketListRequest{
		Page: 1, PageSize: 10, Search: "payment", SortBy: "id", SortOrder: "asc",
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 2 || len(tickets) != 2 {
		t.Fatalf("search: total %d, rows %d", total, len(tickets))
	}

	tickets, total, err = svc.ListTickets(context.Background(), orgID, &TicketListRequest{
		Page: 1, PageSize: 10, Status: []string{models.StatusOpen}, AgentID: &agent.ID,
		SortBy: "id", SortOrder: "asc",
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || tickets[0].Subject != "payment failed" {
		t.Fatalf("filters: total %d", total)
	}
}

func TestGetTicketStats(t *testing.T) {
	db := newEngineTestDB(t)
	orgID := seedOrg(t, db)
	requester := seedUser(t, db, orgID, "c@example.com", models.RoleCustomer)

	seedTicket(t, db, orgID, requester.ID, func(tk *models.Ticket) { tk.Status = models.StatusOpen })
	seedTicket(t, db, orgID, requester.ID, func(tk *models.Ticket) { tk.Status = models.StatusResolved })
	seedTicket(t, db, orgID, requester.ID, nil)

	svc := NewTicketService(db, testLogger(), &captureQueue{})
	stats, err := svc.GetTicketStats(context.Background(), orgID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 {
		t.Fatalf("total: %d", stats.Total)
	}
	if stats.Pending != 2 { // new + open
		t.Fatalf("pending: %d", stats.Pending)
	}
	if stats.Resolved != 1 {
		t.Fatalf("resolved: %d", stats.Resolved)
	}
	if len(stats.ByStatus) != 3 {
		t.Fatalf("by status: %+v", stats.ByStatus)
	}
}
