package services

import (
	"context"
	"testing"

	"ticketflow/internal/config"
	"ticketflow/internal/models"

	"gorm.io/gorm"
)

// newEngineStack 组装同步执行的完整引擎：级联在 Enqueue 内直接完成
func newEngineStack(t *testing.T, db *gorm.DB, cfg config.EngineConfig) *ExecutionService {
	t.Helper()
	logger := testLogger()
	matcher := NewMatcher(db)
	assignment := NewAssignmentService(db, logger)
	queue := NewSyncQueue(logger)
	executor := NewActionExecutor(db, logger, assignment, queue, nil, nil)
	execution := NewExecutionService(db, logger, matcher, executor, queue, cfg)
	queue.SetHandler(func(ctx context.Context, job Job) error {
		if job.Type == JobTicketEvent {
			return execution.HandleJob(ctx, job)
		}
		return nil
	})
	return execution
}

func seedRule(t *testing.T, db *gorm.DB, rule *models.Rule) *models.Rule {
	t.Helper()
	if err := db.Create(rule).Error; err != nil {
		t.Fatalf("seed rule: %v", err)
	}
	return rule
}

func countLogs(t *testing.T, db *gorm.DB, ruleID uint) int64 {
	t.Helper()
	var n int64
	if err := db.Model(&models.ExecutionLogEntry{}).Where("rule_id = ?", ruleID).Count(&n).Error; err != nil {
		t.Fatalf("count logs: %v", err)
	}
	return n
}

func TestExecuteRuleClosesMatchingTickets(t *testing.T) {
	db := newEngineTestDB(t)
	orgID := seedOrg(t, db)
	requester := seedUser(t, db, orgID, "c@example.com", models.RoleCustomer)

	done1 := seedTicket(t, db, orgID, requester.ID, func(tk *models.Ticket) { tk.Subject = "done: export" })
	done2 := seedTicket(t, db, orgID, requester.ID, func(tk *models.Ticket) { tk.Subject = "all done here" })
	open := seedTicket(t, db, orgID, requester.ID, func(tk *models.Ticket) { tk.Subject = "still broken" })

	rule := seedRule(t, db, &models.Rule{
		OrganizationID: orgID, Family: models.FamilyAutomation, Name: "close done", Active: true,
		Events: []models.RuleEvent{{Name: models.EventCreated}},
		ConditionGroups: []models.ConditionGroup{condGroup(models.JoinAnd, models.JoinAnd,
			models.Condition{Field: "subject", Verb: models.VerbContains, Value: "done"})},
		Actions: []models.Action{{Name: models.ActionChangeTicketStatus, Status: models.StatusClosed}},
	})

	execution := newEngineStack(t, db, config.EngineConfig{})
	summary, err := execution.ExecuteRule(context.Background(), rule.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if summary.Matched != 2 || summary.Executed != 2 || summary.Failed != 0 {
		t.Fatalf("summary: %+v", summary)
	}

	for _, id := range []uint{done1.ID, done2.ID} {
		var stored models.Ticket
		db.First(&stored, id)
		if stored.Status != models.StatusClosed {
			t.Fatalf("ticket %d: status %s", id, stored.Status)
		}
	}
	var untouched models.Ticket
	db.First(&untouched, open.ID)
	if untouched.Status != models.StatusNew {
		t.Fatalf("unmatched ticket mutated: %s", untouched.Status)
	}
	if n := countLogs(t, db, rule.ID); n != 2 {
		t.Fatalf("log entries: %d", n)
	}
}

func TestExecuteRuleRerunSkipsButStillLogs(t *testing.T) {
	db := newEngineTestDB(t)
	orgID := seedOrg(t, db)
	requester := seedUser(t, db, orgID, "c@example.com", models.RoleCustomer)
	seedTicket(t, db, orgID, requester.ID, func(tk *models.Ticket) { tk.Subject = "done" })

	rule := seedRule(t, db, &models.Rule{
		OrganizationID: orgID, Family: models.FamilyAutomation, Name: "close done", Active: true,
		Events: []models.RuleEvent{{Name: models.EventCreated}},
		ConditionGroups: []models.ConditionGroup{condGroup(models.JoinAnd, models.JoinAnd,
			models.Condition{Field: "subject", Verb: models.VerbContains, Value: "done"})},
		Actions: []models.Action{{Name: models.ActionChangeTicketStatus, Status: models.StatusClosed}},
	})

	execution := newEngineStack(t, db, config.EngineConfig{})
	if _, err := execution.ExecuteRule(context.Background(), rule.ID); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// 第二次执行：动作全部跳过，但仍视为完整处理并记日志
	summary, err := execution.ExecuteRule(context.Background(), rule.ID)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if summary.Matched != 1 || summary.Executed != 1 {
		t.Fatalf("summary: %+v", summary)
	}
	if n := countLogs(t, db, rule.ID); n != 2 {
		t.Fatalf("log entries after rerun: %d", n)
	}
}

func TestHandleTicketEventCascadesBetweenRules(t *testing.T) {
	db := newEngineTestDB(t)
	orgID := seedOrg(t, db)
	requester := seedUser(t, db, orgID, "c@example.com", models.RoleCustomer)
	ticket := seedTicket(t, db, orgID, requester.ID, nil)

	escalate := seedRule(t, db, &models.Rule{
		OrganizationID: orgID, Family: models.FamilyAutomation, Name: "escalate new", Active: true,
		Events: []models.RuleEvent{{Name: models.EventCreated}},
		ConditionGroups: []models.ConditionGroup{condGroup(models.JoinAnd, models.JoinAnd,
			models.Condition{Field: "priority", Verb: models.VerbIs, Value: models.PriorityLow})},
		Actions: []models.Action{{Name: models.ActionChangeTicketPriority, Value: models.PriorityUrgent}},
	})
	note := seedRule(t, db, &models.Rule{
		OrganizationID: orgID, Family: models.FamilyAutomation, Name: "note on escalation", Active: true,
		Events: []models.RuleEvent{{Name: models.EventPriorityUpdated}},
		ConditionGroups: []models.ConditionGroup{condGroup(models.JoinAnd, models.JoinAnd,
			models.Condition{Field: "priority", Verb: models.VerbIs, Value: models.PriorityUrgent})},
		Actions: []models.Action{{Name: models.ActionAddNote, Body: "escalated automatically"}},
	})

	execution := newEngineStack(t, db, config.EngineConfig{})
	err := execution.HandleTicketEvent(context.Background(), ticket.ID, models.EventCreated, models.PerformerCustomer, CascadeChain{})
	if err != nil {
		t.Fatalf("handle event: %v", err)
	}

	var stored models.Ticket
	db.First(&stored, ticket.ID)
	if stored.Priority != models.PriorityUrgent {
		t.Fatalf("priority: %s", stored.Priority)
	}
	var noteCount int64
	db.Model(&models.TicketComment{}).Where("ticket_id = ? AND kind = ?", ticket.ID, models.CommentKindNote).Count(&noteCount)
	if noteCount != 1 {
		t.Fatalf("cascaded note count: %d", noteCount)
	}
	if countLogs(t, db, escalate.ID) != 1 || countLogs(t, db, note.ID) != 1 {
		t.Fatal("both rules should have logged once")
	}
}

func TestCascadeLoopTerminates(t *testing.T) {
	db := newEngineTestDB(t)
	orgID := seedOrg(t, db)
	requester := seedUser(t, db, orgID, "c@example.com", models.RoleCustomer)
	ticket := seedTicket(t, db, orgID, requester.ID, nil)

	// 两条规则互相触发：low→high 与 high→low 本会无限乒乓
	a := seedRule(t, db, &models.Rule{
		OrganizationID: orgID, Family: models.FamilyAutomation, Name: "bump high", Active: true,
		Events: []models.RuleEvent{{Name: models.EventPriorityUpdated}},
		ConditionGroups: []models.ConditionGroup{condGroup(models.JoinAnd, models.JoinAnd,
			models.Condition{Field: "priority", Verb: models.VerbIs, Value: models.PriorityLow})},
		Actions: []models.Action{{Name: models.ActionChangeTicketPriority, Value: models.PriorityHigh}},
	})
	b := seedRule(t, db, &models.Rule{
		OrganizationID: orgID, Family: models.FamilyAutomation, Name: "drop low", Active: true,
		Events: []models.RuleEvent{{Name: models.EventPriorityUpdated}},
		ConditionGroups: []models.ConditionGroup{condGroup(models.JoinAnd, models.JoinAnd,
			models.Condition{Field: "priority", Verb: models.VerbIs, Value: models.PriorityHigh})},
		Actions: []models.Action{{Name: models.ActionChangeTicketPriority, Value: models.PriorityLow}},
	})

	execution := newEngineStack(t, db, config.EngineConfig{})
	err := execution.HandleTicketEvent(context.Background(), ticket.ID, models.EventPriorityUpdated, models.PerformerSystem, CascadeChain{})
	if err != nil {
		t.Fatalf("handle event: %v", err)
	}

	// 访问过的规则不再重入：每条规则至多执行一次
	if countLogs(t, db, a.ID) != 1 {
		t.Fatalf("rule a logs: %d", countLogs(t, db, a.ID))
	}
	if countLogs(t, db, b.ID) != 1 {
		t.Fatalf("rule b logs: %d", countLogs(t, db, b.ID))
	}
	var stored models.Ticket
	db.First(&stored, ticket.ID)
	if stored.Priority != models.PriorityLow {
		t.Fatalf("priority after bounded ping-pong: %s", stored.Priority)
	}
}

func TestCascadeDepthBound(t *testing.T) {
	db := newEngineTestDB(t)
	orgID := seedOrg(t, db)
	requester := seedUser(t, db, orgID, "c@example.com", models.RoleCustomer)
	ticket := seedTicket(t, db, orgID, requester.ID, nil)

	seedRule(t, db, &models.Rule{
		OrganizationID: orgID, Family: models.FamilyAutomation, Name: "first hop", Active: true,
		Events:  []models.RuleEvent{{Name: models.EventCreated}},
		Actions: []models.Action{{Name: models.ActionChangeTicketPriority, Value: models.PriorityHigh}},
	})
	second := seedRule(t, db, &models.Rule{
		OrganizationID: orgID, Family: models.FamilyAutomation, Name: "second hop", Active: true,
		Events:  []models.RuleEvent{{Name: models.EventPriorityUpdated}},
		Actions: []models.Action{{Name: models.ActionAddNote, Body: "too deep"}},
	})

	execution := newEngineStack(t, db, config.EngineConfig{MaxCascadeDepth: 1})
	err := execution.HandleTicketEvent(context.Background(), ticket.ID, models.EventCreated, models.PerformerCustomer, CascadeChain{})
	if err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if n := countLogs(t, db, second.ID); n != 0 {
		t.Fatalf("second hop should be dropped at depth 1, got %d logs", n)
	}
}

func TestHandleTicketEventPerformerFilter(t *testing.T) {
	db := newEngineTestDB(t)
	orgID := seedOrg(t, db)
	requester := seedUser(t, db, orgID, "c@example.com", models.RoleCustomer)
	ticket := seedTicket(t, db, orgID, requester.ID, nil)

	rule := seedRule(t, db, &models.Rule{
		OrganizationID: orgID, Family: models.FamilyAutomation, Name: "agent only", Active: true,
		Performer: models.PerformerAgent,
		Events:    []models.RuleEvent{{Name: models.EventReplyAdded}},
		Actions:   []models.Action{{Name: models.ActionChangeTicketStatus, Status: models.StatusOpen}},
	})

	execution := newEngineStack(t, db, config.EngineConfig{})
	if err := execution.HandleTicketEvent(context.Background(), ticket.ID, models.EventReplyAdded, models.PerformerCustomer, CascadeChain{}); err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if n := countLogs(t, db, rule.ID); n != 0 {
		t.Fatalf("customer reply must not trigger an agent-only rule, got %d logs", n)
	}

	if err := execution.HandleTicketEvent(context.Background(), ticket.ID, models.EventReplyAdded, models.PerformerAgent, CascadeChain{}); err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if n := countLogs(t, db, rule.ID); n != 1 {
		t.Fatalf("agent reply should trigger, got %d logs", n)
	}
}

func TestRunTicketRollsBackOnActionError(t *testing.T) {
	db := newEngineTestDB(t)
	orgID := seedOrg(t, db)
	requester := seedUser(t, db, orgID, "c@example.com", models.RoleCustomer)
	seedTicket(t, db, orgID, requester.ID, nil)

	// 第二个动作缺少 target，必须连同第一个动作一起回滚
	rule := seedRule(t, db, &models.Rule{
		OrganizationID: orgID, Family: models.FamilyAutomation, Name: "half broken", Active: true,
		Events: []models.RuleEvent{{Name: models.EventCreated}},
		Actions: []models.Action{
			{Name: models.ActionAddNote, Body: "first", Sequence: 0},
			{Name: models.ActionAssignGroup, Sequence: 1},
		},
	})

	execution := newEngineStack(t, db, config.EngineConfig{})
	summary, err := execution.ExecuteRule(context.Background(), rule.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if summary.Failed != 1 || summary.Executed != 0 {
		t.Fatalf("summary: %+v", summary)
	}
	var notes int64
	db.Model(&models.TicketComment{}).Where("kind = ?", models.CommentKindNote).Count(&notes)
	if notes != 0 {
		t.Fatalf("note survived a rolled-back pass: %d", notes)
	}
	if n := countLogs(t, db, rule.ID); n != 0 {
		t.Fatalf("failed pass must not log, got %d", n)
	}
}

func TestApplyMacroIgnoresConditions(t *testing.T) {
	db := newEngineTestDB(t)
	orgID := seedOrg(t, db)
	requester := seedUser(t, db, orgID, "c@example.com", models.RoleCustomer)
	agent := seedUser(t, db, orgID, "a@example.com", models.RoleAgent)
	ticket := seedTicket(t, db, orgID, requester.ID, nil)

	// 条件根本不匹配该工单，宏仍然直接套用
	macro := seedRule(t, db, &models.Rule{
		OrganizationID: orgID, Family: models.FamilyMacro, Name: "resolve with note", Active: true,
		ConditionGroups: []models.ConditionGroup{condGroup(models.JoinAnd, models.JoinAnd,
			models.Condition{Field: "subject", Verb: models.VerbContains, Value: "nomatch"})},
		Actions: []models.Action{
			{Name: models.ActionAddNote, Body: "handled via macro", Sequence: 0},
			{Name: models.ActionChangeTicketStatus, Status: models.StatusResolved, Sequence: 1},
		},
	})

	execution := newEngineStack(t, db, config.EngineConfig{})
	if err := execution.ApplyMacro(context.Background(), macro.ID, ticket.ID, &agent.ID); err != nil {
		t.Fatalf("apply macro: %v", err)
	}

	var stored models.Ticket
	db.First(&stored, ticket.ID)
	if stored.Status != models.StatusResolved {
		t.Fatalf("status: %s", stored.Status)
	}
	var note models.TicketComment
	if err := db.Where("ticket_id = ? AND kind = ?", ticket.ID, models.CommentKindNote).First(&note).Error; err != nil {
		t.Fatalf("load note: %v", err)
	}
	if note.AuthorID != agent.ID {
		t.Fatalf("macro note should be authored by the applying agent, got %d", note.AuthorID)
	}
	if n := countLogs(t, db, macro.ID); n != 1 {
		t.Fatalf("macro logs: %d", n)
	}
}

func TestExecuteRuleRejectsWrongFamily(t *testing.T) {
	db := newEngineTestDB(t)
	orgID := seedOrg(t, db)

	view := seedRule(t, db, &models.Rule{OrganizationID: orgID, Family: models.FamilyView, Name: "open tickets", Active: true})
	outbound := seedRule(t, db, &models.Rule{
		OrganizationID: orgID, Family: models.FamilyOutbound, Name: "newsletter", Active: true,
		Actions: []models.Action{{Name: models.ActionEmailToRequester, Body: "hi"}},
	})

	execution := newEngineStack(t, db, config.EngineConfig{})
	if _, err := execution.ExecuteRule(context.Background(), view.ID); err == nil {
		t.Fatal("views must not be executable")
	}
	if _, err := execution.ExecuteRule(context.Background(), outbound.ID); err == nil {
		t.Fatal("outbound campaigns must go through ExecuteOutbound")
	}
	if _, err := execution.ExecuteOutbound(context.Background(), view.ID); err == nil {
		t.Fatal("ExecuteOutbound must reject non-outbound rules")
	}
}

func TestExecuteOutboundEnqueuesEmails(t *testing.T) {
	db := newEngineTestDB(t)
	orgID := seedOrg(t, db)
	c1 := seedUser(t, db, orgID, "one@corp.example", models.RoleCustomer)
	c2 := seedUser(t, db, orgID, "two@corp.example", models.RoleCustomer)
	seedUser(t, db, orgID, "agent@corp.example", models.RoleAgent)

	campaign := seedRule(t, db, &models.Rule{
		OrganizationID: orgID, Family: models.FamilyOutbound, Name: "maintenance notice", Active: true,
		ConditionGroups: []models.ConditionGroup{condGroup(models.JoinAnd, models.JoinAnd,
			models.Condition{Field: "email", Verb: models.VerbContains, Value: "corp.example"})},
		Actions: []models.Action{{Name: models.ActionEmailToRequester, Body: "maintenance tonight"}},
	})

	logger := testLogger()
	queue := &captureQueue{}
	matcher := NewMatcher(db)
	executor := NewActionExecutor(db, logger, nil, queue, nil, nil)
	execution := NewExecutionService(db, logger, matcher, executor, queue, config.EngineConfig{})

	summary, err := execution.ExecuteOutbound(context.Background(), campaign.ID)
	if err != nil {
		t.Fatalf("execute outbound: %v", err)
	}
	if summary.Matched != 2 || summary.Executed != 2 {
		t.Fatalf("summary: %+v", summary)
	}
	if len(queue.jobs) != 2 {
		t.Fatalf("jobs: %d", len(queue.jobs))
	}
	recipients := map[string]bool{}
	for _, job := range queue.jobs {
		if job.Type != JobNotification || job.Notification == nil || job.Notification.Kind != "email" {
			t.Fatalf("unexpected job: %+v", job)
		}
		recipients[job.Notification.Recipient] = true
	}
	if !recipients[c1.Email] || !recipients[c2.Email] {
		t.Fatalf("recipients: %v", recipients)
	}
}
