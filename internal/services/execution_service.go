package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"ticketflow/internal/config"
	"ticketflow/internal/metrics"
	"ticketflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ExecutionBroadcaster pushes execution events to connected admin clients.
type ExecutionBroadcaster interface {
	BroadcastExecution(ruleID, ticketID uint)
}

// ExecutionSummary reports one full execution pass.
type ExecutionSummary struct {
	RuleID   uint `json:"rule_id"`
	Matched  int  `json:"matched"`
	Executed int  `json:"executed"`
	Failed   int  `json:"failed"`
}

// ExecutionService runs rules against their matching tickets: batched
// matching, one transaction per ticket, an ExecutionLogEntry per fully
// handled pass, and async cascading for the events the actions fired.
//
// Tickets are processed sequentially within one pass; concurrency across
// rules/tickets belongs to the surrounding queue.
type ExecutionService struct {
	db       *gorm.DB
	logger   *logrus.Logger
	matcher  *Matcher
	executor *ActionExecutor
	queue    TaskQueue
	hub      ExecutionBroadcaster

	batchSize       int
	maxCascadeDepth int
}

func NewExecutionService(db *gorm.DB, logger *logrus.Logger, matcher *Matcher, executor *ActionExecutor, queue TaskQueue, cfg config.EngineConfig) *ExecutionService {
	if logger == nil {
		logger = logrus.New()
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	depth := cfg.MaxCascadeDepth
	if depth <= 0 {
		depth = 10
	}
	return &ExecutionService{
		db:              db,
		logger:          logger,
		matcher:         matcher,
		executor:        executor,
		queue:           queue,
		batchSize:       batch,
		maxCascadeDepth: depth,
	}
}

// SetBroadcaster wires the optional websocket hub.
func (s *ExecutionService) SetBroadcaster(b ExecutionBroadcaster) { s.hub = b }

// HandleJob is the queue entry point for cascade jobs.
func (s *ExecutionService) HandleJob(ctx context.Context, job Job) error {
	if job.Type != JobTicketEvent {
		return fmt.Errorf("execution service: unexpected job type %q", job.Type)
	}
	return s.HandleTicketEvent(ctx, job.TicketID, job.Event, job.Performer, job.Chain)
}

// ExecuteRule runs a full pass of an automation or macro rule over every
// matching ticket in the organization. Explicit invocation runs the rule
// even when inactive (manual "run now").
func (s *ExecutionService) ExecuteRule(ctx context.Context, ruleID uint) (*ExecutionSummary, error) {
	rule, err := s.loadRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if rule.Family != models.FamilyAutomation && rule.Family != models.FamilyMacro {
		return nil, fmt.Errorf("rule %d: family %q is not executable against tickets", rule.ID, rule.Family)
	}

	started := time.Now()
	defer func() {
		metrics.ExecutionDuration.Observe(float64(time.Since(started).Milliseconds()))
		metrics.RulesExecuted.WithLabelValues(rule.Family).Inc()
	}()

	q, err := s.matcher.TicketQuery(ctx, rule)
	if err != nil {
		return nil, err
	}

	summary := &ExecutionSummary{RuleID: rule.ID}
	ec := ExecutionContext{OrganizationID: rule.OrganizationID, Performer: models.PerformerSystem}
	chain := CascadeChain{Visited: []uint{rule.ID}}

	var batch []models.Ticket
	result := q.FindInBatches(&batch, s.batchSize, func(_ *gorm.DB, _ int) error {
		for i := range batch {
			summary.Matched++
			metrics.TicketsMatched.Inc()
			logged, err := s.runTicket(ctx, rule, batch[i].ID, ec, chain)
			if err != nil {
				// The ticket's transaction rolled back; keep going.
				summary.Failed++
				s.logger.Warnf("rule %d on ticket %d failed: %v", rule.ID, batch[i].ID, err)
				continue
			}
			if logged {
				summary.Executed++
			}
		}
		return nil
	})
	if result.Error != nil {
		return nil, fmt.Errorf("match tickets for rule %d: %w", rule.ID, result.Error)
	}
	return summary, nil
}

// HandleTicketEvent re-evaluates the active rules watching an event against
// a single ticket, in display order. Rules already visited in the cascade
// chain are skipped so A→B→A chains terminate.
func (s *ExecutionService) HandleTicketEvent(ctx context.Context, ticketID uint, event, performer string, chain CascadeChain) error {
	var ticket models.Ticket
	if err := s.db.WithContext(ctx).First(&ticket, ticketID).Error; err != nil {
		return fmt.Errorf("load ticket %d: %w", ticketID, err)
	}

	var rules []models.Rule
	err := s.db.WithContext(ctx).
		Joins("JOIN rule_events ON rule_events.rule_id = rules.id AND rule_events.name = ?", event).
		Where("rules.organization_id = ? AND rules.family = ? AND rules.active = ?",
			ticket.OrganizationID, models.FamilyAutomation, true).
		Preload("Events").
		Preload("ConditionGroups.Conditions.Tags").
		Preload("Actions.Tags").
		Order("rules.display_order, rules.id").
		Find(&rules).Error
	if err != nil {
		return fmt.Errorf("load rules for event %q: %w", event, err)
	}

	for i := range rules {
		rule := &rules[i]
		if rule.Performer != models.PerformerAny && rule.Performer != performer {
			continue
		}
		if chain.Contains(rule.ID) {
			metrics.CascadesDropped.Inc()
			s.logger.Debugf("cascade guard: rule %d already visited for ticket %d", rule.ID, ticketID)
			continue
		}
		matched, err := s.matcher.TicketMatches(ctx, rule, ticketID)
		if err != nil {
			return err
		}
		if !matched {
			continue
		}
		ec := ExecutionContext{OrganizationID: rule.OrganizationID, Performer: models.PerformerSystem}
		if _, err := s.runTicket(ctx, rule, ticketID, ec, chain.Next(rule.ID)); err != nil {
			s.logger.Warnf("rule %d on ticket %d failed: %v", rule.ID, ticketID, err)
		}
	}
	return nil
}

// ApplyMacro runs a macro's actions on a single ticket. Macros are picked
// deliberately by an agent, so conditions are not re-checked.
func (s *ExecutionService) ApplyMacro(ctx context.Context, ruleID, ticketID uint, agentID *uint) error {
	rule, err := s.loadRule(ctx, ruleID)
	if err != nil {
		return err
	}
	if rule.Family != models.FamilyMacro {
		return fmt.Errorf("rule %d: not a macro", rule.ID)
	}
	ec := ExecutionContext{
		OrganizationID: rule.OrganizationID,
		Performer:      models.PerformerAgent,
		PerformerID:    agentID,
	}
	_, err = s.runTicket(ctx, rule, ticketID, ec, CascadeChain{Visited: []uint{rule.ID}})
	if err == nil {
		metrics.RulesExecuted.WithLabelValues(rule.Family).Inc()
	}
	return err
}

// ExecuteOutbound runs an outbound campaign: every matched customer gets
// the campaign's email actions, delivered through the queue.
func (s *ExecutionService) ExecuteOutbound(ctx context.Context, ruleID uint) (*ExecutionSummary, error) {
	rule, err := s.loadRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if rule.Family != models.FamilyOutbound {
		return nil, fmt.Errorf("rule %d: not an outbound campaign", rule.ID)
	}

	q, err := s.matcher.UserQuery(ctx, rule)
	if err != nil {
		return nil, err
	}

	summary := &ExecutionSummary{RuleID: rule.ID}
	var batch []models.User
	result := q.FindInBatches(&batch, s.batchSize, func(_ *gorm.DB, _ int) error {
		for _, user := range batch {
			summary.Matched++
			for _, action := range orderedActions(rule) {
				s.queue.Enqueue(Job{
					Type: JobNotification,
					Notification: &Message{
						Kind:      "email",
						Recipient: user.Email,
						Subject:   rule.Name,
						Body:      action.Body,
					},
				})
			}
			summary.Executed++
		}
		return nil
	})
	if result.Error != nil {
		return nil, fmt.Errorf("match users for rule %d: %w", rule.ID, result.Error)
	}
	metrics.RulesExecuted.WithLabelValues(rule.Family).Inc()
	return summary, nil
}

// runTicket executes every action of the rule against one ticket inside a
// transaction. An action error rolls the whole ticket back. The pass is
// logged (and cascades fire) only when every action executed or was
// intentionally skippable.
func (s *ExecutionService) runTicket(ctx context.Context, rule *models.Rule, ticketID uint, ec ExecutionContext, chain CascadeChain) (bool, error) {
	fired := make(map[string]struct{})
	allHandled := true

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ticket models.Ticket
		if err := tx.Preload("Tags").First(&ticket, ticketID).Error; err != nil {
			return fmt.Errorf("load ticket %d: %w", ticketID, err)
		}
		for _, action := range orderedActions(rule) {
			res, err := s.executor.Execute(ctx, tx, rule, action, &ticket, ec)
			if err != nil {
				metrics.ActionsExecuted.WithLabelValues(action.Name, "failed").Inc()
				return fmt.Errorf("action %s: %w", action.Name, err)
			}
			switch {
			case res.Skipped:
				metrics.ActionsExecuted.WithLabelValues(action.Name, "skipped").Inc()
			case res.Executed:
				metrics.ActionsExecuted.WithLabelValues(action.Name, "executed").Inc()
				for _, ev := range res.Events {
					fired[ev] = struct{}{}
				}
			default:
				// Dispatched nothing (e.g. slack failure): no log entry,
				// but completed mutations stay.
				allHandled = false
			}
		}
		if allHandled {
			entry := &models.ExecutionLogEntry{RuleID: rule.ID, TicketID: ticketID}
			if err := tx.Create(entry).Error; err != nil {
				return fmt.Errorf("record execution log: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if !allHandled {
		return false, nil
	}

	s.cascade(fired, ticketID, chain)
	if s.hub != nil {
		s.hub.BroadcastExecution(rule.ID, ticketID)
	}
	return true, nil
}

// cascade enqueues one re-evaluation job per distinct fired event. Depth is
// bounded; the visited-rule set travels in the job payload.
func (s *ExecutionService) cascade(fired map[string]struct{}, ticketID uint, chain CascadeChain) {
	if len(fired) == 0 {
		return
	}
	if chain.Depth+1 > s.maxCascadeDepth {
		metrics.CascadesDropped.Inc()
		s.logger.Warnf("cascade depth %d exceeded for ticket %d, dropping", chain.Depth+1, ticketID)
		return
	}
	events := make([]string, 0, len(fired))
	for ev := range fired {
		events = append(events, ev)
	}
	sort.Strings(events)
	for _, ev := range events {
		s.queue.Enqueue(Job{
			Type:      JobTicketEvent,
			TicketID:  ticketID,
			Event:     ev,
			Performer: models.PerformerSystem,
			Chain:     CascadeChain{Visited: chain.Visited, Depth: chain.Depth + 1},
		})
		metrics.CascadesEnqueued.Inc()
	}
}

func (s *ExecutionService) loadRule(ctx context.Context, ruleID uint) (*models.Rule, error) {
	var rule models.Rule
	err := s.db.WithContext(ctx).
		Preload("Events").
		Preload("ConditionGroups.Conditions.Tags").
		Preload("Actions.Tags").
		First(&rule, ruleID).Error
	if err != nil {
		return nil, fmt.Errorf("load rule %d: %w", ruleID, err)
	}
	return &rule, nil
}

func orderedActions(rule *models.Rule) []models.Action {
	actions := make([]models.Action, len(rule.Actions))
	copy(actions, rule.Actions)
	sort.SliceStable(actions, func(i, j int) bool { return actions[i].Sequence < actions[j].Sequence })
	return actions
}
