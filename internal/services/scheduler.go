package services

import (
	"context"

	"ticketflow/internal/models"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Scheduler periodically runs every active time-based automation rule.
// neeto-style "hourly" automations are approximated by one sweep whose
// cadence comes from config (engine.scheduler_spec).
type Scheduler struct {
	db        *gorm.DB
	logger    *logrus.Logger
	execution *ExecutionService
	cron      *cron.Cron
	spec      string
}

func NewScheduler(db *gorm.DB, logger *logrus.Logger, execution *ExecutionService, spec string) *Scheduler {
	if logger == nil {
		logger = logrus.New()
	}
	if spec == "" {
		spec = "@every 30m"
	}
	return &Scheduler{
		db:        db,
		logger:    logger,
		execution: execution,
		cron:      cron.New(),
		spec:      spec,
	}
}

// Start registers the sweep and launches the cron loop.
func (s *Scheduler) Start() error {
	_, err := s.cron.AddFunc(s.spec, func() { s.Sweep(context.Background()) })
	if err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Infof("Scheduler started (%s)", s.spec)
	return nil
}

// Stop waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Sweep runs every active automation rule that watches the time_based
// event. Rule failures are logged and do not stop the sweep.
func (s *Scheduler) Sweep(ctx context.Context) {
	var ruleIDs []uint
	err := s.db.WithContext(ctx).Model(&models.Rule{}).
		Joins("JOIN rule_events ON rule_events.rule_id = rules.id AND rule_events.name = ?", models.EventTimeBased).
		Where("rules.family = ? AND rules.active = ?", models.FamilyAutomation, true).
		Order("rules.display_order, rules.id").
		Pluck("rules.id", &ruleIDs).Error
	if err != nil {
		s.logger.Errorf("scheduler: failed to load time-based rules: %v", err)
		return
	}

	for _, id := range ruleIDs {
		summary, err := s.execution.ExecuteRule(ctx, id)
		if err != nil {
			s.logger.Errorf("scheduler: rule %d failed: %v", id, err)
			continue
		}
		if summary.Matched > 0 {
			s.logger.Infof("scheduler: rule %d matched %d, executed %d", id, summary.Matched, summary.Executed)
		}
	}
}
