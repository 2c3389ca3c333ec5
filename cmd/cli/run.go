package cli

import (
	"context"
	"fmt"

	"ticketflow/internal/config"
	"ticketflow/internal/services"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	runRuleID  uint
	runPreview bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a rule once against all matching tickets",
	Long: `Runs one rule to completion and prints a summary. Cascaded
re-evaluations execute inline, so the command only returns after the
whole chain has settled.`,
	RunE: runRule,
}

func init() {
	runCmd.Flags().UintVar(&runRuleID, "rule", 0, "rule id to execute")
	runCmd.Flags().BoolVar(&runPreview, "preview", false, "only count matching tickets, execute nothing")
	_ = runCmd.MarkFlagRequired("rule")
	rootCmd.AddCommand(runCmd)
}

func runRule(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if err := config.InitLogger(cfg); err != nil {
		logrus.Fatalf("Failed to initialize logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}

	matcher := services.NewMatcher(db)
	ctx := context.Background()

	if runPreview {
		ruleService := services.NewRuleService(db, appLogger, matcher)
		result, err := ruleService.Preview(ctx, runRuleID)
		if err != nil {
			return err
		}
		fmt.Printf("rule %d matches %d tickets\n", runRuleID, result.Count)
		for _, id := range result.SampleIDs {
			fmt.Printf("  ticket %d\n", id)
		}
		return nil
	}

	// Inline queue: cascades and notifications run synchronously so the
	// process can exit when the command returns.
	queue := services.NewSyncQueue(appLogger)
	assignment := services.NewAssignmentService(db, appLogger)
	slackSender := services.NewSlackSender(cfg.Slack, appLogger)
	emailSender := services.NewEmailSender(appLogger)
	dispatcher := services.NewDispatcher(appLogger)
	dispatcher.Register(emailSender)
	dispatcher.Register(slackSender)

	executor := services.NewActionExecutor(db, appLogger, assignment, queue, slackSender, services.NewTemplateRenderer())
	execution := services.NewExecutionService(db, appLogger, matcher, executor, queue, cfg.Engine)
	queue.SetHandler(func(ctx context.Context, job services.Job) error {
		switch job.Type {
		case services.JobTicketEvent:
			return execution.HandleJob(ctx, job)
		case services.JobNotification:
			if job.Notification == nil {
				return nil
			}
			return dispatcher.Dispatch(ctx, *job.Notification)
		default:
			return fmt.Errorf("unknown job type %q", job.Type)
		}
	})

	summary, err := execution.ExecuteRule(ctx, runRuleID)
	if err != nil {
		return err
	}
	fmt.Printf("rule %d: matched %d, executed %d, failed %d\n",
		summary.RuleID, summary.Matched, summary.Executed, summary.Failed)
	return nil
}
