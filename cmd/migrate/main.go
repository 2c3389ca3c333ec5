package main

import (
	"log"
	"os"

	"ticketflow/internal/config"
	"ticketflow/internal/models"

	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	// 加载配置
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()
	cfg := config.Load()

	// 连接数据库
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Info),
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Println("Starting database migration...")

	// 自动迁移所有模型
	err = db.AutoMigrate(
		&models.Organization{},
		&models.User{},
		&models.Group{},
		&models.GroupMember{},
		&models.Tag{},
		&models.Ticket{},
		&models.TicketComment{},
		&models.TaskList{},
		&models.TaskItem{},
		&models.TicketTask{},
		&models.Rule{},
		&models.RuleEvent{},
		&models.ConditionGroup{},
		&models.Condition{},
		&models.Action{},
		&models.ExecutionLogEntry{},
		&models.RoundRobinAgentSlot{},
		&models.Activity{},
	)
	if err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	log.Println("Database migration completed successfully!")

	// 创建索引
	log.Println("Creating additional indexes...")

	// 为工单表创建复合索引（匹配器最常用的过滤组合）
	db.Exec("CREATE INDEX IF NOT EXISTS idx_tickets_org_status ON tickets(organization_id, status)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_tickets_org_priority ON tickets(organization_id, priority)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_tickets_agent_status ON tickets(agent_id, status)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_tickets_requester_created ON tickets(requester_id, created_at)")

	// 规则与事件
	db.Exec("CREATE INDEX IF NOT EXISTS idx_rules_org_family_active ON rules(organization_id, family, active)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_rule_events_name ON rule_events(name, rule_id)")

	// 执行日志
	db.Exec("CREATE INDEX IF NOT EXISTS idx_execution_logs_rule_created ON execution_log_entries(rule_id, created_at)")

	log.Println("Additional indexes created successfully!")

	// 插入默认数据
	if len(os.Args) > 1 && os.Args[1] == "--seed" {
		log.Println("Seeding default data...")
		seedDefaultData(db)
		log.Println("Default data seeded successfully!")
	}

	log.Println("Migration process completed!")
}

func seedDefaultData(db *gorm.DB) {
	// 默认组织
	var org models.Organization
	if err := db.Where("subdomain = ?", "demo").First(&org).Error; err != nil {
		org = models.Organization{Name: "Demo Workspace", Subdomain: "demo"}
		db.Create(&org)
		log.Println("Created demo organization")
	}

	// 创建默认管理员用户
	var adminUser models.User
	if err := db.Where("email = ?", "admin@ticketflow.local").First(&adminUser).Error; err != nil {
		adminUser = models.User{
			OrganizationID: org.ID,
			Email:          "admin@ticketflow.local",
			Name:           "系统管理员",
			Role:           models.RoleAdmin,
			Active:         true,
		}
		db.Create(&adminUser)
		log.Println("Created default admin user")
	}

	// 创建测试客服
	var testAgent models.User
	if err := db.Where("email = ?", "agent@ticketflow.local").First(&testAgent).Error; err != nil {
		testAgent = models.User{
			OrganizationID:           org.ID,
			Email:                    "agent@ticketflow.local",
			Name:                     "测试客服",
			Role:                     models.RoleAgent,
			Active:                   true,
			ContinueAssigningTickets: true,
		}
		db.Create(&testAgent)
		log.Println("Created test agent")
	}

	// 创建测试客户
	var testCustomer models.User
	if err := db.Where("email = ?", "customer@ticketflow.local").First(&testCustomer).Error; err != nil {
		testCustomer = models.User{
			OrganizationID: org.ID,
			Email:          "customer@ticketflow.local",
			Name:           "测试客户",
			Role:           models.RoleCustomer,
			Active:         true,
		}
		db.Create(&testCustomer)
		log.Println("Created test customer")
	}

	// 示例自动化：客户回复后重新打开已解决的工单
	var existing models.Rule
	if err := db.Where("organization_id = ? AND name = ?", org.ID, "Reopen on customer reply").First(&existing).Error; err != nil {
		rule := models.Rule{
			OrganizationID: org.ID,
			Family:         models.FamilyAutomation,
			Name:           "Reopen on customer reply",
			Description:    "客户在已解决工单上回复时自动重新打开",
			Active:         true,
			Performer:      models.PerformerCustomer,
			Events: []models.RuleEvent{
				{Name: models.EventReplyAdded},
			},
			ConditionGroups: []models.ConditionGroup{
				{
					JoinType:           models.JoinAnd,
					ConditionsJoinType: models.JoinAnd,
					Conditions: []models.Condition{
						{Field: "status", Verb: models.VerbIs, Value: models.StatusResolved},
					},
				},
			},
			Actions: []models.Action{
				{Name: models.ActionChangeTicketStatus, Status: models.StatusOpen, Sequence: 0},
			},
		}
		db.Create(&rule)
		log.Println("Created sample automation rule")
	}
}
