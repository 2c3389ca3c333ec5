package services

import (
	"context"
	"errors"
	"fmt"

	"ticketflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	ErrRuleNotFound  = errors.New("rule not found")
	ErrDuplicateName = errors.New("a rule with this name already exists")
)

// RuleService 规则管理服务：增删改查、校验、克隆与排序
type RuleService struct {
	db      *gorm.DB
	logger  *logrus.Logger
	matcher *Matcher
}

func NewRuleService(db *gorm.DB, logger *logrus.Logger, matcher *Matcher) *RuleService {
	if logger == nil {
		logger = logrus.New()
	}
	return &RuleService{db: db, logger: logger, matcher: matcher}
}

// EventRequest 触发事件
type EventRequest struct {
	Name     string `json:"name" binding:"required"`
	Sequence int    `json:"sequence"`
}

// ConditionRequest 单个条件
type ConditionRequest struct {
	Field    string `json:"field" binding:"required"`
	Verb     string `json:"verb" binding:"required"`
	Value    string `json:"value"`
	Kind     string `json:"kind"`
	JoinType string `json:"join_type"`
	Sequence int    `json:"sequence"`
}

// ConditionGroupRequest 条件组
type ConditionGroupRequest struct {
	JoinType           string             `json:"join_type"`
	ConditionsJoinType string             `json:"conditions_join_type"`
	Sequence           int                `json:"sequence"`
	Conditions         []ConditionRequest `json:"conditions"`
}

// ActionRequest 动作
type ActionRequest struct {
	Name       string `json:"name" binding:"required"`
	Value      string `json:"value"`
	Status     string `json:"status"`
	TargetKind string `json:"target_kind"`
	TargetID   *uint  `json:"target_id"`
	Body       string `json:"body"`
	Sequence   int    `json:"sequence"`
}

// RuleRequest 创建/更新规则请求
type RuleRequest struct {
	OrganizationID  uint                    `json:"organization_id" binding:"required"`
	Family          string                  `json:"family"`
	Name            string                  `json:"name" binding:"required"`
	Description     string                  `json:"description"`
	Active          *bool                   `json:"active"`
	Performer       string                  `json:"performer"`
	Events          []EventRequest          `json:"events"`
	ConditionGroups []ConditionGroupRequest `json:"condition_groups"`
	Actions         []ActionRequest         `json:"actions"`
}

// RuleListRequest 规则列表请求
type RuleListRequest struct {
	Family   string `form:"family"`
	Active   *bool  `form:"active"`
	Search   string `form:"search"`
	Page     int    `form:"page,default=1"`
	PageSize int    `form:"page_size,default=50"`
}

// CreateRule validates and persists a rule with its full nested tree.
func (s *RuleService) CreateRule(ctx context.Context, req *RuleRequest) (*models.Rule, error) {
	rule, err := s.buildRule(req)
	if err != nil {
		return nil, err
	}
	if err := s.checkNameUnique(ctx, req.OrganizationID, rule.Family, req.Name, 0); err != nil {
		return nil, err
	}

	// New rules go to the end of their family's ordering.
	var maxOrder int
	s.db.WithContext(ctx).Model(&models.Rule{}).
		Where("organization_id = ? AND family = ?", req.OrganizationID, rule.Family).
		Select("COALESCE(MAX(display_order), -1)").Scan(&maxOrder)
	rule.DisplayOrder = maxOrder + 1

	if err := s.db.WithContext(ctx).Create(rule).Error; err != nil {
		return nil, fmt.Errorf("failed to create rule: %w", err)
	}
	if !rule.Active {
		// Create 会跳过零值 bool，显式落库 inactive
		if err := s.db.WithContext(ctx).Model(&models.Rule{}).Where("id = ?", rule.ID).
			Update("active", false).Error; err != nil {
			return nil, fmt.Errorf("failed to create rule: %w", err)
		}
	}

	s.logger.Infof("Created %s rule %d (%s)", rule.Family, rule.ID, rule.Name)
	return s.GetRule(ctx, rule.ID)
}

// UpdateRule replaces the rule's nested events, groups and actions
// wholesale. Partial patching of nested rows is not supported.
func (s *RuleService) UpdateRule(ctx context.Context, ruleID uint, req *RuleRequest) (*models.Rule, error) {
	existing, err := s.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	req.Family = existing.Family
	req.OrganizationID = existing.OrganizationID

	rule, err := s.buildRule(req)
	if err != nil {
		return nil, err
	}
	if err := s.checkNameUnique(ctx, existing.OrganizationID, existing.Family, req.Name, ruleID); err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"name":        rule.Name,
			"description": rule.Description,
			"performer":   rule.Performer,
			"active":      rule.Active,
		}
		if err := tx.Model(&models.Rule{}).Where("id = ?", ruleID).Updates(updates).Error; err != nil {
			return err
		}
		if err := s.deleteNested(tx, ruleID); err != nil {
			return err
		}
		for i := range rule.Events {
			rule.Events[i].RuleID = ruleID
		}
		for i := range rule.ConditionGroups {
			rule.ConditionGroups[i].RuleID = ruleID
		}
		for i := range rule.Actions {
			rule.Actions[i].RuleID = ruleID
		}
		if len(rule.Events) > 0 {
			if err := tx.Create(&rule.Events).Error; err != nil {
				return err
			}
		}
		if len(rule.ConditionGroups) > 0 {
			if err := tx.Create(&rule.ConditionGroups).Error; err != nil {
				return err
			}
		}
		if len(rule.Actions) > 0 {
			if err := tx.Create(&rule.Actions).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update rule %d: %w", ruleID, err)
	}

	return s.GetRule(ctx, ruleID)
}

// GetRule 获取规则（含嵌套）
func (s *RuleService) GetRule(ctx context.Context, ruleID uint) (*models.Rule, error) {
	var rule models.Rule
	err := s.db.WithContext(ctx).
		Preload("Events", func(db *gorm.DB) *gorm.DB { return db.Order("sequence") }).
		Preload("ConditionGroups", func(db *gorm.DB) *gorm.DB { return db.Order("sequence") }).
		Preload("ConditionGroups.Conditions", func(db *gorm.DB) *gorm.DB { return db.Order("sequence") }).
		Preload("ConditionGroups.Conditions.Tags").
		Preload("Actions", func(db *gorm.DB) *gorm.DB { return db.Order("sequence") }).
		Preload("Actions.Tags").
		First(&rule, ruleID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load rule %d: %w", ruleID, err)
	}
	return &rule, nil
}

// ListRules 获取规则列表
func (s *RuleService) ListRules(ctx context.Context, orgID uint, req *RuleListRequest) ([]models.Rule, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Rule{}).Where("organization_id = ?", orgID)

	if req.Family != "" {
		query = query.Where("family = ?", req.Family)
	}
	if req.Active != nil {
		query = query.Where("active = ?", *req.Active)
	}
	if req.Search != "" {
		query = query.Where("name LIKE ?", "%"+req.Search+"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count rules: %w", err)
	}

	var rules []models.Rule
	err := query.Order("display_order, id").
		Offset((req.Page - 1) * req.PageSize).Limit(req.PageSize).
		Find(&rules).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list rules: %w", err)
	}
	return rules, total, nil
}

// DeleteRule removes the rule and its nested rows. Execution log entries
// are kept for audit.
func (s *RuleService) DeleteRule(ctx context.Context, ruleID uint) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.deleteNested(tx, ruleID); err != nil {
			return err
		}
		res := tx.Delete(&models.Rule{}, ruleID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrRuleNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete rule %d: %w", ruleID, err)
	}
	s.logger.Infof("Deleted rule %d", ruleID)
	return nil
}

// CloneRule deep-copies a rule under a fresh name. The copy starts
// inactive so it can be reviewed before it runs.
func (s *RuleService) CloneRule(ctx context.Context, ruleID uint) (*models.Rule, error) {
	src, err := s.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}

	clone := &models.Rule{
		OrganizationID: src.OrganizationID,
		Family:         src.Family,
		Name:           s.cloneName(ctx, src),
		Description:    src.Description,
		Active:         false,
		Performer:      src.Performer,
	}
	for _, ev := range src.Events {
		clone.Events = append(clone.Events, models.RuleEvent{Name: ev.Name, Sequence: ev.Sequence})
	}
	for _, g := range src.ConditionGroups {
		group := models.ConditionGroup{
			JoinType:           g.JoinType,
			ConditionsJoinType: g.ConditionsJoinType,
			Sequence:           g.Sequence,
		}
		for _, c := range g.Conditions {
			group.Conditions = append(group.Conditions, models.Condition{
				Field: c.Field, Verb: c.Verb, Value: c.Value,
				Kind: c.Kind, JoinType: c.JoinType, Sequence: c.Sequence,
				Tags: c.Tags,
			})
		}
		clone.ConditionGroups = append(clone.ConditionGroups, group)
	}
	for _, a := range src.Actions {
		clone.Actions = append(clone.Actions, models.Action{
			Name: a.Name, Value: a.Value, Status: a.Status,
			TargetKind: a.TargetKind, TargetID: a.TargetID,
			Body: a.Body, Sequence: a.Sequence,
			Tags: a.Tags,
		})
	}

	var maxOrder int
	s.db.WithContext(ctx).Model(&models.Rule{}).
		Where("organization_id = ? AND family = ?", src.OrganizationID, src.Family).
		Select("COALESCE(MAX(display_order), -1)").Scan(&maxOrder)
	clone.DisplayOrder = maxOrder + 1

	if err := s.db.WithContext(ctx).Create(clone).Error; err != nil {
		return nil, fmt.Errorf("failed to clone rule %d: %w", ruleID, err)
	}
	// Create 会跳过零值 bool，显式落库 inactive
	if err := s.db.WithContext(ctx).Model(&models.Rule{}).Where("id = ?", clone.ID).
		Update("active", false).Error; err != nil {
		return nil, fmt.Errorf("failed to clone rule %d: %w", ruleID, err)
	}
	s.logger.Infof("Cloned rule %d into %d", ruleID, clone.ID)
	return s.GetRule(ctx, clone.ID)
}

// ReorderRules persists a new display order for a family. The slice holds
// rule ids in their new order; ids not listed keep their relative order
// after the listed ones.
func (s *RuleService) ReorderRules(ctx context.Context, orgID uint, family string, orderedIDs []uint) error {
	if !models.IsValidFamily(family) {
		return fmt.Errorf("invalid rule family %q", family)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, id := range orderedIDs {
			res := tx.Model(&models.Rule{}).
				Where("id = ? AND organization_id = ? AND family = ?", id, orgID, family).
				Update("display_order", i)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("rule %d: %w", id, ErrRuleNotFound)
			}
		}
		return nil
	})
}

// SetActive 启用/停用规则
func (s *RuleService) SetActive(ctx context.Context, ruleID uint, active bool) error {
	res := s.db.WithContext(ctx).Model(&models.Rule{}).Where("id = ?", ruleID).Update("active", active)
	if res.Error != nil {
		return fmt.Errorf("failed to toggle rule %d: %w", ruleID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// PreviewResult is a dry-run answer: how many tickets the rule would
// touch right now, plus a sample.
type PreviewResult struct {
	Count     int64  `json:"count"`
	SampleIDs []uint `json:"sample_ids"`
}

// Preview compiles the rule's conditions and counts matches without
// executing anything. Used by views and by the rule editor.
func (s *RuleService) Preview(ctx context.Context, ruleID uint) (*PreviewResult, error) {
	rule, err := s.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	q, err := s.matcher.TicketQuery(ctx, rule)
	if err != nil {
		return nil, err
	}

	result := &PreviewResult{}
	if err := q.Session(&gorm.Session{}).Model(&models.Ticket{}).Count(&result.Count).Error; err != nil {
		return nil, fmt.Errorf("preview rule %d: %w", ruleID, err)
	}
	if err := q.Limit(25).Pluck("tickets.id", &result.SampleIDs).Error; err != nil {
		return nil, fmt.Errorf("preview rule %d: %w", ruleID, err)
	}
	return result, nil
}

// ListExecutionLog 查询执行日志
func (s *RuleService) ListExecutionLog(ctx context.Context, ruleID uint, page, pageSize int) ([]models.ExecutionLogEntry, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	query := s.db.WithContext(ctx).Model(&models.ExecutionLogEntry{}).Where("rule_id = ?", ruleID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var entries []models.ExecutionLogEntry
	err := query.Order("id DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&entries).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list execution log for rule %d: %w", ruleID, err)
	}
	return entries, total, nil
}

// buildRule validates the request against the closed vocabularies and
// assembles the model tree.
func (s *RuleService) buildRule(req *RuleRequest) (*models.Rule, error) {
	family := req.Family
	if family == "" {
		family = models.FamilyAutomation
	}
	if !models.IsValidFamily(family) {
		return nil, fmt.Errorf("invalid rule family %q", family)
	}
	performer := req.Performer
	if performer == "" {
		performer = models.PerformerAny
	}
	if !models.IsValidPerformer(performer) {
		return nil, fmt.Errorf("invalid performer %q", performer)
	}

	if family == models.FamilyAutomation && len(req.Events) == 0 {
		return nil, fmt.Errorf("automation rules need at least one trigger event")
	}
	if family != models.FamilyView && len(req.Actions) == 0 {
		return nil, fmt.Errorf("%s rules need at least one action", family)
	}
	if family == models.FamilyView && len(req.Actions) > 0 {
		return nil, fmt.Errorf("views cannot carry actions")
	}

	rule := &models.Rule{
		OrganizationID: req.OrganizationID,
		Family:         family,
		Name:           req.Name,
		Description:    req.Description,
		Active:         true,
		Performer:      performer,
	}
	if req.Active != nil {
		rule.Active = *req.Active
	}

	for _, ev := range req.Events {
		if !models.IsValidEvent(ev.Name) {
			return nil, fmt.Errorf("invalid event %q", ev.Name)
		}
		rule.Events = append(rule.Events, models.RuleEvent{Name: ev.Name, Sequence: ev.Sequence})
	}

	for _, g := range req.ConditionGroups {
		group, err := buildGroup(g)
		if err != nil {
			return nil, err
		}
		rule.ConditionGroups = append(rule.ConditionGroups, group)
	}

	for _, a := range req.Actions {
		if !models.IsValidAction(family, a.Name) {
			return nil, fmt.Errorf("action %q is not available for %s rules", a.Name, family)
		}
		if a.Status != "" && !models.IsValidStatus(a.Status) {
			return nil, fmt.Errorf("action %q: invalid status %q", a.Name, a.Status)
		}
		rule.Actions = append(rule.Actions, models.Action{
			Name: a.Name, Value: a.Value, Status: a.Status,
			TargetKind: a.TargetKind, TargetID: a.TargetID,
			Body: a.Body, Sequence: a.Sequence,
		})
	}

	return rule, nil
}

func buildGroup(g ConditionGroupRequest) (models.ConditionGroup, error) {
	join := g.JoinType
	if join == "" {
		join = models.JoinAnd
	}
	condJoin := g.ConditionsJoinType
	if condJoin == "" {
		condJoin = models.JoinAnd
	}
	if !models.IsValidJoinType(join) || !models.IsValidJoinType(condJoin) {
		return models.ConditionGroup{}, fmt.Errorf("invalid join type in condition group")
	}

	group := models.ConditionGroup{
		JoinType:           join,
		ConditionsJoinType: condJoin,
		Sequence:           g.Sequence,
	}
	for _, c := range g.Conditions {
		if !models.IsValidVerb(c.Verb) {
			return models.ConditionGroup{}, fmt.Errorf("invalid verb %q", c.Verb)
		}
		kind := c.Kind
		if kind == "" {
			kind = models.KindPlain
		}
		if !models.IsValidKind(kind) {
			return models.ConditionGroup{}, fmt.Errorf("invalid condition kind %q", kind)
		}
		cJoin := c.JoinType
		if cJoin == "" {
			cJoin = models.JoinAnd
		}
		if !models.IsValidJoinType(cJoin) {
			return models.ConditionGroup{}, fmt.Errorf("invalid condition join type %q", cJoin)
		}
		group.Conditions = append(group.Conditions, models.Condition{
			Field: c.Field, Verb: c.Verb, Value: c.Value,
			Kind: kind, JoinType: cJoin, Sequence: c.Sequence,
		})
	}
	return group, nil
}

func (s *RuleService) checkNameUnique(ctx context.Context, orgID uint, family, name string, exceptID uint) error {
	var count int64
	q := s.db.WithContext(ctx).Model(&models.Rule{}).
		Where("organization_id = ? AND family = ? AND name = ?", orgID, family, name)
	if exceptID != 0 {
		q = q.Where("id <> ?", exceptID)
	}
	if err := q.Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrDuplicateName
	}
	return nil
}

func (s *RuleService) cloneName(ctx context.Context, src *models.Rule) string {
	for i := 1; ; i++ {
		name := fmt.Sprintf("Copy of %s", src.Name)
		if i > 1 {
			name = fmt.Sprintf("Copy of %s (%d)", src.Name, i)
		}
		if s.checkNameUnique(ctx, src.OrganizationID, src.Family, name, 0) == nil {
			return name
		}
	}
}

func (s *RuleService) deleteNested(tx *gorm.DB, ruleID uint) error {
	var groupIDs []uint
	if err := tx.Model(&models.ConditionGroup{}).Where("rule_id = ?", ruleID).Pluck("id", &groupIDs).Error; err != nil {
		return err
	}
	if len(groupIDs) > 0 {
		if err := tx.Where("condition_group_id IN ?", groupIDs).Delete(&models.Condition{}).Error; err != nil {
			return err
		}
	}
	if err := tx.Where("rule_id = ?", ruleID).Delete(&models.ConditionGroup{}).Error; err != nil {
		return err
	}
	if err := tx.Where("rule_id = ?", ruleID).Delete(&models.RuleEvent{}).Error; err != nil {
		return err
	}
	return tx.Where("rule_id = ?", ruleID).Delete(&models.Action{}).Error
}
