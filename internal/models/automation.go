package models

import "time"

// Rule families. All families share the condition model; the action
// vocabulary differs (see ActionNamesFor).
const (
	FamilyAutomation = "automation"
	FamilyMacro      = "macro"
	FamilyView       = "view"
	FamilyOutbound   = "outbound"
)

// Condition verbs.
const (
	VerbIs             = "is"
	VerbIsNot          = "is_not"
	VerbContains       = "contains"
	VerbDoesNotContain = "does_not_contain"
	VerbLessThan       = "less_than"
	VerbGreaterThan    = "greater_than"
	VerbAnyTime        = "any_time"
	VerbContainsAnyOf  = "contains_any_of"
	VerbContainsAllOf  = "contains_all_of"
	VerbContainsNoneOf = "contains_none_of"
	VerbDuring         = "during"
	VerbEmpty          = "empty"
)

// Condition kinds.
const (
	KindPlain     = "plain"
	KindTimeBased = "time_based"
	KindTags      = "tags"
)

// Join types.
const (
	JoinAnd = "and"
	JoinOr  = "or"
)

// Trigger events.
const (
	EventCreated          = "created"
	EventUpdated          = "updated"
	EventReplyAdded       = "reply_added"
	EventNoteAdded        = "note_added"
	EventStatusUpdated    = "status_updated"
	EventPriorityUpdated  = "priority_updated"
	EventAgentUpdated     = "agent_updated"
	EventFeedbackReceived = "feedback_received"
	EventTimeBased        = "time_based"
)

// Performers allowed to trigger a rule.
const (
	PerformerAny      = "any"
	PerformerAgent    = "agent"
	PerformerCustomer = "customer"
	PerformerSystem   = "system"
)

// Action names.
const (
	ActionSetTags                 = "set_tags"
	ActionAddTags                 = "add_tags"
	ActionRemoveTags              = "remove_tags"
	ActionChangeTicketStatus      = "change_ticket_status"
	ActionChangeTicketPriority    = "change_ticket_priority"
	ActionAssignGroup             = "assign_group"
	ActionAssignAgent             = "assign_agent"
	ActionRemoveAssignedAgent     = "remove_assigned_agent"
	ActionAssignAgentRoundRobin   = "assign_agent_round_robin"
	ActionAssignAgentLoadBalanced = "assign_agent_load_balanced"
	ActionEmailToRequester        = "email_to_requester"
	ActionEmailToAssignedAgent    = "email_to_assigned_agent"
	ActionEmailToAllAgents        = "email_to_all_agents"
	ActionEmailToAgent            = "email_to_agent"
	ActionEmailTo                 = "email_to"
	ActionAddNote                 = "add_note"
	ActionMessageToSlack          = "message_to_slack"
	ActionAddTaskList             = "add_task_list"
	ActionAssignFirstResponder    = "assign_to_first_responder"
	ActionAssignLastResponder     = "assign_to_last_responder"
)

// Action target kinds (tagged union, replaces a polymorphic FK).
const (
	TargetGroup    = "group"
	TargetUser     = "user"
	TargetTaskList = "task_list"
)

// Rule 自动化规则：触发事件 + 条件组 + 有序动作
type Rule struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	OrganizationID uint      `gorm:"index" json:"organization_id"`
	Family         string    `gorm:"index;default:'automation'" json:"family"`
	Name           string    `gorm:"not null" json:"name"`
	Description    string    `gorm:"type:text" json:"description"`
	Active         bool      `gorm:"default:true" json:"active"`
	Performer      string    `gorm:"default:'any'" json:"performer"` // any, agent, customer, system
	DisplayOrder   int       `gorm:"default:0;index" json:"display_order"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	Events          []RuleEvent      `gorm:"foreignKey:RuleID;constraint:OnDelete:CASCADE" json:"events,omitempty"`
	ConditionGroups []ConditionGroup `gorm:"foreignKey:RuleID;constraint:OnDelete:CASCADE" json:"condition_groups,omitempty"`
	Actions         []Action         `gorm:"foreignKey:RuleID;constraint:OnDelete:CASCADE" json:"actions,omitempty"`
}

// RuleEvent is one trigger event name attached to a rule.
type RuleEvent struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	RuleID   uint   `gorm:"index" json:"rule_id"`
	Name     string `gorm:"not null" json:"name"`
	Sequence int    `json:"sequence"`
}

// ConditionGroup combines its conditions with ConditionsJoinType and is
// combined with sibling groups via JoinType.
type ConditionGroup struct {
	ID                 uint   `gorm:"primaryKey" json:"id"`
	RuleID             uint   `gorm:"index" json:"rule_id"`
	JoinType           string `gorm:"default:'and'" json:"join_type"`
	ConditionsJoinType string `gorm:"default:'and'" json:"conditions_join_type"`
	Sequence           int    `json:"sequence"`

	Conditions []Condition `gorm:"foreignKey:ConditionGroupID;constraint:OnDelete:CASCADE" json:"conditions,omitempty"`
}

// Condition is a single field/verb/value predicate.
type Condition struct {
	ID               uint   `gorm:"primaryKey" json:"id"`
	ConditionGroupID uint   `gorm:"index" json:"condition_group_id"`
	Field            string `gorm:"not null" json:"field"`
	Verb             string `gorm:"not null" json:"verb"`
	Value            string `json:"value"`
	Kind             string `gorm:"default:'plain'" json:"kind"` // plain, time_based, tags
	JoinType         string `gorm:"default:'and'" json:"join_type"`
	Sequence         int    `json:"sequence"`

	Tags []Tag `gorm:"many2many:condition_tags" json:"tags,omitempty"`
}

// Action 匹配命中后按顺序执行的动作
type Action struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	RuleID     uint   `gorm:"index" json:"rule_id"`
	Name       string `gorm:"not null" json:"name"`
	Value      string `json:"value"`
	Status     string `json:"status"`
	TargetKind string `json:"target_kind"` // group, user, task_list
	TargetID   *uint  `json:"target_id"`
	Body       string `gorm:"type:text" json:"body"`
	Sequence   int    `json:"sequence"`

	Tags []Tag `gorm:"many2many:action_tags" json:"tags,omitempty"`
}

// ExecutionLogEntry records one successful (rule, ticket) execution pass.
// Entries are never mutated and survive rule deletion for audit.
type ExecutionLogEntry struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	RuleID    uint      `gorm:"index" json:"rule_id"`
	TicketID  uint      `gorm:"index" json:"ticket_id"`
	CreatedAt time.Time `json:"created_at"`
}

// RoundRobinAgentSlot remembers the last agent assigned per (org, group)
// so round-robin assignment can resume after it.
type RoundRobinAgentSlot struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	OrganizationID uint      `gorm:"uniqueIndex:idx_rr_slot_org_group" json:"organization_id"`
	GroupID        *uint     `gorm:"uniqueIndex:idx_rr_slot_org_group" json:"group_id"`
	LastUserID     *uint     `json:"last_user_id"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Activity 审计记录（如规则因 Slack 集成失效被停用）
type Activity struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	OrganizationID uint      `gorm:"index" json:"organization_id"`
	SubjectType    string    `json:"subject_type"`
	SubjectID      uint      `gorm:"index" json:"subject_id"`
	Action         string    `json:"action"`
	Note           string    `gorm:"type:text" json:"note"`
	CreatedAt      time.Time `json:"created_at"`
}

var verbs = map[string]bool{
	VerbIs: true, VerbIsNot: true, VerbContains: true, VerbDoesNotContain: true,
	VerbLessThan: true, VerbGreaterThan: true, VerbAnyTime: true,
	VerbContainsAnyOf: true, VerbContainsAllOf: true, VerbContainsNoneOf: true,
	VerbDuring: true, VerbEmpty: true,
}

var joinTypes = map[string]bool{JoinAnd: true, JoinOr: true}

var conditionKinds = map[string]bool{KindPlain: true, KindTimeBased: true, KindTags: true}

var events = map[string]bool{
	EventCreated: true, EventUpdated: true, EventReplyAdded: true,
	EventNoteAdded: true, EventStatusUpdated: true, EventPriorityUpdated: true,
	EventAgentUpdated: true, EventFeedbackReceived: true, EventTimeBased: true,
}

var performers = map[string]bool{
	PerformerAny: true, PerformerAgent: true, PerformerCustomer: true, PerformerSystem: true,
}

var automationActions = map[string]bool{
	ActionSetTags: true, ActionAddTags: true, ActionRemoveTags: true,
	ActionChangeTicketStatus: true, ActionChangeTicketPriority: true,
	ActionAssignGroup: true, ActionAssignAgent: true, ActionRemoveAssignedAgent: true,
	ActionAssignAgentRoundRobin: true, ActionAssignAgentLoadBalanced: true,
	ActionEmailToRequester: true, ActionEmailToAssignedAgent: true,
	ActionEmailToAllAgents: true, ActionEmailToAgent: true, ActionEmailTo: true,
	ActionAddNote: true, ActionMessageToSlack: true, ActionAddTaskList: true,
	ActionAssignFirstResponder: true, ActionAssignLastResponder: true,
}

// Macros and outbound campaigns get the cheap, directly-applicable subset.
var macroActions = map[string]bool{
	ActionSetTags: true, ActionAddTags: true, ActionRemoveTags: true,
	ActionChangeTicketStatus: true, ActionChangeTicketPriority: true,
	ActionAssignGroup: true, ActionAddNote: true,
}

var outboundActions = map[string]bool{
	ActionEmailToRequester: true, ActionEmailTo: true,
}

var families = map[string]bool{
	FamilyAutomation: true, FamilyMacro: true, FamilyView: true, FamilyOutbound: true,
}

func IsValidFamily(f string) bool    { return families[f] }
func IsValidVerb(v string) bool      { return verbs[v] }
func IsValidJoinType(j string) bool  { return joinTypes[j] }
func IsValidKind(k string) bool      { return conditionKinds[k] }
func IsValidEvent(e string) bool     { return events[e] }
func IsValidPerformer(p string) bool { return performers[p] }

// IsValidAction reports whether the action name belongs to the family's
// vocabulary. Views carry no actions at all.
func IsValidAction(family, name string) bool {
	switch family {
	case FamilyAutomation:
		return automationActions[name]
	case FamilyMacro:
		return macroActions[name]
	case FamilyOutbound:
		return outboundActions[name]
	default:
		return false
	}
}
