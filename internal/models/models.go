package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	StatusNew               = "new"
	StatusOpen              = "open"
	StatusWaitingOnCustomer = "waiting_on_customer"
	StatusResolved          = "resolved"
	StatusClosed            = "closed"
)

const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

const (
	ChannelUI      = "web"
	ChannelEmail   = "email"
	ChannelChat    = "chat"
	ChannelTwitter = "twitter"
)

const (
	RoleCustomer = "customer"
	RoleAgent    = "agent"
	RoleAdmin    = "admin"
)

const (
	CommentKindDescription = "description"
	CommentKindReply       = "reply"
	CommentKindNote        = "note"
)

var ticketStatuses = map[string]bool{
	StatusNew: true, StatusOpen: true, StatusWaitingOnCustomer: true,
	StatusResolved: true, StatusClosed: true,
}

var ticketPriorities = map[string]bool{
	PriorityLow: true, PriorityMedium: true, PriorityHigh: true, PriorityUrgent: true,
}

func IsValidStatus(s string) bool   { return ticketStatuses[s] }
func IsValidPriority(p string) bool { return ticketPriorities[p] }

// 组织（租户）
type Organization struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"unique;not null" json:"name"`
	Subdomain string    `gorm:"uniqueIndex" json:"subdomain"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// 用户模型：客户与客服共用一张表，用 Role 区分
type User struct {
	ID                       uint           `gorm:"primaryKey" json:"id"`
	OrganizationID           uint           `gorm:"index" json:"organization_id"`
	Email                    string         `gorm:"uniqueIndex;not null" json:"email"`
	Name                     string         `json:"name"`
	Role                     string         `gorm:"default:'customer'" json:"role"` // customer, agent, admin
	Active                   bool           `gorm:"default:true" json:"active"`
	ContinueAssigningTickets bool           `gorm:"default:true" json:"continue_assigning_tickets"`
	LastSignInAt             *time.Time     `json:"last_sign_in_at"`
	CreatedAt                time.Time      `json:"created_at"`
	UpdatedAt                time.Time      `json:"updated_at"`
	DeletedAt                gorm.DeletedAt `gorm:"index" json:"-"`
}

// 客服分组
type Group struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	OrganizationID uint      `gorm:"index" json:"organization_id"`
	Name           string    `gorm:"not null" json:"name"`
	Description    string    `gorm:"type:text" json:"description"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	Members []GroupMember `gorm:"foreignKey:GroupID" json:"members,omitempty"`
}

type GroupMember struct {
	ID      uint `gorm:"primaryKey" json:"id"`
	GroupID uint `gorm:"index:idx_group_members_group_user,unique" json:"group_id"`
	UserID  uint `gorm:"index:idx_group_members_group_user,unique" json:"user_id"`

	User User `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

type Tag struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	OrganizationID uint      `gorm:"index" json:"organization_id"`
	Name           string    `gorm:"not null" json:"name"`
	CreatedAt      time.Time `json:"created_at"`
}

// 工单模型
type Ticket struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	OrganizationID uint           `gorm:"index" json:"organization_id"`
	Subject        string         `gorm:"not null" json:"subject"`
	Description    string         `gorm:"type:text" json:"description"`
	Status         string         `gorm:"default:'new'" json:"status"`    // new, open, waiting_on_customer, resolved, closed
	Priority       string         `gorm:"default:'low'" json:"priority"`  // low, medium, high, urgent
	Category       string         `json:"category"`                       // technical, billing, general, complaint
	Channel        string         `gorm:"default:'web'" json:"channel"`   // web, email, chat, twitter
	RequesterID    uint           `gorm:"index" json:"requester_id"`
	AgentID        *uint          `gorm:"index" json:"agent_id"`
	GroupID        *uint          `gorm:"index" json:"group_id"`
	ResolvedAt     *time.Time     `json:"resolved_at"`
	ClosedAt       *time.Time     `json:"closed_at"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`

	// 关联关系
	Requester User            `gorm:"foreignKey:RequesterID" json:"requester,omitempty"`
	Agent     *User           `gorm:"foreignKey:AgentID" json:"agent,omitempty"`
	Group     *Group          `gorm:"foreignKey:GroupID" json:"group,omitempty"`
	Tags      []Tag           `gorm:"many2many:ticket_tags" json:"tags,omitempty"`
	Comments  []TicketComment `gorm:"foreignKey:TicketID" json:"comments,omitempty"`
	Tasks     []TicketTask    `gorm:"foreignKey:TicketID" json:"tasks,omitempty"`
}

// 工单评论：description 是建单时的首条描述，note 为内部备注
type TicketComment struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	TicketID  uint      `gorm:"index" json:"ticket_id"`
	AuthorID  uint      `gorm:"index" json:"author_id"`
	Body      string    `gorm:"type:text;not null" json:"body"`
	Kind      string    `gorm:"default:'reply'" json:"kind"` // description, reply, note
	CreatedAt time.Time `json:"created_at"`

	Author User `gorm:"foreignKey:AuthorID" json:"author,omitempty"`
}

// 任务清单模板
type TaskList struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	OrganizationID uint      `gorm:"index" json:"organization_id"`
	Name           string    `gorm:"not null" json:"name"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	Items []TaskItem `gorm:"foreignKey:TaskListID" json:"items,omitempty"`
}

type TaskItem struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	TaskListID uint   `gorm:"index" json:"task_list_id"`
	Name       string `gorm:"not null" json:"name"`
	Sequence   int    `json:"sequence"`
}

// 从模板克隆到工单上的任务项
type TicketTask struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	TicketID  uint      `gorm:"index" json:"ticket_id"`
	Name      string    `gorm:"not null" json:"name"`
	Status    string    `gorm:"default:'incomplete'" json:"status"` // incomplete, done
	Sequence  int       `json:"sequence"`
	CreatedAt time.Time `json:"created_at"`
}

// TagIDSet returns the ticket's tag ids. Tags must be preloaded.
func (t *Ticket) TagIDSet() map[uint]struct{} {
	set := make(map[uint]struct{}, len(t.Tags))
	for _, tag := range t.Tags {
		set[tag.ID] = struct{}{}
	}
	return set
}
