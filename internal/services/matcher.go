package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"ticketflow/internal/models"
	"ticketflow/pkg/utils"

	"gorm.io/gorm"
)

// Matcher compiles a rule's condition-group tree into a gorm query over
// tickets (or users, for outbound campaigns). Verb/field combinations that
// make no sense are configuration bugs and fail loudly.
var (
	ErrUnknownVerb   = errors.New("matcher: unknown verb for field kind")
	ErrUnknownField  = errors.New("matcher: unknown field")
	ErrBadTimeValue  = errors.New("matcher: invalid time value")
	ErrWrongUniverse = errors.New("matcher: field not available for universe")
)

// Clock supplies the matcher's "present day" reference so time-based
// conditions are deterministic in tests.
type Clock func() time.Time

type fieldKind int

const (
	kindString fieldKind = iota
	kindEnum
	kindNumericEnum
	kindTime
	kindTagSet
	kindKeyword
)

type fieldSpec struct {
	column string
	kind   fieldKind
}

var ticketFields = map[string]fieldSpec{
	"subject":      {"tickets.subject", kindString},
	"description":  {"tickets.description", kindString},
	"status":       {"tickets.status", kindEnum},
	"priority":     {"tickets.priority", kindEnum},
	"category":     {"tickets.category", kindEnum},
	"channel":      {"tickets.channel", kindEnum},
	"agent_id":     {"tickets.agent_id", kindNumericEnum},
	"group_id":     {"tickets.group_id", kindNumericEnum},
	"requester_id": {"tickets.requester_id", kindNumericEnum},
	"created_at":   {"tickets.created_at", kindTime},
	"updated_at":   {"tickets.updated_at", kindTime},
	"tag_ids":      {"", kindTagSet},
	"keyword":      {"", kindKeyword},
}

var userFields = map[string]fieldSpec{
	"email":           {"users.email", kindString},
	"name":            {"users.name", kindString},
	"role":            {"users.role", kindEnum},
	"created_at":      {"users.created_at", kindTime},
	"last_sign_in_at": {"users.last_sign_in_at", kindTime},
}

type Matcher struct {
	db    *gorm.DB
	clock Clock
}

func NewMatcher(db *gorm.DB) *Matcher {
	return &Matcher{db: db, clock: time.Now}
}

// WithClock returns a matcher whose time-based conditions resolve against c.
func (m *Matcher) WithClock(c Clock) *Matcher {
	return &Matcher{db: m.db, clock: c}
}

// TicketQuery returns a query selecting the rule's matching tickets in a
// stable order. An empty condition tree (or any_time conditions only)
// matches the whole organization universe.
func (m *Matcher) TicketQuery(ctx context.Context, rule *models.Rule) (*gorm.DB, error) {
	q := m.db.WithContext(ctx).Model(&models.Ticket{}).
		Where("tickets.organization_id = ?", rule.OrganizationID)
	scope, err := m.compileGroups(rule.ConditionGroups, ticketFields)
	if err != nil {
		return nil, err
	}
	if scope != nil {
		q = q.Where(scope)
	}
	return q.Order("tickets.id"), nil
}

// UserQuery is the outbound-campaign variant: the universe is the
// organization's customers.
func (m *Matcher) UserQuery(ctx context.Context, rule *models.Rule) (*gorm.DB, error) {
	q := m.db.WithContext(ctx).Model(&models.User{}).
		Where("users.organization_id = ? AND users.role = ?", rule.OrganizationID, "customer")
	scope, err := m.compileGroups(rule.ConditionGroups, userFields)
	if err != nil {
		return nil, err
	}
	if scope != nil {
		q = q.Where(scope)
	}
	return q.Order("users.id"), nil
}

// TicketMatches reports whether a single ticket satisfies the rule's
// conditions. Used by event-targeted re-evaluation.
func (m *Matcher) TicketMatches(ctx context.Context, rule *models.Rule, ticketID uint) (bool, error) {
	q, err := m.TicketQuery(ctx, rule)
	if err != nil {
		return false, err
	}
	var count int64
	if err := q.Where("tickets.id = ?", ticketID).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (m *Matcher) newScope() *gorm.DB {
	return m.db.Session(&gorm.Session{NewDB: true})
}

// compileGroups combines groups via each group's JoinType; returns nil when
// nothing constrains the universe.
func (m *Matcher) compileGroups(groups []models.ConditionGroup, fields map[string]fieldSpec) (*gorm.DB, error) {
	ordered := make([]models.ConditionGroup, len(groups))
	copy(ordered, groups)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Sequence < ordered[j].Sequence })

	var combined *gorm.DB
	for _, g := range ordered {
		scope, err := m.compileGroup(g, fields)
		if err != nil {
			return nil, err
		}
		if scope == nil {
			continue
		}
		if combined == nil {
			combined = m.newScope().Where(scope)
			continue
		}
		if g.JoinType == models.JoinOr {
			combined = combined.Or(scope)
		} else {
			combined = combined.Where(scope)
		}
	}
	return combined, nil
}

func (m *Matcher) compileGroup(g models.ConditionGroup, fields map[string]fieldSpec) (*gorm.DB, error) {
	ordered := make([]models.Condition, len(g.Conditions))
	copy(ordered, g.Conditions)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Sequence < ordered[j].Sequence })

	var combined *gorm.DB
	for _, c := range ordered {
		scope, err := m.compileCondition(c, fields)
		if err != nil {
			return nil, err
		}
		if scope == nil { // any_time
			continue
		}
		if combined == nil {
			combined = m.newScope().Where(scope)
			continue
		}
		// The group-level conditions_join_type wins; bare condition lists
		// (single default group) fall back to the condition's own join_type.
		join := g.ConditionsJoinType
		if join == "" {
			join = c.JoinType
		}
		if join == models.JoinOr {
			combined = combined.Or(scope)
		} else {
			combined = combined.Where(scope)
		}
	}
	return combined, nil
}

func (m *Matcher) compileCondition(c models.Condition, fields map[string]fieldSpec) (*gorm.DB, error) {
	if c.Verb == models.VerbAnyTime {
		return nil, nil
	}

	spec, ok := fields[c.Field]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownField, c.Field)
	}
	if c.Kind == models.KindTags || spec.kind == kindTagSet {
		return m.compileTagCondition(c)
	}
	if c.Kind == models.KindTimeBased || spec.kind == kindTime {
		return m.compileTimeCondition(spec.column, c)
	}

	// "empty" means NULL regardless of field kind.
	if c.Verb == models.VerbEmpty {
		return m.newScope().Where(spec.column + " IS NULL"), nil
	}

	switch spec.kind {
	case kindString:
		return m.compileStringCondition(spec.column, c)
	case kindEnum:
		return m.compileEnumCondition(spec.column, c, utils.SplitCSV(c.Value))
	case kindNumericEnum:
		ids := utils.SplitIDs(c.Value)
		vals := make([]any, len(ids))
		for i, id := range ids {
			vals[i] = id
		}
		return m.compileEnumCondition(spec.column, c, vals)
	case kindKeyword:
		return m.compileKeywordCondition(c)
	default:
		return nil, fmt.Errorf("%w: field %q", ErrUnknownField, c.Field)
	}
}

func (m *Matcher) compileStringCondition(column string, c models.Condition) (*gorm.DB, error) {
	like := "%" + strings.ToLower(c.Value) + "%"
	switch c.Verb {
	case models.VerbContains:
		return m.newScope().Where("LOWER("+column+") LIKE ?", like), nil
	case models.VerbDoesNotContain:
		return m.newScope().Where("LOWER("+column+") NOT LIKE ?", like), nil
	case models.VerbIs:
		return m.newScope().Where("LOWER("+column+") = ?", strings.ToLower(c.Value)), nil
	case models.VerbIsNot:
		return m.newScope().Where("LOWER("+column+") <> ?", strings.ToLower(c.Value)), nil
	default:
		return nil, fmt.Errorf("%w: %q on string field %q", ErrUnknownVerb, c.Verb, c.Field)
	}
}

// compileEnumCondition treats the value as a comma-separated membership list.
func (m *Matcher) compileEnumCondition(column string, c models.Condition, vals any) (*gorm.DB, error) {
	switch c.Verb {
	case models.VerbIs, models.VerbContainsAnyOf:
		return m.newScope().Where(column+" IN ?", vals), nil
	case models.VerbIsNot, models.VerbContainsNoneOf:
		return m.newScope().Where(column+" NOT IN ?", vals), nil
	default:
		return nil, fmt.Errorf("%w: %q on enum field %q", ErrUnknownVerb, c.Verb, c.Field)
	}
}

func (m *Matcher) compileTagCondition(c models.Condition) (*gorm.DB, error) {
	ids := conditionTagIDs(c)
	anyOverlap := "tickets.id IN (SELECT ticket_id FROM ticket_tags WHERE tag_id IN ?)"
	switch c.Verb {
	case models.VerbContainsAnyOf, models.VerbContains, models.VerbIs:
		return m.newScope().Where(anyOverlap, ids), nil
	case models.VerbContainsAllOf:
		// Superset check: group matching join rows and require the full count.
		return m.newScope().Where(
			"tickets.id IN (SELECT ticket_id FROM ticket_tags WHERE tag_id IN ? GROUP BY ticket_id HAVING COUNT(DISTINCT tag_id) = ?)",
			ids, len(ids)), nil
	case models.VerbContainsNoneOf, models.VerbDoesNotContain:
		return m.newScope().Where("tickets.id NOT IN (SELECT ticket_id FROM ticket_tags WHERE tag_id IN ?)", ids), nil
	default:
		return nil, fmt.Errorf("%w: %q on tag field", ErrUnknownVerb, c.Verb)
	}
}

// compileKeywordCondition searches subject, ticket number and comment
// bodies. A leading '#' (ticket-number shorthand) is stripped.
func (m *Matcher) compileKeywordCondition(c models.Condition) (*gorm.DB, error) {
	term := strings.TrimPrefix(strings.TrimSpace(c.Value), "#")
	like := "%" + strings.ToLower(term) + "%"
	switch c.Verb {
	case models.VerbContains:
		return m.newScope().Where(
			"(LOWER(tickets.subject) LIKE ? OR CAST(tickets.id AS TEXT) LIKE ? OR tickets.id IN (SELECT ticket_id FROM ticket_comments WHERE LOWER(body) LIKE ?))",
			like, like, like), nil
	case models.VerbIs:
		return m.newScope().Where("LOWER(tickets.subject) = ?", strings.ToLower(term)), nil
	default:
		return nil, fmt.Errorf("%w: %q on keyword field", ErrUnknownVerb, c.Verb)
	}
}

func (m *Matcher) compileTimeCondition(column string, c models.Condition) (*gorm.DB, error) {
	if c.Verb == models.VerbEmpty {
		return m.newScope().Where(column + " IS NULL"), nil
	}
	start, end, err := m.resolveRange(c.Value)
	if err != nil {
		return nil, err
	}
	switch c.Verb {
	case models.VerbIs, models.VerbDuring:
		return m.newScope().Where(column+" >= ? AND "+column+" < ?", start, end), nil
	case models.VerbLessThan:
		// "less than a week ago" keeps everything newer than the window start.
		return m.newScope().Where(column+" >= ?", start), nil
	case models.VerbGreaterThan:
		return m.newScope().Where(column+" < ?", start), nil
	default:
		return nil, fmt.Errorf("%w: %q on time field %q", ErrUnknownVerb, c.Verb, c.Field)
	}
}

// resolveRange maps a named shortcut or explicit pair to a [start, end)
// interval relative to the matcher's clock.
func (m *Matcher) resolveRange(value string) (time.Time, time.Time, error) {
	now := m.clock()
	sod := utils.StartOfDay(now)
	switch value {
	case "today":
		return sod, sod.Add(24 * time.Hour), nil
	case "yesterday":
		return sod.Add(-24 * time.Hour), sod, nil
	case "week":
		return sod.Add(-6 * 24 * time.Hour), sod.Add(24 * time.Hour), nil
	case "month":
		return sod.Add(-29 * 24 * time.Hour), sod.Add(24 * time.Hour), nil
	}

	// N.hours / N.days offsets.
	if n, unit, ok := splitOffset(value); ok {
		switch unit {
		case "hours":
			return now.Add(-time.Duration(n) * time.Hour), now, nil
		case "days":
			return now.Add(-time.Duration(n) * 24 * time.Hour), now, nil
		}
	}

	// Explicit "from,to" date pair, end day inclusive.
	if parts := utils.SplitCSV(value); len(parts) == 2 {
		from, err1 := time.ParseInLocation("2006-01-02", parts[0], now.Location())
		to, err2 := time.ParseInLocation("2006-01-02", parts[1], now.Location())
		if err1 == nil && err2 == nil {
			return from, to.Add(24 * time.Hour), nil
		}
	}

	return time.Time{}, time.Time{}, fmt.Errorf("%w: %q", ErrBadTimeValue, value)
}

func splitOffset(value string) (int, string, bool) {
	parts := strings.SplitN(value, ".", 2)
	if len(parts) != 2 {
		return 0, "", false
	}
	n, err := strconv.Atoi(parts[0])
	if err != nil || n < 0 {
		return 0, "", false
	}
	return n, parts[1], true
}

func conditionTagIDs(c models.Condition) []uint {
	if len(c.Tags) > 0 {
		ids := make([]uint, len(c.Tags))
		for i, t := range c.Tags {
			ids[i] = t.ID
		}
		return ids
	}
	return utils.SplitIDs(c.Value)
}
