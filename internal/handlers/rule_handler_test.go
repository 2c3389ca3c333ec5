package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"ticketflow/internal/config"
	"ticketflow/internal/models"
	"ticketflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newRuleHandlerTestRouter(t *testing.T) (*gin.Engine, *gorm.DB, uint) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	err = db.AutoMigrate(
		&models.Organization{}, &models.User{}, &models.Group{}, &models.GroupMember{},
		&models.Tag{}, &models.Ticket{}, &models.TicketComment{},
		&models.TaskList{}, &models.TaskItem{}, &models.TicketTask{},
		&models.Rule{}, &models.RuleEvent{}, &models.ConditionGroup{}, &models.Condition{},
		&models.Action{}, &models.ExecutionLogEntry{}, &models.RoundRobinAgentSlot{},
		&models.Activity{},
	)
	if err != nil {
		t.Fatalf("auto migrate: %v", err)
	}

	org := &models.Organization{Name: "Acme " + t.Name(), Subdomain: t.Name()}
	if err := db.Create(org).Error; err != nil {
		t.Fatalf("seed org: %v", err)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	matcher := services.NewMatcher(db)
	queue := services.NewSyncQueue(logger)
	executor := services.NewActionExecutor(db, logger, services.NewAssignmentService(db, logger), queue, nil, nil)
	execution := services.NewExecutionService(db, logger, matcher, executor, queue, config.EngineConfig{})
	queue.SetHandler(func(ctx context.Context, job services.Job) error {
		if job.Type == services.JobTicketEvent {
			return execution.HandleJob(ctx, job)
		}
		return nil
	})
	ruleService := services.NewRuleService(db, logger, matcher)

	router := gin.New()
	api := router.Group("/api")
	RegisterRuleRoutes(api, NewRuleHandler(ruleService, execution, logger))
	return router, db, org.ID
}

func ruleJSON(orgID uint, name string) []byte {
	body, _ := json.Marshal(map[string]any{
		"organization_id": orgID,
		"name":            name,
		"events":          []map[string]any{{"name": models.EventCreated}},
		"actions": []map[string]any{
			{"name": models.ActionChangeTicketStatus, "status": models.StatusOpen},
		},
	})
	return body
}

func doJSON(router *gin.Engine, method, path string, body []byte) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

func TestRuleHandler_Lifecycle(t *testing.T) {
	router, _, orgID := newRuleHandlerTestRouter(t)

	// 创建
	w := doJSON(router, http.MethodPost, "/api/rules", ruleJSON(orgID, "open new tickets"))
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created models.Rule
	err := json.Unmarshal(w.Body.Bytes(), &created)
	assert.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.True(t, created.Active)

	// 同名冲突
	w = doJSON(router, http.MethodPost, "/api/rules", ruleJSON(orgID, "open new tickets"))
	assert.Equal(t, http.StatusConflict, w.Code)

	// 列表
	w = doJSON(router, http.MethodGet, fmt.Sprintf("/api/rules?organization_id=%d", orgID), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var listed PaginatedResponse
	err = json.Unmarshal(w.Body.Bytes(), &listed)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), listed.Total)

	// 停用
	w = doJSON(router, http.MethodPut, fmt.Sprintf("/api/rules/%d/active", created.ID), []byte(`{"active":false}`))
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// 预览不执行动作
	w = doJSON(router, http.MethodGet, fmt.Sprintf("/api/rules/%d/preview", created.ID), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// 删除后取详情应 404
	w = doJSON(router, http.MethodDelete, fmt.Sprintf("/api/rules/%d", created.ID), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, http.MethodGet, fmt.Sprintf("/api/rules/%d", created.ID), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRuleHandler_Validation(t *testing.T) {
	router, _, orgID := newRuleHandlerTestRouter(t)

	w := doJSON(router, http.MethodGet, "/api/rules/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(router, http.MethodGet, "/api/rules/9999", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(router, http.MethodPost, "/api/rules", []byte(`{"name":""}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// 自动化规则缺少触发事件
	body, _ := json.Marshal(map[string]any{
		"organization_id": orgID, "name": "no events",
		"actions": []map[string]any{{"name": models.ActionAddNote, "body": "x"}},
	})
	w = doJSON(router, http.MethodPost, "/api/rules", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(router, http.MethodPut, fmt.Sprintf("/api/rules/reorder?organization_id=%d", orgID), []byte(`{"family":"automation","ids":[42]}`))
	assert.Equal(t, http.StatusNotFound, w.Code, w.Body.String())
}

func TestRuleHandler_Execute(t *testing.T) {
	router, db, orgID := newRuleHandlerTestRouter(t)

	requester := &models.User{OrganizationID: orgID, Email: "c@example.com", Name: "c", Role: models.RoleCustomer}
	if err := db.Create(requester).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	ticket := &models.Ticket{OrganizationID: orgID, Subject: "hello", RequesterID: requester.ID,
		Status: models.StatusNew, Priority: models.PriorityLow, Channel: models.ChannelUI}
	if err := db.Create(ticket).Error; err != nil {
		t.Fatalf("seed ticket: %v", err)
	}

	w := doJSON(router, http.MethodPost, "/api/rules", ruleJSON(orgID, "open everything"))
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created models.Rule
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = doJSON(router, http.MethodPost, fmt.Sprintf("/api/rules/%d/execute", created.ID), nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var summary services.ExecutionSummary
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, 1, summary.Matched)
	assert.Equal(t, 1, summary.Executed)
	assert.Equal(t, 0, summary.Failed)

	var stored models.Ticket
	db.First(&stored, ticket.ID)
	assert.Equal(t, models.StatusOpen, stored.Status)

	w = doJSON(router, http.MethodGet, fmt.Sprintf("/api/rules/%d/log", created.ID), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var logPage PaginatedResponse
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &logPage))
	assert.Equal(t, int64(1), logPage.Total)
}
