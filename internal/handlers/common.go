package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// ErrorResponse 错误响应结构
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// PaginatedResponse 分页响应结构
type PaginatedResponse struct {
	Data     interface{} `json:"data"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
}

// SuccessResponse 成功响应结构
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// parseID pulls a numeric path parameter; writes a 400 and returns false
// when it is not a number.
func parseID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid " + name,
			Message: "ID must be a valid number",
		})
		return 0, false
	}
	return uint(id), true
}

// orgID resolves the organization scope for list endpoints: the value set
// by auth middleware wins, a query parameter is the fallback.
func orgID(c *gin.Context) uint {
	if v, exists := c.Get("organization_id"); exists {
		if id, ok := v.(uint); ok {
			return id
		}
	}
	id, _ := strconv.ParseUint(c.Query("organization_id"), 10, 64)
	return uint(id)
}
