package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"spa_call_booking/internal/models"
	"spa_call_booking/internal/services"
)

// functionRequest 工具调用请求，arguments可以是对象或JSON字符串
type functionRequest struct {
	FunctionName string          `json:"function_name" binding:"required"`
	Arguments    json.RawMessage `json:"arguments"`
	Context      struct {
		From          string `json:"from"`
		CustomerPhone string `json:"customer_phone"`
	} `json:"context"`
}

// FunctionHandler 通过HTTP执行工具调用
type FunctionHandler struct {
	dispatcher services.Dispatcher
	log        *zap.Logger
}

// NewFunctionHandler 创建工具调用处理器
func NewFunctionHandler(d services.Dispatcher, log *zap.Logger) *FunctionHandler {
	return &FunctionHandler{dispatcher: d, log: log}
}

// Handle 执行一次工具调用并返回结构化结果
func (h *FunctionHandler) Handle(c *gin.Context) {
	var req functionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	args := req.Arguments
	if trimmed := bytes.TrimSpace(args); len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			args = json.RawMessage(s)
		}
	}
	phone := req.Context.From
	if phone == "" {
		phone = req.Context.CustomerPhone
	}

	h.log.Info("收到工具调用", zap.String("function", req.FunctionName), zap.String("from", phone))
	res := h.dispatcher.Dispatch(c.Request.Context(), phone, models.ToolCall{
		CallID:    "http",
		Name:      req.FunctionName,
		Arguments: args,
	})
	if res.Reason == models.KindUnsupportedTool {
		c.JSON(http.StatusBadRequest, res)
		return
	}
	c.JSON(http.StatusOK, res)
}
