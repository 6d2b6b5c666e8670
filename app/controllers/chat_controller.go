package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	apperrors "github.com/aihub/medrag/internal/errors"
	"github.com/aihub/medrag/internal/knowledge"
	"go.uber.org/zap"
)

// QuestionAnswerer 按角色检索并回答
type QuestionAnswerer interface {
	Answer(ctx context.Context, query, role, userID string) (*knowledge.QueryResult, error)
}

// ChatController 问答接口
type ChatController struct {
	BaseController
	Engine QuestionAnswerer
	Logger *zap.Logger
}

type chatRequest struct {
	Message string `json:"message"`
}

// Chat POST /chat，message来自表单或JSON
func (c *ChatController) Chat() {
	identity, ok := c.identity()
	if !ok {
		return
	}

	message := c.GetString("message")
	if message == "" && strings.HasPrefix(c.Ctx.Input.Header("Content-Type"), "application/json") {
		var req chatRequest
		if err := json.Unmarshal(c.Ctx.Input.RequestBody, &req); err == nil {
			message = req.Message
		}
	}
	if strings.TrimSpace(message) == "" {
		c.JSONAppError(apperrors.NewInvalidInputError("message", "must not be empty"))
		return
	}

	userID := strconv.FormatUint(uint64(identity.UserID), 10)
	result, err := c.Engine.Answer(c.Ctx.Request.Context(), message, identity.Role, userID)
	if err != nil {
		if errors.Is(err, knowledge.ErrEmptyQuery) {
			c.JSONAppError(apperrors.NewInvalidInputError("message", "must not be empty"))
			return
		}
		if c.Logger != nil {
			c.Logger.Error("chat failed", zap.String("user_id", userID), zap.String("role", identity.Role), zap.Error(err))
		}
		c.JSONAppError(apperrors.NewSystemError(apperrors.ErrCodeInternalServer, "Internal server error").WithCause(err))
		return
	}

	c.JSON(200, result)
}
