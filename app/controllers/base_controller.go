package controllers

import (
	"net/http"

	"github.com/aihub/medrag/app/middleware"
	"github.com/aihub/medrag/internal/auth"
	apperrors "github.com/aihub/medrag/internal/errors"
	"github.com/beego/beego/v2/server/web"
)

// BaseController provides helpers for consistent JSON responses.
type BaseController struct {
	web.Controller
}

// JSON writes a JSON response with the supplied HTTP status code.
func (c *BaseController) JSON(status int, payload interface{}) {
	c.Ctx.Output.SetStatus(status)
	c.Data["json"] = payload
	c.ServeJSON()
}

// JSONError writes an error body with a plain message.
func (c *BaseController) JSONError(status int, message string) {
	code := apperrors.ErrCodeBadRequest
	if status >= http.StatusInternalServerError {
		code = apperrors.ErrCodeInternalServer
	}
	c.JSON(status, apperrors.ErrorResponse{Detail: message, Code: code})
}

// JSONAppError writes an AppError without leaking its cause.
func (c *BaseController) JSONAppError(appErr *apperrors.AppError) {
	c.JSON(appErr.HTTPCode, appErr.Response())
}

// identity 认证过滤器已放入上下文的调用方身份
func (c *BaseController) identity() (auth.Identity, bool) {
	identity, ok := middleware.IdentityFrom(c.Ctx)
	if !ok {
		c.JSONAppError(apperrors.NewUnauthorizedError("Authentication required"))
	}
	return identity, ok
}
