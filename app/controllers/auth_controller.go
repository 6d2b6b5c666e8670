package controllers

import (
	"encoding/json"
	"errors"
	"net/http"

	apperrors "github.com/aihub/medrag/internal/errors"
	"github.com/aihub/medrag/internal/services"
	"go.uber.org/zap"
)

// AuthController 注册与登录
type AuthController struct {
	BaseController
	Auth   *services.AuthService
	Logger *zap.Logger
}

type signupResponse struct {
	Message  string `json:"message"`
	UserID   uint   `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// Signup POST /signup
func (c *AuthController) Signup() {
	var req services.SignupRequest
	if err := json.Unmarshal(c.Ctx.Input.RequestBody, &req); err != nil {
		c.JSONError(http.StatusBadRequest, "Invalid JSON body")
		return
	}

	user, err := c.Auth.Signup(c.Ctx.Request.Context(), req)
	if err != nil {
		c.fail(err)
		return
	}

	c.JSON(http.StatusOK, signupResponse{
		Message:  "User created successfully",
		UserID:   user.UserID,
		Username: user.Username,
		Role:     user.Role,
	})
}

// Login POST /login，凭证通过HTTP Basic传入
func (c *AuthController) Login() {
	username, password, ok := c.Ctx.Request.BasicAuth()
	if !ok {
		c.Ctx.Output.Header("WWW-Authenticate", `Basic realm="medrag"`)
		c.JSONAppError(apperrors.NewUnauthorizedError("Authentication required"))
		return
	}

	resp, err := c.Auth.Login(c.Ctx.Request.Context(), username, password)
	if err != nil {
		if errors.Is(err, apperrors.ErrInvalidCredentials) {
			c.Ctx.Output.Header("WWW-Authenticate", `Basic realm="medrag"`)
		}
		c.fail(err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (c *AuthController) fail(err error) {
	appErr := apperrors.NewErrorTranslator().Translate(err)
	if appErr.HTTPCode >= http.StatusInternalServerError && c.Logger != nil {
		c.Logger.Error("auth request failed", zap.String("path", c.Ctx.Input.URL()), zap.Error(err))
	}
	c.JSONAppError(appErr)
}
