package middleware

import (
	"context"
	"errors"
	"strings"

	"github.com/aihub/medrag/internal/auth"
	apperrors "github.com/aihub/medrag/internal/errors"
	"github.com/aihub/medrag/internal/models"
	"github.com/beego/beego/v2/server/web"
	beecontext "github.com/beego/beego/v2/server/web/context"
	"go.uber.org/zap"
)

const (
	ContextKeyIdentity = "identity"
	ContextKeyUserID   = "user_id"
	ContextKeyUsername = "username"
	ContextKeyRole     = "role"
)

var errMissingCredentials = errors.New("missing credentials")

// Authenticator 校验用户名密码或Bearer token
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (*models.User, error)
	ResolveToken(token string) (auth.Identity, error)
}

// SecurityMiddleware 安全中间件
type SecurityMiddleware struct {
	authenticator Authenticator
	translator    *apperrors.ErrorTranslator
	logger        *zap.Logger
}

// NewSecurityMiddleware 创建安全中间件
func NewSecurityMiddleware(authenticator Authenticator, logger *zap.Logger) *SecurityMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SecurityMiddleware{
		authenticator: authenticator,
		translator:    apperrors.NewErrorTranslator(),
		logger:        logger.Named("security"),
	}
}

// AuthRequired 需要认证的路由中间件，支持Basic和Bearer
func (sm *SecurityMiddleware) AuthRequired() web.FilterFunc {
	return func(ctx *beecontext.Context) {
		identity, err := sm.authenticateRequest(ctx)
		if err != nil {
			sm.handleAuthError(ctx, err)
			return
		}
		setIdentity(ctx, identity)
	}
}

// AdminRequired 需要管理员权限的路由中间件
func (sm *SecurityMiddleware) AdminRequired() web.FilterFunc {
	return func(ctx *beecontext.Context) {
		identity, ok := IdentityFrom(ctx)
		if !ok {
			var err error
			identity, err = sm.authenticateRequest(ctx)
			if err != nil {
				sm.handleAuthError(ctx, err)
				return
			}
			setIdentity(ctx, identity)
		}

		if identity.Role != models.RoleAdmin {
			sm.logSecurityEvent(ctx, "admin_required", identity)
			WriteError(ctx, apperrors.NewAccessDeniedError("Only admins can perform this action"))
			return
		}
	}
}

// SecurityHeaders 安全头中间件
func (sm *SecurityMiddleware) SecurityHeaders() web.FilterFunc {
	return func(ctx *beecontext.Context) {
		ctx.Output.Header("X-Content-Type-Options", "nosniff")
		ctx.Output.Header("X-Frame-Options", "DENY")
		ctx.Output.Header("Referrer-Policy", "strict-origin-when-cross-origin")
	}
}

// authenticateRequest 先尝试Bearer，再尝试Basic
func (sm *SecurityMiddleware) authenticateRequest(ctx *beecontext.Context) (auth.Identity, error) {
	header := ctx.Input.Header("Authorization")
	if header == "" {
		return auth.Identity{}, errMissingCredentials
	}

	if token, err := auth.ExtractTokenFromHeader(header); err == nil {
		return sm.authenticator.ResolveToken(token)
	}

	username, password, ok := ctx.Request.BasicAuth()
	if !ok {
		return auth.Identity{}, errMissingCredentials
	}
	user, err := sm.authenticator.Authenticate(ctx.Request.Context(), username, password)
	if err != nil {
		return auth.Identity{}, err
	}
	return auth.Identity{UserID: user.UserID, Username: user.Username, Role: user.Role}, nil
}

// handleAuthError 处理认证错误
func (sm *SecurityMiddleware) handleAuthError(ctx *beecontext.Context, err error) {
	var appErr *apperrors.AppError
	if errors.Is(err, errMissingCredentials) {
		appErr = apperrors.NewUnauthorizedError("Authentication required")
	} else {
		appErr = sm.translator.Translate(err)
	}

	if appErr.HTTPCode >= 500 {
		sm.logger.Error("Authentication backend failed", zap.Error(err), zap.String("path", ctx.Input.URL()))
	} else {
		sm.logger.Debug("Authentication failed",
			zap.String("path", ctx.Input.URL()),
			zap.String("remote_addr", getClientIP(ctx)),
			zap.Error(err))
		ctx.Output.Header("WWW-Authenticate", `Basic realm="medrag"`)
	}
	WriteError(ctx, appErr)
}

// logSecurityEvent 记录安全事件
func (sm *SecurityMiddleware) logSecurityEvent(ctx *beecontext.Context, eventType string, identity auth.Identity) {
	sm.logger.Warn("Security event: "+eventType,
		zap.Uint("user_id", identity.UserID),
		zap.String("role", identity.Role),
		zap.String("path", ctx.Input.URL()),
		zap.String("remote_addr", getClientIP(ctx)))
}

func setIdentity(ctx *beecontext.Context, identity auth.Identity) {
	ctx.Input.SetData(ContextKeyIdentity, identity)
	ctx.Input.SetData(ContextKeyUserID, identity.UserID)
	ctx.Input.SetData(ContextKeyUsername, identity.Username)
	ctx.Input.SetData(ContextKeyRole, identity.Role)
}

// IdentityFrom 读取认证过滤器放入上下文的身份
func IdentityFrom(ctx *beecontext.Context) (auth.Identity, bool) {
	identity, ok := ctx.Input.GetData(ContextKeyIdentity).(auth.Identity)
	return identity, ok
}

// WriteError 以统一格式输出错误
func WriteError(ctx *beecontext.Context, appErr *apperrors.AppError) {
	ctx.Output.SetStatus(appErr.HTTPCode)
	if err := ctx.Output.JSON(appErr.Response(), false, false); err != nil {
		ctx.Output.Body([]byte(`{"detail":"Internal server error"}`))
	}
}

// getClientIP 获取客户端真实IP
func getClientIP(ctx *beecontext.Context) string {
	if xff := ctx.Input.Header("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := ctx.Input.Header("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return ctx.Input.IP()
}
