package middleware

import (
	"net/http"
	"time"

	"github.com/aihub/medrag/internal/metrics"
	"github.com/beego/beego/v2/server/web"
	beecontext "github.com/beego/beego/v2/server/web/context"
	"go.uber.org/zap"
)

const contextKeyRequestStart = "request_start"

// AccessLog 请求日志与HTTP指标，Start挂在BeforeRouter，Finish挂在FinishRouter
type AccessLog struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewAccessLog(logger *zap.Logger, m *metrics.Metrics) *AccessLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccessLog{logger: logger.Named("http"), metrics: m}
}

// Start 记录请求开始时间
func (a *AccessLog) Start() web.FilterFunc {
	return func(ctx *beecontext.Context) {
		ctx.Input.SetData(contextKeyRequestStart, time.Now())
	}
}

// Finish 记录请求完成
func (a *AccessLog) Finish() web.FilterFunc {
	return func(ctx *beecontext.Context) {
		start, ok := ctx.Input.GetData(contextKeyRequestStart).(time.Time)
		if !ok {
			start = time.Now()
		}
		duration := time.Since(start)

		status := ctx.ResponseWriter.Status
		if status == 0 {
			status = http.StatusOK
		}

		// 未匹配路由的路径不作为指标标签
		path := ctx.Input.URL()
		if status == http.StatusNotFound {
			path = "unmatched"
		}
		a.metrics.ObserveHTTP(ctx.Input.Method(), path, status, duration)

		fields := []zap.Field{
			zap.String("method", ctx.Input.Method()),
			zap.String("path", ctx.Input.URL()),
			zap.Int("status", status),
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.String("remote_addr", getClientIP(ctx)),
		}
		if userID, ok := ctx.Input.GetData(ContextKeyUserID).(uint); ok {
			fields = append(fields, zap.Uint("user_id", userID))
		}

		switch {
		case status >= 500:
			a.logger.Error("Request completed", fields...)
		case status >= 400:
			a.logger.Warn("Request completed", fields...)
		default:
			a.logger.Info("Request completed", fields...)
		}
	}
}
