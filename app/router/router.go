package router

import (
	"github.com/aihub/medrag/app/controllers"
	"github.com/aihub/medrag/app/middleware"
	"github.com/aihub/medrag/internal/metrics"
	"github.com/aihub/medrag/internal/services"
	"github.com/beego/beego/v2/server/web"
	"go.uber.org/dig"
	"go.uber.org/zap"
)

// Init registers all routes on the global beego app. Must be called after the container is built.
func Init(container *dig.Container) error {
	return Register(web.BeeApp, container)
}

// Register 在给定的beego server上注册过滤器和路由
func Register(app *web.HttpServer, container *dig.Container) error {
	app.Cfg.CopyRequestBody = true

	var (
		security  *middleware.SecurityMiddleware
		accessLog *middleware.AccessLog
	)
	if err := container.Invoke(func(svc *services.AuthService, log *zap.Logger, m *metrics.Metrics) {
		security = middleware.NewSecurityMiddleware(svc, log)
		accessLog = middleware.NewAccessLog(log, m)
	}); err != nil {
		return err
	}

	app.InsertFilter("/*", web.BeforeRouter, accessLog.Start())
	app.InsertFilter("/*", web.BeforeRouter, security.SecurityHeaders())
	app.InsertFilter("/*", web.FinishRouter, accessLog.Finish(), web.WithReturnOnOutput(false))

	// 上传仅限管理员，问答需要登录
	app.InsertFilter("/upload_docs", web.BeforeRouter, security.AuthRequired())
	app.InsertFilter("/upload_docs", web.BeforeRouter, security.AdminRequired())
	app.InsertFilter("/chat", web.BeforeRouter, security.AuthRequired())

	factory := controllers.NewControllerFactory(container)

	root, err := factory.CreateRootController()
	if err != nil {
		return err
	}
	health, err := factory.CreateHealthController()
	if err != nil {
		return err
	}
	authController, err := factory.CreateAuthController()
	if err != nil {
		return err
	}
	documentController, err := factory.CreateDocumentController()
	if err != nil {
		return err
	}
	chatController, err := factory.CreateChatController()
	if err != nil {
		return err
	}
	metricsController, err := factory.CreateMetricsController()
	if err != nil {
		return err
	}

	app.Router("/", root, "get:Index")
	app.Router("/health", health, "get:Health")
	app.Router("/signup", authController, "post:Signup")
	app.Router("/login", authController, "post:Login")
	app.Router("/upload_docs", documentController, "post:Upload")
	app.Router("/chat", chatController, "post:Chat")
	app.Router("/metrics", metricsController, "get:Metrics")
	return nil
}
