package controllers

import (
	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/aihub/medrag/internal/config"
	"github.com/aihub/medrag/internal/database"
	"github.com/aihub/medrag/internal/knowledge"
	"github.com/aihub/medrag/internal/services"
	"github.com/prometheus/client_golang/prometheus"
)

// ControllerFactory 控制器工厂
type ControllerFactory struct {
	container *dig.Container
}

// NewControllerFactory 创建控制器工厂
func NewControllerFactory(container *dig.Container) *ControllerFactory {
	return &ControllerFactory{
		container: container,
	}
}

// CreateRootController 创建根控制器
func (f *ControllerFactory) CreateRootController() (*RootController, error) {
	var ctrl *RootController
	err := f.container.Invoke(func(cfg *config.Config) {
		ctrl = &RootController{Service: cfg.Server.AppName, Version: cfg.Server.Version}
	})
	return ctrl, err
}

// CreateHealthController 创建健康检查控制器
func (f *ControllerFactory) CreateHealthController() (*HealthController, error) {
	var ctrl *HealthController
	err := f.container.Invoke(func(cfg *config.Config, checks *database.HealthGroup) {
		ctrl = &HealthController{Service: cfg.Server.AppName, Version: cfg.Server.Version, Checks: checks}
	})
	return ctrl, err
}

// CreateAuthController 创建认证控制器
func (f *ControllerFactory) CreateAuthController() (*AuthController, error) {
	var ctrl *AuthController
	err := f.container.Invoke(func(svc *services.AuthService, log *zap.Logger) {
		ctrl = &AuthController{Auth: svc, Logger: log}
	})
	return ctrl, err
}

// CreateDocumentController 创建文档控制器
func (f *ControllerFactory) CreateDocumentController() (*DocumentController, error) {
	var ctrl *DocumentController
	err := f.container.Invoke(func(cfg *config.Config, ingestor *knowledge.Ingestor, parsers *knowledge.FileParserManager, log *zap.Logger) {
		ctrl = &DocumentController{
			Ingestor:     ingestor,
			MaxSize:      cfg.FileUpload.MaxSize,
			AllowedTypes: parsers.AllowedFormats(cfg.FileUpload.AllowedTypes),
			Logger:       log,
		}
	})
	return ctrl, err
}

// CreateChatController 创建问答控制器
func (f *ControllerFactory) CreateChatController() (*ChatController, error) {
	var ctrl *ChatController
	err := f.container.Invoke(func(engine *knowledge.QueryEngine, log *zap.Logger) {
		ctrl = &ChatController{Engine: engine, Logger: log}
	})
	return ctrl, err
}

// CreateMetricsController 创建指标控制器
func (f *ControllerFactory) CreateMetricsController() (*MetricsController, error) {
	var ctrl *MetricsController
	err := f.container.Invoke(func(reg *prometheus.Registry) {
		ctrl = &MetricsController{Gatherer: reg}
	})
	return ctrl, err
}
