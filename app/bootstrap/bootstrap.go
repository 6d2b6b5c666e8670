package bootstrap

import (
	"context"
	"log"

	"github.com/aihub/medrag/internal/config"
	"github.com/aihub/medrag/internal/database"
	"github.com/aihub/medrag/internal/di"
	"github.com/aihub/medrag/internal/knowledge"
	"github.com/aihub/medrag/internal/logger"
	"github.com/aihub/medrag/internal/services"
	"github.com/joho/godotenv"
	"go.uber.org/dig"
	"go.uber.org/zap"
)

// App encapsulates lifecycle resources that need to be cleaned up on shutdown.
type App struct {
	config    *config.Config
	container *dig.Container
	lifecycle *di.Lifecycle
	health    *database.HealthGroup
	cancel    context.CancelFunc
}

// Config returns the loaded configuration.
func (a *App) Config() *config.Config {
	return a.config
}

// Container returns the dependency container used to build routes.
func (a *App) Container() *dig.Container {
	return a.container
}

// Init bootstraps configuration, logger, database connections and the
// retrieval pipeline required by the Beego application.
func Init() (*App, error) {
	// Load environment variables from .env if present (non-fatal if missing).
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	// Initialize structured logger.
	if err := logger.InitLogger(cfg.Server.Env, cfg.Log.Level); err != nil {
		return nil, err
	}

	container := di.InitContainer()
	if err := di.RegisterProviders(container, cfg); err != nil {
		return nil, err
	}

	app := &App{config: cfg, container: container}
	if err := container.Invoke(func(lc *di.Lifecycle, health *database.HealthGroup) {
		app.lifecycle = lc
		app.health = health
	}); err != nil {
		return nil, err
	}

	// 启动时构建全部组件，配置错误在这里暴露
	if err := container.Invoke(func(_ *services.AuthService, _ *knowledge.Ingestor, _ *knowledge.QueryEngine) {}); err != nil {
		app.lifecycle.Stop(logger.GetLogger())
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	app.cancel = cancel
	app.health.Start(ctx)

	logger.Info("Application initialized",
		zap.String("env", cfg.Server.Env),
		zap.String("vector_store", cfg.Knowledge.VectorStore.Provider),
		zap.String("embedding", cfg.Embedding.Provider),
		zap.String("llm", cfg.AI.Provider),
		zap.Bool("kafka", cfg.Kafka.Enabled))
	return app, nil
}

// Shutdown flushes/logs and closes resources gracefully.
func (a *App) Shutdown() {
	if a.health != nil {
		a.health.Stop()
	}
	if a.cancel != nil {
		a.cancel()
	}

	// Execute cleanup tasks in reverse order (best effort).
	if a.lifecycle != nil {
		if err := a.lifecycle.Stop(logger.GetLogger()); err != nil {
			log.Printf("Cleanup error: %v\n", err)
		}
	}

	// Flush logger buffers.
	logger.Sync()
}
