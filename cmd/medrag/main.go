package main

import (
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/aihub/medrag/app/bootstrap"
	"github.com/aihub/medrag/app/router"
	"github.com/aihub/medrag/internal/logger"
	"github.com/beego/beego/v2/server/web"
	"go.uber.org/zap"
)

func main() {
	app, err := bootstrap.Init()
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}

	cfg := app.Config()
	port, err := strconv.Atoi(cfg.Server.Port)
	if err != nil {
		port = 8000
	}

	// 配置Beego全局设置
	web.BConfig.AppName = cfg.Server.AppName
	web.BConfig.Listen.HTTPPort = port
	web.BConfig.CopyRequestBody = true
	if cfg.FileUpload.MaxSize > 0 {
		// 一次请求可携带多个文件
		web.BConfig.MaxUploadSize = cfg.FileUpload.MaxSize * 10
	}
	if !cfg.IsDevelopment() {
		web.BConfig.RunMode = web.PROD
	}

	if err := router.Init(app.Container()); err != nil {
		app.Shutdown()
		log.Fatalf("failed to register routes: %v", err)
	}

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		sig := <-quit
		logger.Info("Shutting down", zap.String("signal", sig.String()))
		app.Shutdown()
		os.Exit(0)
	}()

	logger.Info("🚀 Starting "+cfg.Server.AppName, zap.Int("port", port))
	web.Run()
}
