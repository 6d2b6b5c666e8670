package controllers

import (
	"net/http"

	"github.com/aihub/medrag/internal/database"
)

// RootController 根控制器
type RootController struct {
	BaseController
	Service string
	Version string
}

func (c *RootController) Index() {
	c.JSON(http.StatusOK, map[string]string{
		"message": c.Service + " API",
		"version": c.Version,
	})
}

// HealthController 健康检查控制器
type HealthController struct {
	BaseController
	Service string
	Version string
	Checks  *database.HealthGroup
}

type healthResponse struct {
	Message      string                       `json:"message"`
	Status       string                       `json:"status"`
	Service      string                       `json:"service"`
	Version      string                       `json:"version"`
	Dependencies []database.HealthCheckResult `json:"dependencies,omitempty"`
}

// Health 进程存活即返回200，依赖状态只作报告
func (c *HealthController) Health() {
	resp := healthResponse{
		Message: "OK",
		Status:  "healthy",
		Service: c.Service,
		Version: c.Version,
	}
	if c.Checks != nil {
		resp.Dependencies = c.Checks.Results()
		if !c.Checks.Healthy() {
			resp.Status = "degraded"
		}
	}
	c.JSON(http.StatusOK, resp)
}
