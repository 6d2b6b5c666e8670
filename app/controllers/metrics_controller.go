package controllers

import (
	"github.com/beego/beego/v2/server/web"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsController 指标控制器
type MetricsController struct {
	web.Controller
	Gatherer prometheus.Gatherer
}

// Metrics 返回Prometheus格式的指标
func (c *MetricsController) Metrics() {
	gatherer := c.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}).ServeHTTP(c.Ctx.ResponseWriter, c.Ctx.Request)
}
