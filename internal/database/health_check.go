package database

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// PingFunc 探测一个依赖是否可用
type PingFunc func(ctx context.Context) error

// HealthChecker 依赖健康检查器（Postgres、Redis）
type HealthChecker struct {
	name          string
	ping          PingFunc
	logger        *logrus.Logger
	checkInterval time.Duration
	retryDelay    time.Duration
	maxRetries    int
	isHealthy     bool
	lastCheck     time.Time
	lastError     error
	mu            sync.RWMutex
	stopChan      chan struct{}
	running       bool
}

// HealthCheckResult 健康检查结果
type HealthCheckResult struct {
	Name         string    `json:"name"`
	Healthy      bool      `json:"healthy"`
	LastCheck    time.Time `json:"last_check"`
	LastError    string    `json:"last_error,omitempty"`
	ResponseTime string    `json:"response_time,omitempty"`
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(name string, ping PingFunc, logger *logrus.Logger) *HealthChecker {
	if logger == nil {
		logger = logrus.New()
	}
	return &HealthChecker{
		name:          name,
		ping:          ping,
		logger:        logger,
		checkInterval: 30 * time.Second,
		retryDelay:    5 * time.Second,
		maxRetries:    3,
		stopChan:      make(chan struct{}),
	}
}

// SetCheckInterval 设置检查间隔
func (hc *HealthChecker) SetCheckInterval(interval time.Duration) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checkInterval = interval
}

// SetRetryConfig 设置重试配置
func (hc *HealthChecker) SetRetryConfig(delay time.Duration, maxRetries int) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.retryDelay = delay
	hc.maxRetries = maxRetries
}

// Start 开始周期检查，阻塞直到ctx结束或Stop
func (hc *HealthChecker) Start(ctx context.Context) {
	hc.mu.Lock()
	if hc.running {
		hc.mu.Unlock()
		return
	}
	hc.running = true
	interval := hc.checkInterval
	hc.mu.Unlock()

	hc.logger.WithField("dependency", hc.name).Info("Starting health checker")

	// 立即执行一次检查
	hc.checkAndUpdate(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			hc.stopped()
			return
		case <-hc.stopChan:
			hc.stopped()
			return
		case <-ticker.C:
			hc.checkAndUpdate(ctx)
		}
	}
}

func (hc *HealthChecker) stopped() {
	hc.mu.Lock()
	hc.running = false
	hc.mu.Unlock()
	hc.logger.WithField("dependency", hc.name).Info("Health checker stopped")
}

// Stop 停止健康检查
func (hc *HealthChecker) Stop() {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if !hc.running {
		return
	}
	select {
	case <-hc.stopChan:
	default:
		close(hc.stopChan)
	}
}

// Check 执行单次健康检查
func (hc *HealthChecker) Check(ctx context.Context) error {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := hc.ping(ctx)
	responseTime := time.Since(start)

	hc.mu.Lock()
	hc.lastCheck = time.Now()
	if err != nil {
		hc.lastError = err
		hc.isHealthy = false
		hc.mu.Unlock()

		hc.logger.WithFields(logrus.Fields{
			"dependency":    hc.name,
			"error":         err.Error(),
			"response_time": responseTime,
		}).Warn("Health check failed")
		return err
	}

	if !hc.isHealthy && hc.lastError != nil {
		hc.logger.WithField("dependency", hc.name).Info("Connection restored")
	}
	hc.lastError = nil
	hc.isHealthy = true
	hc.mu.Unlock()

	hc.logger.WithFields(logrus.Fields{
		"dependency":    hc.name,
		"response_time": responseTime,
	}).Debug("Health check passed")
	return nil
}

func (hc *HealthChecker) checkAndUpdate(ctx context.Context) {
	if err := hc.Check(ctx); err != nil {
		hc.retryWithBackoff(ctx)
	}
}

// retryWithBackoff 线性退避重试
func (hc *HealthChecker) retryWithBackoff(ctx context.Context) {
	hc.mu.RLock()
	delay, maxRetries := hc.retryDelay, hc.maxRetries
	hc.mu.RUnlock()

	for i := 0; i < maxRetries; i++ {
		select {
		case <-time.After(delay * time.Duration(i+1)):
			if err := hc.Check(ctx); err == nil {
				return
			}
		case <-ctx.Done():
			return
		case <-hc.stopChan:
			return
		}
	}

	hc.logger.WithField("dependency", hc.name).Error("Dependency unavailable after all retries")
}

// IsHealthy 获取当前健康状态
func (hc *HealthChecker) IsHealthy() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.isHealthy
}

// GetHealthResult 获取健康检查结果
func (hc *HealthChecker) GetHealthResult() HealthCheckResult {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	result := HealthCheckResult{
		Name:      hc.name,
		Healthy:   hc.isHealthy,
		LastCheck: hc.lastCheck,
	}
	if hc.lastError != nil {
		result.LastError = hc.lastError.Error()
	}
	return result
}

// WaitForHealthy 等待依赖变为健康状态
func (hc *HealthChecker) WaitForHealthy(ctx context.Context, timeout time.Duration) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if hc.IsHealthy() {
			return nil
		}
		select {
		case <-timeoutCtx.Done():
			return timeoutCtx.Err()
		case <-ticker.C:
		}
	}
}

// HealthGroup 一组依赖检查器，由bootstrap统一启停
type HealthGroup struct {
	mu       sync.RWMutex
	checkers []*HealthChecker
}

func NewHealthGroup() *HealthGroup {
	return &HealthGroup{}
}

// Add 注册检查器
func (g *HealthGroup) Add(checker *HealthChecker) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkers = append(g.checkers, checker)
}

// Start 每个检查器在自己的goroutine里运行
func (g *HealthGroup) Start(ctx context.Context) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, checker := range g.checkers {
		go checker.Start(ctx)
	}
}

func (g *HealthGroup) Stop() {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, checker := range g.checkers {
		checker.Stop()
	}
}

// Results 所有依赖的最近一次检查结果
func (g *HealthGroup) Results() []HealthCheckResult {
	g.mu.RLock()
	defer g.mu.RUnlock()
	results := make([]HealthCheckResult, 0, len(g.checkers))
	for _, checker := range g.checkers {
		results = append(results, checker.GetHealthResult())
	}
	return results
}

// Healthy 全部依赖健康时为true
func (g *HealthGroup) Healthy() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, checker := range g.checkers {
		if !checker.IsHealthy() {
			return false
		}
	}
	return true
}
