package di

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/dig"
	"go.uber.org/zap"
)

// Container 是依赖注入容器的全局实例
var Container *dig.Container

// InitContainer 初始化依赖注入容器
func InitContainer() *dig.Container {
	Container = dig.New()
	return Container
}

// GetContainer 获取依赖注入容器实例
func GetContainer() *dig.Container {
	return Container
}

// Invoke 封装dig.Invoke，提供更友好的接口
func Invoke(function interface{}, opts ...dig.InvokeOption) error {
	return Container.Invoke(function, opts...)
}

// Provide 封装dig.Provide，提供更友好的接口
func Provide(constructor interface{}, opts ...dig.ProvideOption) error {
	return Container.Provide(constructor, opts...)
}

// Lifecycle 收集关闭时需要释放的资源，按注册的逆序执行
type Lifecycle struct {
	mu    sync.Mutex
	hooks []stopHook
}

type stopHook struct {
	name string
	fn   func() error
}

func NewLifecycle() *Lifecycle {
	return &Lifecycle{}
}

// OnStop 注册关闭回调
func (l *Lifecycle) OnStop(name string, fn func() error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, stopHook{name: name, fn: fn})
}

// Stop 逆序执行所有回调，单个失败不影响其余
func (l *Lifecycle) Stop(log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}

	l.mu.Lock()
	hooks := l.hooks
	l.hooks = nil
	l.mu.Unlock()

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		if err := hooks[i].fn(); err != nil {
			log.Warn("Cleanup error", zap.String("resource", hooks[i].name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", hooks[i].name, err))
		}
	}
	return errors.Join(errs...)
}
