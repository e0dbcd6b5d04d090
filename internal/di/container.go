package di

import (
	"errors"
	"io"
	"slices"
	"sync"

	"go.uber.org/dig"

	"github.com/aihub/rag-assistant/internal/config"
)

// New 创建依赖注入容器并注册全部组件
func New(cfg *config.Config) (*dig.Container, error) {
	container := dig.New()
	if err := container.Provide(func() *config.Config { return cfg }); err != nil {
		return nil, err
	}
	if err := container.Provide(func() *Resources { return &Resources{} }); err != nil {
		return nil, err
	}
	if err := RegisterProviders(container); err != nil {
		return nil, err
	}
	return container, nil
}

// Resources 记录已创建且需要在退出时关闭的组件
type Resources struct {
	mu      sync.Mutex
	closers []io.Closer
}

func (r *Resources) track(c io.Closer) {
	r.mu.Lock()
	r.closers = append(r.closers, c)
	r.mu.Unlock()
}

// Close 按创建的逆序关闭
func (r *Resources) Close() error {
	r.mu.Lock()
	closers := slices.Clone(r.closers)
	r.closers = nil
	r.mu.Unlock()

	var errs []error
	for _, c := range slices.Backward(closers) {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Shutdown 关闭容器中已创建的组件
func Shutdown(container *dig.Container) error {
	return container.Invoke(func(r *Resources) error { return r.Close() })
}
