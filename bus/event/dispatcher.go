package event

import (
	"context"
	"fmt"

	"github.com/x-research-team/dtx-stage/bus/task"
)

// IDispatcher определяет интерфейс регистрации обработчиков и публикации событий.
type IDispatcher interface {
	// On регистрирует обработчик для типа события. Повторная регистрация
	// того же обработчика создает вторую, независимую регистрацию.
	On(t Type, handler Handler, opts ...OnOption) (unsubscribe func())

	// Fire вызывает обработчики события в порядке регистрации. Событие без
	// обработчиков ничего не делает и не является ошибкой.
	Fire(ctx context.Context, e Event) error

	// Shutdown отменяет все задачи, порожденные обработчиками.
	Shutdown(ctx context.Context) error
}

// Dispatcher - диспетчер событий, владеющий реестром обработчиков и
// планировщиком. Глобального экземпляра нет: диспетчер создается и
// принадлежит подсистеме, которая его использует.
type Dispatcher struct {
	registry  *Registry
	scheduler *task.Scheduler
	provider  Provider
	cfg       *config
}

var _ IDispatcher = (*Dispatcher)(nil)

// NewDispatcher создает диспетчер. Если планировщик не передан через
// WithScheduler, создается собственный с логгером, метриками и
// трассировкой диспетчера.
func NewDispatcher(opts ...Option) *Dispatcher {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	scheduler := cfg.scheduler
	if scheduler == nil {
		schedulerOpts := make([]task.Option, 0, len(cfg.schedulerOpts)+4)
		if cfg.logger != nil {
			schedulerOpts = append(schedulerOpts, task.WithLogger(cfg.logger))
		}
		if cfg.meterProvider != nil {
			schedulerOpts = append(schedulerOpts, task.WithMeterProvider(cfg.meterProvider))
		}
		if cfg.tracerProvider != nil {
			schedulerOpts = append(schedulerOpts, task.WithTracerProvider(cfg.tracerProvider))
		}
		if cfg.failFast {
			schedulerOpts = append(schedulerOpts, task.WithFailFast())
		}
		scheduler = task.NewScheduler(append(schedulerOpts, cfg.schedulerOpts...)...)
	}

	registry := NewRegistry()
	provider := NewLocalProvider(registry, scheduler, cfg.failFast)

	// Сначала стандартные middleware, затем пользовательские.
	allMiddlewares := []BusMiddleware{
		NewLoggingMiddleware(cfg.logger),
		NewMetricsMiddleware(cfg.meterProvider),
		NewTracingMiddleware(cfg.tracerProvider),
	}
	allMiddlewares = append(allMiddlewares, cfg.middlewares...)

	return &Dispatcher{
		registry:  registry,
		scheduler: scheduler,
		provider:  applyMiddlewares(provider, allMiddlewares...),
		cfg:       cfg,
	}
}

// On регистрирует обработчик. Паника внутри обработчика или его сценария
// превращается в ошибку до того, как ее увидят middleware.
func (d *Dispatcher) On(t Type, handler Handler, opts ...OnOption) (unsubscribe func()) {
	if applyOnOptions(opts).name == "" {
		opts = append(opts, WithName(getHandlerName(handler)))
	}
	return d.provider.On(t, safeHandler(handler), opts...)
}

// Fire публикует событие.
func (d *Dispatcher) Fire(ctx context.Context, e Event) error {
	return d.provider.Fire(ctx, e)
}

// Tick продвигает задачи планировщика диспетчера на один сегмент.
func (d *Dispatcher) Tick(ctx context.Context) error {
	return d.scheduler.Tick(ctx)
}

// Shutdown отменяет все живые задачи.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	return d.provider.Shutdown(ctx)
}

// Registry возвращает реестр обработчиков диспетчера.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Scheduler возвращает планировщик диспетчера.
func (d *Dispatcher) Scheduler() *task.Scheduler {
	return d.scheduler
}

// safeHandler перехватывает панику обработчика и оборачивает возвращенный сценарий в task.Recover.
func safeHandler(handler Handler) Handler {
	return func(ctx context.Context, e Event) (script task.Script, err error) {
		defer func() {
			if r := recover(); r != nil {
				script = nil
				err = fmt.Errorf("%w: %v", task.ErrPanic, r)
			}
		}()

		script, err = handler(ctx, e)
		return task.Recover(script), err
	}
}
