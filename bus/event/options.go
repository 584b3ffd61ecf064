package event

import (
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/x-research-team/dtx-stage/bus/task"
)

// config содержит неэкспортируемую конфигурацию диспетчера.
// Это позволяет добавлять новые опции без изменения публичного API.
type config struct {
	logger         *slog.Logger
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	middlewares    []BusMiddleware
	scheduler      *task.Scheduler
	schedulerOpts  []task.Option
	failFast       bool
}

// Option определяет тип для функциональных опций, которые изменяют конфигурацию диспетчера.
type Option func(*config)

// WithLogger устанавливает логгер. Он используется middleware логирования
// и, если планировщик создается диспетчером, самим планировщиком.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithTracerProvider устанавливает провайдер трассировки OpenTelemetry.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(c *config) {
		c.tracerProvider = provider
	}
}

// WithMeterProvider устанавливает провайдер метрик OpenTelemetry.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(c *config) {
		c.meterProvider = provider
	}
}

// WithBusMiddleware добавляет middleware в цепочку обработки диспетчера.
// Middleware выполняются в порядке их добавления, после стандартных.
func WithBusMiddleware(mw ...BusMiddleware) Option {
	return func(c *config) {
		c.middlewares = append(c.middlewares, mw...)
	}
}

// WithScheduler передает диспетчеру готовый планировщик вместо создания собственного.
func WithScheduler(s *task.Scheduler) Option {
	return func(c *config) {
		c.scheduler = s
	}
}

// WithSchedulerOptions задает опции планировщика, создаваемого диспетчером.
func WithSchedulerOptions(opts ...task.Option) Option {
	return func(c *config) {
		c.schedulerOpts = append(c.schedulerOpts, opts...)
	}
}

// WithFailFast отключает изоляцию сбоев: первый сбой обработчика прерывает
// Fire, и оставшиеся обработчики события не вызываются. Собственный
// планировщик диспетчера создается с task.WithFailFast, и первый сбой
// задачи прерывает тик. Планировщик, переданный через WithScheduler,
// настраивается отдельно.
func WithFailFast() Option {
	return func(c *config) {
		c.failFast = true
	}
}

// onOptions определяет набор параметров конкретной регистрации.
type onOptions struct {
	// name - имя обработчика в логах, метриках и спанах.
	// По умолчанию берется имя функции.
	name         string
	errorHandler ErrorHandler
	middleware   []Middleware
}

// OnOption - функциональная опция регистрации обработчика.
type OnOption func(*onOptions)

func applyOnOptions(opts []OnOption) *onOptions {
	o := &onOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithName задает имя обработчика.
func WithName(name string) OnOption {
	return func(o *onOptions) {
		o.name = name
	}
}

// WithErrorHandler задает функцию, получающую сбои этой регистрации.
func WithErrorHandler(handler ErrorHandler) OnOption {
	return func(o *onOptions) {
		o.errorHandler = handler
	}
}

// WithMiddleware добавляет локальные middleware, которые применяются только к данной регистрации.
func WithMiddleware(mw ...Middleware) OnOption {
	return func(o *onOptions) {
		o.middleware = append(o.middleware, mw...)
	}
}
