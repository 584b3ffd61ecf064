package task

import (
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// FaultHandler получает сбой задачи, изолированный планировщиком.
type FaultHandler func(id uuid.UUID, err error)

// config содержит неэкспортируемую конфигурацию планировщика.
type config struct {
	logger         *slog.Logger
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	faultHandler   FaultHandler
	failFast       bool
}

// Option определяет тип для функциональных опций планировщика.
type Option func(*config)

// WithLogger устанавливает логгер планировщика.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithTracerProvider устанавливает провайдер трассировки для спанов тиков.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(c *config) {
		c.tracerProvider = provider
	}
}

// WithMeterProvider устанавливает провайдер метрик планировщика.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(c *config) {
		c.meterProvider = provider
	}
}

// WithFaultHandler задает функцию, которая получает каждый изолированный сбой задачи.
func WithFaultHandler(handler FaultHandler) Option {
	return func(c *config) {
		c.faultHandler = handler
	}
}

// WithFailFast отключает изоляцию сбоев: первый сбой прерывает тик,
// а оставшиеся задачи ждут следующего тика без продвижения.
func WithFailFast() Option {
	return func(c *config) {
		c.failFast = true
	}
}
