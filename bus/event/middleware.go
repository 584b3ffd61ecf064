package event

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/goccy/go-reflect"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/x-research-team/dtx-stage/bus/task"
)

const (
	instrumentationName    = "github.com/x-research-team/dtx-stage/bus/event"
	instrumentationVersion = "0.1.0"
	metricKeyPrefix        = "scripting."
)

// BusMiddleware определяет интерфейс для middleware диспетчера.
// Middleware позволяет добавлять сквозную функциональность, такую как логирование, метрики или трассировка,
// вокруг вызова обработчиков и каждого сегмента возвращенных ими сценариев.
type BusMiddleware interface {
	// Wrap оборачивает следующий провайдер в цепочке, добавляя свою логику.
	Wrap(next Provider) Provider
}

// MiddlewareFunc является адаптером, позволяющим использовать обычные функции как middleware.
type MiddlewareFunc func(next Provider) Provider

// Wrap реализует интерфейс BusMiddleware.
func (f MiddlewareFunc) Wrap(next Provider) Provider {
	return f(next)
}

// segmentFunc оборачивает один сегмент сценария.
type segmentFunc func(ctx context.Context, next task.Script) (task.Status, error)

// wrapScript декорирует каждый вызов Resume сценария.
func wrapScript(s task.Script, fn segmentFunc) task.Script {
	if s == nil {
		return nil
	}
	return task.Func(func(ctx context.Context) (task.Status, error) {
		return fn(ctx, s)
	})
}

// handlerStatus сводит результат вызова обработчика к метке.
func handlerStatus(script task.Script, err error) string {
	switch {
	case err != nil:
		return "error"
	case script != nil:
		return "script"
	default:
		return "completed"
	}
}

// segmentStatus сводит результат сегмента к метке.
func segmentStatus(status task.Status, err error) string {
	switch {
	case err != nil && task.IsStop(err):
		return task.Completed.String()
	case err != nil:
		return "error"
	default:
		return status.String()
	}
}

// loggingMiddleware реализует BusMiddleware для логирования вызовов обработчиков.
type loggingMiddleware struct {
	logger *slog.Logger
}

// NewLoggingMiddleware создает новое middleware для логирования.
// Если логгер не предоставлен (nil), возвращается no-op middleware.
func NewLoggingMiddleware(logger *slog.Logger) BusMiddleware {
	if logger == nil {
		return &noopMiddleware{}
	}
	return &loggingMiddleware{
		logger: logger,
	}
}

// Wrap оборачивает провайдер для добавления логирования.
func (m *loggingMiddleware) Wrap(next Provider) Provider {
	return &loggingProvider{
		next:   next,
		logger: m.logger,
	}
}

// loggingProvider - это обертка над провайдером, которая добавляет логирование.
type loggingProvider struct {
	next   Provider
	logger *slog.Logger
}

// Fire логирует и передает событие дальше.
func (p *loggingProvider) Fire(ctx context.Context, e Event) (err error) {
	p.logger.Debug("публикация события",
		slog.String("event_type", string(e.Type)),
		slog.String("payload_type", getPayloadType(e.Payload)),
	)

	startTime := time.Now()
	defer func() {
		if err != nil {
			p.logger.Error("ошибка публикации события",
				slog.String("event_type", string(e.Type)),
				slog.Any("error", err),
				slog.Duration("duration", time.Since(startTime)),
			)
		}
	}()

	return p.next.Fire(ctx, e)
}

// On оборачивает обработчик и каждый сегмент возвращенного им сценария.
func (p *loggingProvider) On(t Type, handler Handler, opts ...OnOption) (unsubscribe func()) {
	handlerName := applyOnOptions(opts).name

	wrappedHandler := func(ctx context.Context, e Event) (script task.Script, err error) {
		p.logger.Debug("начало обработки события",
			slog.String("event_type", string(e.Type)),
			slog.String("handler_name", handlerName),
		)

		startTime := time.Now()
		defer func() {
			duration := time.Since(startTime)
			if err != nil && !task.IsStop(err) {
				p.logger.Error("ошибка обработки события",
					slog.String("event_type", string(e.Type)),
					slog.String("handler_name", handlerName),
					slog.Any("error", err),
					slog.Duration("duration", duration),
				)
				return
			}
			p.logger.Debug("событие обработано",
				slog.String("event_type", string(e.Type)),
				slog.String("handler_name", handlerName),
				slog.String("status", handlerStatus(script, err)),
				slog.Duration("duration", duration),
			)
		}()

		script, err = handler(ctx, e)
		return wrapScript(script, func(ctx context.Context, next task.Script) (task.Status, error) {
			segStart := time.Now()
			status, err := next.Resume(ctx)
			if err != nil && !task.IsStop(err) {
				p.logger.Error("ошибка сегмента сценария",
					slog.String("event_type", string(e.Type)),
					slog.String("handler_name", handlerName),
					slog.Any("error", err),
					slog.Duration("duration", time.Since(segStart)),
				)
				return status, err
			}
			p.logger.Debug("сегмент сценария выполнен",
				slog.String("event_type", string(e.Type)),
				slog.String("handler_name", handlerName),
				slog.String("status", segmentStatus(status, err)),
				slog.Duration("duration", time.Since(segStart)),
			)
			return status, err
		}), err
	}

	return p.next.On(t, wrappedHandler, opts...)
}

// Shutdown делегирует вызов следующему провайдеру в цепочке.
func (p *loggingProvider) Shutdown(ctx context.Context) error {
	p.logger.Info("остановка диспетчера событий")
	return p.next.Shutdown(ctx)
}

// metricsMiddleware реализует BusMiddleware для сбора метрик OpenTelemetry.
type metricsMiddleware struct {
	fireCounter    metric.Int64Counter
	handleCounter  metric.Int64Counter
	handleDuration metric.Float64Histogram
	segmentCounter metric.Int64Counter
}

// NewMetricsMiddleware создает новое middleware для сбора метрик.
func NewMetricsMiddleware(provider metric.MeterProvider) BusMiddleware {
	if provider == nil {
		return &noopMiddleware{}
	}

	meter := provider.Meter(instrumentationName)

	fireCounter, err := meter.Int64Counter(
		metricKeyPrefix+"fire.count",
		metric.WithDescription("Количество опубликованных событий"),
		metric.WithUnit("{events}"),
	)
	if err != nil {
		panic(fmt.Sprintf("не удалось создать счетчик fire.count: %v", err))
	}

	handleCounter, err := meter.Int64Counter(
		metricKeyPrefix+"handle.count",
		metric.WithDescription("Количество вызовов обработчиков"),
		metric.WithUnit("{calls}"),
	)
	if err != nil {
		panic(fmt.Sprintf("не удалось создать счетчик handle.count: %v", err))
	}

	handleDuration, err := meter.Float64Histogram(
		metricKeyPrefix+"handle.duration",
		metric.WithDescription("Длительность вызова обработчика"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic(fmt.Sprintf("не удалось создать гистограмму handle.duration: %v", err))
	}

	segmentCounter, err := meter.Int64Counter(
		metricKeyPrefix+"segment.count",
		metric.WithDescription("Количество выполненных сегментов сценариев"),
		metric.WithUnit("{segments}"),
	)
	if err != nil {
		panic(fmt.Sprintf("не удалось создать счетчик segment.count: %v", err))
	}

	return &metricsMiddleware{
		fireCounter:    fireCounter,
		handleCounter:  handleCounter,
		handleDuration: handleDuration,
		segmentCounter: segmentCounter,
	}
}

// Wrap оборачивает провайдер для добавления сбора метрик.
func (m *metricsMiddleware) Wrap(next Provider) Provider {
	return &metricsProvider{
		next:    next,
		metrics: m,
	}
}

// metricsProvider - это обертка над провайдером, которая собирает метрики.
type metricsProvider struct {
	next    Provider
	metrics *metricsMiddleware
}

// Fire собирает метрики и передает событие дальше.
func (p *metricsProvider) Fire(ctx context.Context, e Event) (err error) {
	err = p.next.Fire(ctx, e)

	status := "success"
	if err != nil {
		status = "error"
	}
	p.metrics.fireCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event.type", string(e.Type)),
		attribute.String("status", status),
	))

	return err
}

// On собирает метрики вызовов обработчика и сегментов его сценария.
func (p *metricsProvider) On(t Type, handler Handler, opts ...OnOption) (unsubscribe func()) {
	handlerName := applyOnOptions(opts).name

	wrappedHandler := func(ctx context.Context, e Event) (task.Script, error) {
		startTime := time.Now()
		script, err := handler(ctx, e)
		duration := float64(time.Since(startTime).Microseconds()) / 1000

		attrs := metric.WithAttributes(
			attribute.String("event.type", string(e.Type)),
			attribute.String("handler.name", handlerName),
			attribute.String("status", handlerStatus(script, err)),
		)
		p.metrics.handleCounter.Add(ctx, 1, attrs)
		p.metrics.handleDuration.Record(ctx, duration, attrs)

		return wrapScript(script, func(ctx context.Context, next task.Script) (task.Status, error) {
			status, err := next.Resume(ctx)
			p.metrics.segmentCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("event.type", string(e.Type)),
				attribute.String("handler.name", handlerName),
				attribute.String("status", segmentStatus(status, err)),
			))
			return status, err
		}), err
	}

	return p.next.On(t, wrappedHandler, opts...)
}

// Shutdown делегирует вызов следующему провайдеру.
func (p *metricsProvider) Shutdown(ctx context.Context) error {
	return p.next.Shutdown(ctx)
}

// tracingMiddleware реализует BusMiddleware для трассировки OpenTelemetry.
type tracingMiddleware struct {
	tracer trace.Tracer
}

// NewTracingMiddleware создает новое middleware для трассировки.
func NewTracingMiddleware(tp trace.TracerProvider) BusMiddleware {
	if tp == nil {
		return &noopMiddleware{}
	}

	return &tracingMiddleware{
		tracer: tp.Tracer(
			instrumentationName,
			trace.WithInstrumentationVersion(instrumentationVersion),
		),
	}
}

// Wrap оборачивает провайдер для добавления логики трассировки.
func (m *tracingMiddleware) Wrap(next Provider) Provider {
	return &tracingProvider{
		next:   next,
		tracer: m.tracer,
	}
}

// tracingProvider - это обертка над провайдером, которая управляет спанами трассировки.
type tracingProvider struct {
	next   Provider
	tracer trace.Tracer
}

// Fire создает спан публикации события.
func (p *tracingProvider) Fire(ctx context.Context, e Event) (err error) {
	ctx, span := p.tracer.Start(ctx, fmt.Sprintf("%s fire", e.Type),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.String("event.type", string(e.Type))),
	)
	defer func() {
		endSpan(span, err)
	}()

	return p.next.Fire(ctx, e)
}

// On создает спан на вызов обработчика и на каждый сегмент его сценария.
func (p *tracingProvider) On(t Type, handler Handler, opts ...OnOption) (unsubscribe func()) {
	handlerName := applyOnOptions(opts).name

	wrappedHandler := func(ctx context.Context, e Event) (script task.Script, err error) {
		ctx, span := p.tracer.Start(ctx, fmt.Sprintf("%s handle", e.Type),
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("event.type", string(e.Type)),
				attribute.String("handler.name", handlerName),
			),
		)
		defer func() {
			endSpan(span, err)
		}()

		script, err = handler(ctx, e)
		return wrapScript(script, func(ctx context.Context, next task.Script) (status task.Status, err error) {
			ctx, span := p.tracer.Start(ctx, fmt.Sprintf("%s resume", e.Type),
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					attribute.String("event.type", string(e.Type)),
					attribute.String("handler.name", handlerName),
				),
			)
			defer func() {
				span.SetAttributes(attribute.String("status", segmentStatus(status, err)))
				endSpan(span, err)
			}()
			return next.Resume(ctx)
		}), err
	}

	return p.next.On(t, wrappedHandler, opts...)
}

// Shutdown делегирует вызов.
func (p *tracingProvider) Shutdown(ctx context.Context) error {
	return p.next.Shutdown(ctx)
}

// endSpan фиксирует ошибку в спане, кроме штатного сигнала завершения, и закрывает его.
func endSpan(span trace.Span, err error) {
	if err != nil && !task.IsStop(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// applyMiddlewares применяет цепочку middleware к базовому провайдеру.
// Middleware применяются в обратном порядке, чтобы первое в списке было внешним.
func applyMiddlewares(provider Provider, middlewares ...BusMiddleware) Provider {
	p := provider
	for i := len(middlewares) - 1; i >= 0; i-- {
		p = middlewares[i].Wrap(p)
	}
	return p
}

// noopMiddleware представляет собой пустое middleware, которое просто возвращает следующий провайдер.
type noopMiddleware struct{}

// Wrap просто возвращает следующий провайдер без изменений.
func (m *noopMiddleware) Wrap(next Provider) Provider {
	return next
}

// getPayloadType возвращает имя типа полезной нагрузки с помощью рефлексии.
func getPayloadType(payload any) string {
	if payload == nil {
		return "nil"
	}
	typ := reflect.TypeOf(payload)
	if typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	if name := typ.Name(); name != "" {
		return name
	}
	return typ.String()
}

// getHandlerName извлекает имя обработчика.
func getHandlerName(handler any) string {
	if handler == nil {
		return "nil"
	}
	v := reflect.ValueOf(handler)
	if v.Kind() == reflect.Func && !v.IsNil() {
		if f := runtime.FuncForPC(v.Pointer()); f != nil {
			return f.Name()
		}
	}
	return reflect.TypeOf(handler).String()
}
