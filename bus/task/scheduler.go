package task

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// ErrNestedTick возвращается при вызове Tick из сегмента задачи.
var ErrNestedTick = errors.New("тик вызван из сегмента задачи")

// exclusiveKey помечает контекст, выполняемый под замком планировщика.
type exclusiveKey struct{}

const (
	instrumentationName    = "github.com/x-research-team/dtx-stage/bus/task"
	instrumentationVersion = "0.1.0"
	metricKeyPrefix        = "scheduler."
)

// Scheduler хранит множество живых задач и на каждом тике продвигает каждую
// из них ровно на один сегмент в порядке добавления (FIFO).
//
// Семантика однопоточная и кооперативная: сегменты разных задач никогда не
// выполняются одновременно. Tick, Spawn и Exclusive захватывают общий
// замок, поэтому их можно вызывать из разных горутин. Внутри сегмента замок
// уже захвачен: контекст сегмента несет об этом отметку, и Spawn, Exclusive
// и Cancel из сегмента выполняются без повторного захвата. Контекст сегмента
// не следует передавать в другие горутины.
type Scheduler struct {
	// tickMu сериализует тики, первые сегменты и Exclusive.
	tickMu sync.Mutex
	// ticking отмечает идущий тик. Защищен tickMu.
	ticking bool

	// mu защищает live, byID, seq и liveTask.removed.
	mu   sync.Mutex
	live []*liveTask
	byID map[uuid.UUID]*liveTask
	seq  uint64

	cfg     *config
	tracer  trace.Tracer
	metrics *schedulerMetrics
}

// NewScheduler создает пустой планировщик.
func NewScheduler(opts ...Option) *Scheduler {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}
	if cfg.tracerProvider == nil {
		cfg.tracerProvider = tracenoop.NewTracerProvider()
	}
	if cfg.meterProvider == nil {
		cfg.meterProvider = metricnoop.NewMeterProvider()
	}

	return &Scheduler{
		byID: make(map[uuid.UUID]*liveTask),
		cfg:  cfg,
		tracer: cfg.tracerProvider.Tracer(
			instrumentationName,
			trace.WithInstrumentationVersion(instrumentationVersion),
		),
		metrics: newSchedulerMetrics(cfg.meterProvider),
	}
}

// Spawn выполняет первый сегмент сценария немедленно, в вызывающем коде.
// Если сценарий приостановился, он становится живой задачей и будет
// возобновляться на последующих тиках; возвращается ее id. Если сценарий
// завершился в первом сегменте, задача не создается и возвращается uuid.Nil.
// Сбой первого сегмента возвращается как ошибка, задача при этом не создается.
//
// Вызов из другой горутины ждет окончания идущего тика.
func (s *Scheduler) Spawn(ctx context.Context, script Script) (uuid.UUID, error) {
	if script == nil {
		return uuid.Nil, nil
	}
	ctx, unlock := s.exclusive(ctx)
	defer unlock()

	t := newLiveTask(ctx, script)
	if t.cancelled() {
		t.cancel()
		s.record(ctx, outcomeCancelled)
		return uuid.Nil, nil
	}

	status, err := s.resume(t.ctx, t)
	switch {
	case err != nil && s.isCancellation(t, err):
		t.cancel()
		s.record(ctx, outcomeCancelled)
		return uuid.Nil, nil
	case err != nil && IsStop(err):
		t.cancel()
		s.record(ctx, outcomeCompleted)
		return uuid.Nil, nil
	case err != nil:
		t.cancel()
		s.record(ctx, outcomeFaulted)
		return uuid.Nil, fmt.Errorf("первый сегмент задачи %s: %w", t.id, err)
	case status == Completed:
		t.cancel()
		s.record(ctx, outcomeCompleted)
		return uuid.Nil, nil
	}

	s.record(ctx, outcomeSuspended)
	s.mu.Lock()
	s.seq++
	t.seq = s.seq
	s.live = append(s.live, t)
	s.byID[t.id] = t
	s.mu.Unlock()
	s.metrics.live.Add(ctx, 1)

	s.cfg.logger.Debug("задача приостановлена", slog.String("task_id", t.id.String()))
	return t.id, nil
}

// Tick продвигает каждую живую задачу на один сегмент. Задачи, созданные во
// время тика, впервые возобновляются только на следующем тике. Завершенные,
// отмененные и сбойные задачи удаляются навсегда.
//
// По умолчанию сбой одной задачи не мешает остальным: он передается в
// FaultHandler, а Tick возвращает объединение всех сбоев. С WithFailFast
// первый сбой сразу возвращается, и непродвинутые задачи остаются живыми.
//
// Вызов Tick из сегмента задачи возвращает ErrNestedTick.
func (s *Scheduler) Tick(ctx context.Context) error {
	ctx, unlock := s.exclusive(ctx)
	defer unlock()
	if s.ticking {
		return ErrNestedTick
	}
	s.ticking = true
	defer func() {
		s.ticking = false
	}()

	s.mu.Lock()
	snapshot := s.live
	s.live = nil
	s.mu.Unlock()

	if len(snapshot) == 0 {
		return nil
	}

	ctx, span := s.tracer.Start(ctx, "scheduler tick",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.Int("scheduler.tasks", len(snapshot))),
	)
	defer span.End()
	startTime := time.Now()

	// Выжившие уплотняются в том же массиве: индекс записи не обгоняет индекс чтения.
	survivors := snapshot[:0]
	var errs []error
	for i, t := range snapshot {
		keep, err := s.advance(ctx, t)
		if keep {
			survivors = append(survivors, t)
		}
		if err == nil {
			continue
		}
		errs = append(errs, err)
		if s.cfg.failFast {
			survivors = append(survivors, snapshot[i+1:]...)
			break
		}
	}
	clear(snapshot[len(survivors):])

	s.mu.Lock()
	kept := survivors[:0]
	for _, t := range survivors {
		if !t.removed {
			kept = append(kept, t)
		}
	}
	clear(survivors[len(kept):])
	s.live = append(kept, s.live...)
	s.mu.Unlock()

	s.metrics.tickDuration.Record(ctx, float64(time.Since(startTime).Microseconds())/1000)

	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "сбой задачи")
	}
	return err
}

// Exclusive выполняет fn под замком планировщика: ни тик, ни первый
// сегмент новой задачи не выполняются одновременно с fn. Из сегмента или
// из другого fn вызов выполняется сразу. Так синхронный код обработчиков и
// отрисовки получает ту же однопоточную гарантию, что и сегменты.
func (s *Scheduler) Exclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, unlock := s.exclusive(ctx)
	defer unlock()
	return fn(ctx)
}

// exclusive захватывает tickMu, если контекст еще не выполняется под ним.
func (s *Scheduler) exclusive(ctx context.Context) (context.Context, func()) {
	if owner, _ := ctx.Value(exclusiveKey{}).(*Scheduler); owner == s {
		return ctx, func() {}
	}
	s.tickMu.Lock()
	return context.WithValue(ctx, exclusiveKey{}, s), s.tickMu.Unlock
}

// Cancel отменяет задачу по id. Токен отмены проверяется в точке
// возобновления, поэтому задача удаляется на ближайшем тике, не выполнив
// больше ни одного сегмента. Возвращает false, если задача не найдена.
func (s *Scheduler) Cancel(id uuid.UUID) bool {
	s.mu.Lock()
	t, ok := s.byID[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	t.cancel()
	return true
}

// CancelAll отменяет и немедленно удаляет все живые задачи.
func (s *Scheduler) CancelAll() int {
	s.mu.Lock()
	dropped := make([]*liveTask, 0, len(s.byID))
	for _, t := range s.byID {
		t.removed = true
		dropped = append(dropped, t)
	}
	clear(s.byID)
	s.live = nil
	s.mu.Unlock()

	for _, t := range dropped {
		t.cancel()
	}
	if n := len(dropped); n > 0 {
		s.metrics.live.Add(context.Background(), -int64(n))
		s.cfg.logger.Debug("все задачи отменены", slog.Int("count", n))
	}
	return len(dropped)
}

// Len возвращает число живых задач.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// Contains сообщает, находится ли задача в живом множестве.
func (s *Scheduler) Contains(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byID[id]
	return ok
}

// IDs возвращает id живых задач в порядке их добавления.
func (s *Scheduler) IDs() []uuid.UUID {
	s.mu.Lock()
	tasks := make([]*liveTask, 0, len(s.byID))
	for _, t := range s.byID {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	slices.SortFunc(tasks, func(a, b *liveTask) int {
		return cmp.Compare(a.seq, b.seq)
	})
	ids := make([]uuid.UUID, len(tasks))
	for i, t := range tasks {
		ids[i] = t.id
	}
	return ids
}

// advance возобновляет одну задачу. Возвращает true, если задача остается живой.
func (s *Scheduler) advance(ctx context.Context, t *liveTask) (bool, error) {
	if t.cancelled() {
		s.drop(ctx, t, outcomeCancelled)
		return false, nil
	}

	// Отмена берется из контекста задачи, родительский спан - из тика.
	segCtx := context.WithValue(trace.ContextWithSpan(t.ctx, trace.SpanFromContext(ctx)), exclusiveKey{}, s)
	status, err := s.resume(segCtx, t)
	switch {
	case err != nil && s.isCancellation(t, err):
		s.drop(ctx, t, outcomeCancelled)
		return false, nil
	case err != nil && IsStop(err):
		s.drop(ctx, t, outcomeCompleted)
		return false, nil
	case err != nil:
		err = fmt.Errorf("задача %s: %w", t.id, err)
		s.drop(ctx, t, outcomeFaulted)
		s.report(ctx, t, err)
		return false, err
	case status == Completed:
		s.drop(ctx, t, outcomeCompleted)
		return false, nil
	}

	s.record(ctx, outcomeSuspended)
	return true, nil
}

func (s *Scheduler) resume(ctx context.Context, t *liveTask) (Status, error) {
	t.segments++
	return resumeSafely(ctx, t.script)
}

// isCancellation отличает выход сегмента по отмененному контексту от сбоя.
func (s *Scheduler) isCancellation(t *liveTask, err error) bool {
	return t.cancelled() && (errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled))
}

// drop удаляет задачу из живого множества. Повторный вызов ничего не делает.
func (s *Scheduler) drop(ctx context.Context, t *liveTask, o outcome) {
	t.cancel()

	s.mu.Lock()
	if t.removed {
		s.mu.Unlock()
		return
	}
	t.removed = true
	delete(s.byID, t.id)
	s.mu.Unlock()

	s.metrics.live.Add(ctx, -1)
	s.record(ctx, o)
	s.cfg.logger.Debug("задача удалена",
		slog.String("task_id", t.id.String()),
		slog.String("status", string(o)),
		slog.Int("segments", t.segments),
	)
}

func (s *Scheduler) record(ctx context.Context, o outcome) {
	s.metrics.segments.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(o))))
}

// report передает изолированный сбой логгеру, метрикам и FaultHandler.
func (s *Scheduler) report(ctx context.Context, t *liveTask, err error) {
	s.metrics.faults.Add(ctx, 1)
	s.cfg.logger.Error("сбой задачи",
		slog.String("task_id", t.id.String()),
		slog.Int("segments", t.segments),
		slog.Any("error", err),
	)

	if s.cfg.faultHandler == nil {
		return
	}
	// Паника в FaultHandler не должна прерывать тик.
	defer func() {
		if r := recover(); r != nil {
			s.cfg.logger.Error("паника в обработчике сбоев", slog.Any("panic", r))
		}
	}()
	s.cfg.faultHandler(t.id, err)
}

// schedulerMetrics - инструменты OpenTelemetry планировщика.
type schedulerMetrics struct {
	live         metric.Int64UpDownCounter
	segments     metric.Int64Counter
	faults       metric.Int64Counter
	tickDuration metric.Float64Histogram
}

func newSchedulerMetrics(provider metric.MeterProvider) *schedulerMetrics {
	meter := provider.Meter(instrumentationName)

	live, err := meter.Int64UpDownCounter(
		metricKeyPrefix+"tasks.live",
		metric.WithDescription("Количество живых задач"),
		metric.WithUnit("{tasks}"),
	)
	if err != nil {
		panic(fmt.Sprintf("не удалось создать счетчик tasks.live: %v", err))
	}

	segments, err := meter.Int64Counter(
		metricKeyPrefix+"segments.count",
		metric.WithDescription("Количество выполненных сегментов по итоговому статусу"),
		metric.WithUnit("{segments}"),
	)
	if err != nil {
		panic(fmt.Sprintf("не удалось создать счетчик segments.count: %v", err))
	}

	faults, err := meter.Int64Counter(
		metricKeyPrefix+"faults.count",
		metric.WithDescription("Количество сбоев задач"),
		metric.WithUnit("{faults}"),
	)
	if err != nil {
		panic(fmt.Sprintf("не удалось создать счетчик faults.count: %v", err))
	}

	tickDuration, err := meter.Float64Histogram(
		metricKeyPrefix+"tick.duration",
		metric.WithDescription("Длительность тика"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic(fmt.Sprintf("не удалось создать гистограмму tick.duration: %v", err))
	}

	return &schedulerMetrics{
		live:         live,
		segments:     segments,
		faults:       faults,
		tickDuration: tickDuration,
	}
}
