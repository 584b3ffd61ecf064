package event

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/x-research-team/dtx-stage/bus/task"
)

// --- Тестовые события ---

const (
	flagClicked Type = "flag.clicked"
	keyPressed  Type = "key.pressed"
)

type KeyPayload struct {
	Key string
}

// suspendOnce возвращает обработчик, который приостанавливается один раз и
// завершается во втором сегменте.
func suspendOnce(trace *[]string, name string) Handler {
	return func(ctx context.Context, e Event) (task.Script, error) {
		return task.Steps(
			func(ctx context.Context) error { *trace = append(*trace, name+":1"); return nil },
			func(ctx context.Context) error { *trace = append(*trace, name+":2"); return nil },
		), nil
	}
}

// --- Тесты ---

func TestDispatcher_Fire_NoHandlers(t *testing.T) {
	t.Parallel()

	d := NewDispatcher()
	require.NoError(t, d.Fire(context.Background(), New("B", nil)))
	assert.Zero(t, d.Scheduler().Len(), "задачи не создаются")
}

func TestDispatcher_Fire_Order(t *testing.T) {
	t.Parallel()

	t.Run("обработчики вызываются в порядке регистрации", func(t *testing.T) {
		t.Parallel()
		d := NewDispatcher()
		var trace []string
		d.On(flagClicked, recordTo(&trace, "1"))
		d.On(flagClicked, recordTo(&trace, "2"))
		d.On(flagClicked, recordTo(&trace, "3"))

		require.NoError(t, d.Fire(context.Background(), New(flagClicked, nil)))
		assert.Equal(t, []string{"1", "2", "3"}, trace)
	})

	t.Run("другой порядок регистрации меняет порядок вызова", func(t *testing.T) {
		t.Parallel()
		d := NewDispatcher()
		var trace []string
		d.On(flagClicked, recordTo(&trace, "3"))
		d.On(flagClicked, recordTo(&trace, "1"))
		d.On(flagClicked, recordTo(&trace, "2"))

		require.NoError(t, d.Fire(context.Background(), New(flagClicked, nil)))
		assert.Equal(t, []string{"3", "1", "2"}, trace)
	})
}

func TestDispatcher_Fire_PayloadDelivered(t *testing.T) {
	t.Parallel()

	d := NewDispatcher()
	var received Event
	d.On(keyPressed, Sync(func(ctx context.Context, e Event) error {
		received = e
		return nil
	}))

	event := New(keyPressed, KeyPayload{Key: "space"})
	require.NoError(t, d.Fire(context.Background(), event))
	assert.Equal(t, event, received)
}

func TestDispatcher_NonSuspendingHandler(t *testing.T) {
	t.Parallel()

	d := NewDispatcher()
	var trace []string
	d.On(flagClicked, recordTo(&trace, "sync"))
	d.On(flagClicked, func(ctx context.Context, e Event) (task.Script, error) {
		// Сценарий, который завершился в первом сегменте, не становится задачей.
		return task.Steps(func(ctx context.Context) error {
			trace = append(trace, "script")
			return nil
		}), nil
	})

	require.NoError(t, d.Fire(context.Background(), New(flagClicked, nil)))
	assert.Equal(t, []string{"sync", "script"}, trace)
	assert.Zero(t, d.Scheduler().Len())
}

func TestDispatcher_Scenario(t *testing.T) {
	t.Parallel()

	d := NewDispatcher()
	var trace []string
	d.On("A", recordTo(&trace, "H1"))
	d.On("A", suspendOnce(&trace, "H2"))

	require.NoError(t, d.Fire(context.Background(), New("A", nil)))
	assert.Equal(t, []string{"H1", "H2:1"}, trace, "первый сегмент выполняется до возврата из Fire")
	assert.Equal(t, 1, d.Scheduler().Len())

	require.NoError(t, d.Tick(context.Background()))
	assert.Equal(t, []string{"H1", "H2:1", "H2:2"}, trace)
	assert.Zero(t, d.Scheduler().Len())

	require.NoError(t, d.Tick(context.Background()))
	assert.Equal(t, []string{"H1", "H2:1", "H2:2"}, trace)
}

func TestDispatcher_TwoTasksFromOneFire(t *testing.T) {
	t.Parallel()

	d := NewDispatcher()
	var trace []string
	d.On("A", suspendOnce(&trace, "short"))
	d.On("A", func(ctx context.Context, e Event) (task.Script, error) {
		return task.Repeat(3, func(ctx context.Context) error {
			trace = append(trace, "long")
			return nil
		}), nil
	})

	require.NoError(t, d.Fire(context.Background(), New("A", nil)))
	assert.Equal(t, 2, d.Scheduler().Len())

	require.NoError(t, d.Tick(context.Background()))
	assert.Equal(t, []string{"short:1", "long", "short:2", "long"}, trace)
	assert.Equal(t, 1, d.Scheduler().Len(), "раннее завершение одной задачи не влияет на другую")

	require.NoError(t, d.Tick(context.Background()))
	assert.Equal(t, []string{"short:1", "long", "short:2", "long", "long"}, trace)
}

func TestDispatcher_FaultIsolation(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")

	t.Run("ошибка обработчика не прерывает обход", func(t *testing.T) {
		t.Parallel()
		d := NewDispatcher()
		var trace []string
		var reported []error

		d.On("A", recordTo(&trace, "до"))
		d.On("A", Sync(func(ctx context.Context, e Event) error { return boom }),
			WithName("сбойный"),
			WithErrorHandler(func(err error, e Event) {
				assert.Equal(t, Type("A"), e.Type)
				reported = append(reported, err)
			}),
		)
		d.On("A", recordTo(&trace, "после"))

		err := d.Fire(context.Background(), New("A", nil))
		require.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "сбойный")
		assert.Equal(t, []string{"до", "после"}, trace)
		require.Len(t, reported, 1)
		assert.ErrorIs(t, reported[0], boom)
	})

	t.Run("паника обработчика становится ошибкой", func(t *testing.T) {
		t.Parallel()
		d := NewDispatcher()
		var trace []string
		d.On("A", func(ctx context.Context, e Event) (task.Script, error) {
			panic("сломано")
		})
		d.On("A", recordTo(&trace, "после"))

		err := d.Fire(context.Background(), New("A", nil))
		require.ErrorIs(t, err, task.ErrPanic)
		assert.Equal(t, []string{"после"}, trace)
	})

	t.Run("сбой первого сегмента не создает задачу", func(t *testing.T) {
		t.Parallel()
		d := NewDispatcher()
		d.On("A", func(ctx context.Context, e Event) (task.Script, error) {
			return task.Func(func(ctx context.Context) (task.Status, error) {
				return task.Completed, boom
			}), nil
		})

		err := d.Fire(context.Background(), New("A", nil))
		require.ErrorIs(t, err, boom)
		assert.Zero(t, d.Scheduler().Len())
	})

	t.Run("паника в сегменте на тике изолирована", func(t *testing.T) {
		t.Parallel()
		d := NewDispatcher()
		var trace []string
		d.On("A", func(ctx context.Context, e Event) (task.Script, error) {
			return task.Steps(
				func(ctx context.Context) error { return nil },
				func(ctx context.Context) error { panic("сломано") },
			), nil
		})
		d.On("A", suspendOnce(&trace, "сосед"))

		require.NoError(t, d.Fire(context.Background(), New("A", nil)))
		err := d.Tick(context.Background())
		require.ErrorIs(t, err, task.ErrPanic)
		assert.Equal(t, []string{"сосед:1", "сосед:2"}, trace)
		assert.Zero(t, d.Scheduler().Len())
	})

	t.Run("ErrStop не считается сбоем", func(t *testing.T) {
		t.Parallel()
		d := NewDispatcher()
		d.On("A", Sync(func(ctx context.Context, e Event) error { return task.ErrStop }))

		require.NoError(t, d.Fire(context.Background(), New("A", nil)))
	})
}

func TestDispatcher_FailFast(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	d := NewDispatcher(WithFailFast())
	var trace []string
	d.On("A", recordTo(&trace, "до"))
	d.On("A", Sync(func(ctx context.Context, e Event) error { return boom }))
	d.On("A", recordTo(&trace, "после"))

	err := d.Fire(context.Background(), New("A", nil))
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"до"}, trace, "остальные обработчики события не вызываются")
}

func TestDispatcher_Unsubscribe(t *testing.T) {
	t.Parallel()

	d := NewDispatcher()
	var trace []string
	off := d.On("A", recordTo(&trace, "h"))

	require.NoError(t, d.Fire(context.Background(), New("A", nil)))
	off()
	require.NoError(t, d.Fire(context.Background(), New("A", nil)))

	assert.Equal(t, []string{"h"}, trace)
	assert.Zero(t, d.Registry().Len("A"))
}

func TestDispatcher_FireFromSegment(t *testing.T) {
	t.Parallel()

	d := NewDispatcher()
	var trace []string
	d.On("broadcast", suspendOnce(&trace, "приемник"))
	d.On("A", func(ctx context.Context, e Event) (task.Script, error) {
		return task.Steps(
			func(ctx context.Context) error { return nil },
			func(ctx context.Context) error {
				return d.Fire(context.WithoutCancel(ctx), New("broadcast", nil))
			},
		), nil
	})

	require.NoError(t, d.Fire(context.Background(), New("A", nil)))
	require.NoError(t, d.Tick(context.Background()))
	assert.Equal(t, []string{"приемник:1"}, trace)
	assert.Equal(t, 1, d.Scheduler().Len())

	require.NoError(t, d.Tick(context.Background()))
	assert.Equal(t, []string{"приемник:1", "приемник:2"}, trace)
}

func TestDispatcher_Shutdown(t *testing.T) {
	t.Parallel()

	d := NewDispatcher()
	var trace []string
	d.On("A", suspendOnce(&trace, "h"))
	require.NoError(t, d.Fire(context.Background(), New("A", nil)))
	require.NoError(t, d.Fire(context.Background(), New("A", nil)))
	require.Equal(t, 2, d.Scheduler().Len())

	require.NoError(t, d.Shutdown(context.Background()))
	assert.Zero(t, d.Scheduler().Len())
	require.NoError(t, d.Tick(context.Background()))
	assert.Equal(t, []string{"h:1", "h:1"}, trace)
}

func TestDispatcher_SharedScheduler(t *testing.T) {
	t.Parallel()

	s := task.NewScheduler()
	first := NewDispatcher(WithScheduler(s))
	second := NewDispatcher(WithScheduler(s))
	var trace []string
	first.On("A", suspendOnce(&trace, "1"))
	second.On("A", suspendOnce(&trace, "2"))

	require.NoError(t, first.Fire(context.Background(), New("A", nil)))
	require.NoError(t, second.Fire(context.Background(), New("A", nil)))
	assert.Same(t, s, first.Scheduler())
	assert.Equal(t, 2, s.Len())

	require.NoError(t, s.Tick(context.Background()))
	assert.Equal(t, []string{"1:1", "2:1", "1:2", "2:2"}, trace)
}

func TestDispatcher_BusMiddleware(t *testing.T) {
	t.Parallel()

	var fired atomic.Int32
	counting := MiddlewareFunc(func(next Provider) Provider {
		return &countingProvider{Provider: next, fired: &fired}
	})

	d := NewDispatcher(WithBusMiddleware(counting))
	d.On("A", recordTo(new([]string), "h"))

	require.NoError(t, d.Fire(context.Background(), New("A", nil)))
	require.NoError(t, d.Fire(context.Background(), New("B", nil)))
	assert.Equal(t, int32(2), fired.Load())
}

// countingProvider считает вызовы Fire и делегирует остальное.
type countingProvider struct {
	Provider
	fired *atomic.Int32
}

func (p *countingProvider) Fire(ctx context.Context, e Event) error {
	p.fired.Add(1)
	return p.Provider.Fire(ctx, e)
}

func TestDispatcher_Telemetry(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	reader := sdkmetric.NewManualReader()
	recorder := tracetest.NewSpanRecorder()

	d := NewDispatcher(
		WithLogger(logger),
		WithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))),
		WithTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))),
	)
	var trace []string
	d.On("A", recordTo(&trace, "H1"), WithName("h1"))
	d.On("A", suspendOnce(&trace, "H2"), WithName("h2"))
	d.On("A", Sync(func(ctx context.Context, e Event) error { return errors.New("boom") }), WithName("h3"))

	require.Error(t, d.Fire(context.Background(), New("A", KeyPayload{Key: "x"})))
	require.NoError(t, d.Tick(context.Background()))

	spans := map[string]int{}
	for _, span := range recorder.Ended() {
		spans[span.Name()]++
	}
	assert.Equal(t, 1, spans["A fire"])
	assert.Equal(t, 3, spans["A handle"])
	assert.Equal(t, 2, spans["A resume"])
	assert.Equal(t, 1, spans["scheduler tick"], "планировщик получает провайдер трассировки диспетчера")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	assert.Equal(t, int64(1), sumInt64(rm, "scripting.fire.count"))
	assert.Equal(t, int64(3), sumInt64(rm, "scripting.handle.count"))
	assert.Equal(t, int64(2), sumInt64(rm, "scripting.segment.count"))

	out := logs.String()
	assert.Contains(t, out, "начало обработки события")
	assert.Contains(t, out, `"handler_name":"h2"`)
	assert.Contains(t, out, `"payload_type":"KeyPayload"`)
	assert.Contains(t, out, "ошибка обработки события")
}

// sumInt64 суммирует точки целочисленной метрики с указанным именем.
func sumInt64(rm metricdata.ResourceMetrics, name string) int64 {
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestDispatcher_FailFast_Tick(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	d := NewDispatcher(WithFailFast())
	d.On("A", func(ctx context.Context, e Event) (task.Script, error) {
		return task.Steps(
			func(ctx context.Context) error { return nil },
			func(ctx context.Context) error { return boom },
		), nil
	})
	segments := 0
	d.On("A", func(ctx context.Context, e Event) (task.Script, error) {
		return task.Forever(func(ctx context.Context) error {
			segments++
			return nil
		}), nil
	})

	require.NoError(t, d.Fire(context.Background(), New("A", nil)))
	require.Equal(t, 1, segments)

	err := d.Tick(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, segments, "сбой прерывает тик до следующей задачи")
	assert.Equal(t, 1, d.Scheduler().Len())

	require.NoError(t, d.Tick(context.Background()))
	assert.Equal(t, 2, segments)
}

func TestDispatcher_FireSerializedWithTick(t *testing.T) {
	t.Parallel()

	d := NewDispatcher()
	var inFlight, overlaps atomic.Int32
	touch := func() {
		if inFlight.Add(1) > 1 {
			overlaps.Add(1)
		}
		runtime.Gosched()
		inFlight.Add(-1)
	}
	d.On("A", func(ctx context.Context, e Event) (task.Script, error) {
		touch()
		return task.Repeat(3, func(ctx context.Context) error {
			touch()
			return nil
		}), nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 100 {
			assert.NoError(t, d.Tick(context.Background()))
		}
	}()
	for range 50 {
		require.NoError(t, d.Fire(context.Background(), New("A", nil)))
	}
	<-done

	assert.Zero(t, overlaps.Load(), "обработчики и сегменты выполняются по одному")
}

// --- Тесты производительности ---

func benchmarkFire(b *testing.B, numHandlers int, suspend bool) {
	d := NewDispatcher()
	for range numHandlers {
		if suspend {
			d.On("bench", func(ctx context.Context, e Event) (task.Script, error) {
				return task.WaitTicks(1), nil
			})
			continue
		}
		d.On("bench", Sync(func(ctx context.Context, e Event) error { return nil }))
	}

	event := New("bench", nil)

	b.ResetTimer()
	for b.Loop() {
		if err := d.Fire(context.Background(), event); err != nil {
			b.Fatalf("ошибка публикации: %v", err)
		}
		if err := d.Tick(context.Background()); err != nil {
			b.Fatalf("ошибка тика: %v", err)
		}
	}
}

func BenchmarkFire_OneHandler(b *testing.B) {
	benchmarkFire(b, 1, false)
}

func BenchmarkFire_ManyHandlers(b *testing.B) {
	benchmarkFire(b, 100, false)
}

func BenchmarkFire_ManySuspending(b *testing.B) {
	benchmarkFire(b, 100, true)
}
