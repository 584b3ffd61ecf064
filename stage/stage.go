// Package stage связывает диспетчер событий и планировщик в игровой цикл:
// события запускают сценарии, а каждый кадр продвигает их на один сегмент.
package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/x-research-team/dtx-stage/bus/event"
	"github.com/x-research-team/dtx-stage/bus/task"
)

var (
	// ErrRunning возвращается при повторном запуске цикла.
	ErrRunning = errors.New("цикл сцены уже запущен")
	// ErrStopped возвращается при запуске цикла после Shutdown.
	ErrStopped = errors.New("сцена остановлена")
)

// Stage владеет диспетчером событий и его планировщиком.
type Stage struct {
	dispatcher *event.Dispatcher
	cfg        *config
	frame      atomic.Uint64
	running    atomic.Bool
	done       chan struct{}
	stopOnce   sync.Once
}

// New создает сцену с собственным диспетчером.
func New(opts ...Option) *Stage {
	cfg := &config{
		fps:    DefaultFPS,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	dispatcherOpts := append([]event.Option{event.WithLogger(cfg.logger)}, cfg.dispatcherOpts...)
	return &Stage{
		dispatcher: event.NewDispatcher(dispatcherOpts...),
		cfg:        cfg,
		done:       make(chan struct{}),
	}
}

// On регистрирует обработчик события сцены.
func (s *Stage) On(t event.Type, handler event.Handler, opts ...event.OnOption) (unsubscribe func()) {
	return s.dispatcher.On(t, handler, opts...)
}

// Fire публикует событие сцены.
func (s *Stage) Fire(ctx context.Context, e event.Event) error {
	return s.dispatcher.Fire(ctx, e)
}

// Tick выполняет один кадр: продвигает все живые задачи и вызывает отрисовку.
// Отрисовка выполняется даже после сбоя задач. Кадр целиком выполняется под
// замком планировщика, поэтому Fire из другой горутины не пересекается ни с
// сегментами, ни с отрисовкой.
func (s *Stage) Tick(ctx context.Context) error {
	return s.dispatcher.Scheduler().Exclusive(ctx, func(ctx context.Context) error {
		tickErr := s.dispatcher.Tick(ctx)
		frame := s.frame.Add(1)

		var renderErr error
		if s.cfg.renderer != nil {
			if err := s.cfg.renderer(ctx, frame); err != nil {
				renderErr = fmt.Errorf("отрисовка кадра %d: %w", frame, err)
			}
		}
		return errors.Join(tickErr, renderErr)
	})
}

// Frame возвращает число выполненных кадров.
func (s *Stage) Frame() uint64 {
	return s.frame.Load()
}

// Dispatcher возвращает диспетчер сцены.
func (s *Stage) Dispatcher() *event.Dispatcher {
	return s.dispatcher
}

// Scheduler возвращает планировщик сцены.
func (s *Stage) Scheduler() *task.Scheduler {
	return s.dispatcher.Scheduler()
}

// Run выполняет кадры с фиксированной частотой, пока не будет отменен
// контекст, вызван Shutdown или выполнено WithMaxFrames кадров этого
// запуска. Тик выполняется каждый кадр, даже если события не
// публиковались. Ошибки кадра логируются, цикл продолжается. После
// Shutdown сцену нельзя запустить снова: Run возвращает ErrStopped.
func (s *Stage) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer s.running.Store(false)

	select {
	case <-s.done:
		return ErrStopped
	default:
	}
	start := s.Frame()

	ticker := time.NewTicker(time.Second / time.Duration(s.cfg.fps))
	defer ticker.Stop()

	s.cfg.logger.Info("цикл сцены запущен", slog.Int("fps", s.cfg.fps))
	for {
		select {
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.cfg.logger.Error("ошибка кадра",
					slog.Uint64("frame", s.Frame()),
					slog.Any("error", err),
				)
			}
			if s.cfg.maxFrames > 0 && s.Frame()-start >= s.cfg.maxFrames {
				s.cfg.logger.Info("цикл сцены завершен", slog.Uint64("frame", s.Frame()))
				return nil
			}
		case <-ctx.Done():
			s.cfg.logger.Info("цикл сцены остановлен", slog.Uint64("frame", s.Frame()))
			return ctx.Err()
		case <-s.done:
			s.cfg.logger.Info("цикл сцены остановлен", slog.Uint64("frame", s.Frame()))
			return nil
		}
	}
}

// Shutdown останавливает цикл Run и отменяет все живые задачи. Остановка
// окончательная.
func (s *Stage) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	return s.dispatcher.Shutdown(ctx)
}
