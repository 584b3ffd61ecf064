package stage

import (
	"context"
	"log/slog"

	"github.com/x-research-team/dtx-stage/bus/event"
)

// DefaultFPS - частота кадров по умолчанию.
const DefaultFPS = 30

// Renderer вызывается после каждого тика. Отрисовка остается обычным
// побочным эффектом: ядро ничего не знает о графике.
type Renderer func(ctx context.Context, frame uint64) error

type config struct {
	fps            int
	maxFrames      uint64
	renderer       Renderer
	logger         *slog.Logger
	dispatcherOpts []event.Option
}

// Option определяет функцию для конфигурации сцены.
type Option func(*config)

// WithFPS устанавливает частоту кадров цикла Run. Неположительные значения игнорируются.
func WithFPS(fps int) Option {
	return func(c *config) {
		if fps > 0 {
			c.fps = fps
		}
	}
}

// WithMaxFrames ограничивает число кадров одного запуска Run. Кадры, выполненные
// вызовами Tick до запуска, не учитываются.
// Ноль означает работу до отмены контекста.
func WithMaxFrames(n uint64) Option {
	return func(c *config) {
		c.maxFrames = n
	}
}

// WithRenderer устанавливает функцию отрисовки кадра.
func WithRenderer(r Renderer) Option {
	return func(c *config) {
		c.renderer = r
	}
}

// WithLogger устанавливает логгер сцены и ее диспетчера.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithDispatcherOptions передает опции диспетчеру событий сцены.
func WithDispatcherOptions(opts ...event.Option) Option {
	return func(c *config) {
		c.dispatcherOpts = append(c.dispatcherOpts, opts...)
	}
}
