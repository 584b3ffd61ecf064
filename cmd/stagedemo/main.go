// Команда stagedemo запускает сцену с одним спрайтом: по событию
// "flag.clicked" спрайт скользит, меняет костюмы и подпрыгивает, а каждый
// кадр печатается в stdout.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/x-research-team/dtx-stage/bus/event"
	"github.com/x-research-team/dtx-stage/examples/sprite"
	"github.com/x-research-team/dtx-stage/stage"
)

const flagClicked event.Type = "flag.clicked"

type options struct {
	fps      int
	frames   uint64
	logLevel string
	stats    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "stagedemo",
		Short: "Демонстрация кооперативных сценариев спрайта",
		Long: `stagedemo публикует событие flag.clicked и выполняет сцену с
фиксированной частотой кадров, печатая положение спрайта на каждом кадре.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}

	cmd.Flags().IntVar(&opts.fps, "fps", stage.DefaultFPS, "частота кадров")
	cmd.Flags().Uint64Var(&opts.frames, "frames", 60, "число кадров (0 - до прерывания)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "уровень логирования: debug, info, warn, error")
	cmd.Flags().BoolVar(&opts.stats, "stats", false, "напечатать счетчики событий и задач после завершения")
	return cmd
}

func run(cmd *cobra.Command, opts *options) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(opts.logLevel)); err != nil {
		return fmt.Errorf("некорректный уровень логирования '%s': %w", opts.logLevel, err)
	}
	if opts.fps <= 0 {
		return fmt.Errorf("частота кадров должна быть положительной: %d", opts.fps)
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	cat := &sprite.Sprite{
		Name: "кот",
		Costumes: []sprite.Costume{
			{Name: "шаг-1", X: 48, Y: 50, Resolution: 2},
			{Name: "шаг-2", X: 46, Y: 53, Resolution: 2},
		},
	}

	out := cmd.OutOrStdout()
	stageOpts := []stage.Option{
		stage.WithFPS(opts.fps),
		stage.WithMaxFrames(opts.frames),
		stage.WithLogger(logger),
		stage.WithRenderer(func(ctx context.Context, frame uint64) error {
			return cat.Render(out, frame)
		}),
	}

	var reader *sdkmetric.ManualReader
	if opts.stats {
		reader = sdkmetric.NewManualReader()
		meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
		defer func() {
			_ = meterProvider.Shutdown(context.Background())
		}()
		stageOpts = append(stageOpts, stage.WithDispatcherOptions(event.WithMeterProvider(meterProvider)))
	}
	s := stage.New(stageOpts...)

	s.On(flagClicked, sprite.GlideTo(cat, 120, 0, opts.fps), event.WithName("glide"))
	s.On(flagClicked, sprite.NextCostumeEvery(cat, opts.fps/4, 8), event.WithName("walk"))
	s.On(flagClicked, sprite.Bounce(cat, 12, 1.5), event.WithName("bounce"))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.Fire(ctx, event.New(flagClicked, nil)); err != nil {
		logger.Error("ошибка публикации события", slog.Any("error", err))
	}

	err := s.Run(ctx)
	if shutdownErr := s.Shutdown(context.WithoutCancel(ctx)); shutdownErr != nil {
		logger.Error("ошибка остановки сцены", slog.Any("error", shutdownErr))
	}
	if reader != nil {
		if statsErr := printStats(cmd, reader); statsErr != nil {
			return statsErr
		}
	}
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// printStats печатает суммы целочисленных счетчиков, собранных за запуск.
func printStats(cmd *cobra.Command, reader *sdkmetric.ManualReader) error {
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		return fmt.Errorf("сбор метрик: %w", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s = %d\n", m.Name, total)
		}
	}
	return nil
}
