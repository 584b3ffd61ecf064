package event

import (
	"context"
	"errors"
	"fmt"

	"github.com/x-research-team/dtx-stage/bus/task"
)

// LocalProvider - базовая реализация Provider: реестр обработчиков плюс
// планировщик, которому передаются приостановленные сценарии.
type LocalProvider struct {
	registry  *Registry
	scheduler *task.Scheduler
	failFast  bool
}

// NewLocalProvider создает провайдер поверх реестра и планировщика.
func NewLocalProvider(registry *Registry, scheduler *task.Scheduler, failFast bool) *LocalProvider {
	return &LocalProvider{
		registry:  registry,
		scheduler: scheduler,
		failFast:  failFast,
	}
}

// On регистрирует обработчик в реестре.
func (p *LocalProvider) On(t Type, handler Handler, opts ...OnOption) (unsubscribe func()) {
	return p.registry.Register(t, handler, opts...)
}

// Fire вызывает обработчики события по порядку. Если обработчик вернул
// сценарий, его первый сегмент выполняется до перехода к следующему
// обработчику. Сбои изолируются: они передаются ErrorHandler регистрации,
// а обход продолжается. В режиме failFast первый сбой прерывает обход.
//
// Обход выполняется под замком планировщика, поэтому обработчики не
// пересекаются с тиком, идущим в другой горутине.
func (p *LocalProvider) Fire(ctx context.Context, e Event) error {
	return p.scheduler.Exclusive(ctx, func(ctx context.Context) error {
		var errs []error
		for _, en := range p.registry.entries(e.Type) {
			err := p.invoke(ctx, e, en)
			if err == nil {
				continue
			}

			err = fmt.Errorf("обработчик '%s' события '%s': %w", en.name, e.Type, err)
			notify(en.errorHandler, err, e)
			if p.failFast {
				return err
			}
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})
}

// Shutdown отменяет все живые задачи планировщика.
func (p *LocalProvider) Shutdown(ctx context.Context) error {
	p.scheduler.CancelAll()
	return nil
}

// invoke вызывает обработчик и, если он вернул сценарий, передает его
// планировщику, который выполняет первый сегмент немедленно.
func (p *LocalProvider) invoke(ctx context.Context, e Event, en *entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", task.ErrPanic, r)
		}
	}()

	script, err := en.handler(ctx, e)
	if err != nil {
		if task.IsStop(err) {
			return nil
		}
		return err
	}
	if script == nil {
		return nil
	}

	_, err = p.scheduler.Spawn(ctx, script)
	return err
}

// notify вызывает ErrorHandler, не позволяя его панике прервать Fire.
func notify(handler ErrorHandler, err error, e Event) {
	if handler == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	handler(err, e)
}
