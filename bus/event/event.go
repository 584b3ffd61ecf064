// Package event определяет события, реестр обработчиков и диспетчер,
// который вызывает обработчики по типу события в порядке регистрации.
//
// Обработчик может вернуть возобновляемый сценарий (task.Script). Тогда
// диспетчер синхронно выполняет его первый сегмент, а остаток передает
// планировщику, который продолжит его на следующих тиках.
package event

import (
	"context"

	"github.com/x-research-team/dtx-stage/bus/task"
)

// Type - идентификатор типа события, по которому выбираются обработчики.
type Type string

// Event описывает произошедшее: тип и непрозрачную полезную нагрузку.
// Событие создается производителем и не изменяется ядром.
type Event struct {
	Type    Type
	Payload any
}

// New создает событие указанного типа.
func New(t Type, payload any) Event {
	return Event{Type: t, Payload: payload}
}

// Handler реагирует на событие. Возврат nil-сценария означает, что вся работа
// уже сделана. Возврат сценария означает, что обработчик хочет продолжить
// выполнение сегментами; ошибка считается сбоем обработчика.
type Handler func(ctx context.Context, e Event) (task.Script, error)

// Sync превращает обычную функцию в обработчик, который никогда не приостанавливается.
func Sync(fn func(ctx context.Context, e Event) error) Handler {
	return func(ctx context.Context, e Event) (task.Script, error) {
		return nil, fn(ctx, e)
	}
}

// ErrorHandler - функция для обработки сбоев конкретной регистрации.
type ErrorHandler func(err error, e Event)

// Middleware - функция-декоратор для Handler, применяемая к одной регистрации.
type Middleware func(next Handler) Handler

// Provider определяет контракт механизма доставки событий. Сквозная
// функциональность (логирование, метрики, трассировка) добавляется
// обертками BusMiddleware вокруг базового LocalProvider.
type Provider interface {
	// On регистрирует обработчик для типа события и возвращает функцию отписки.
	On(t Type, handler Handler, opts ...OnOption) (unsubscribe func())

	// Fire вызывает все обработчики типа события в порядке регистрации.
	Fire(ctx context.Context, e Event) error

	// Shutdown освобождает ресурсы провайдера и отменяет его задачи.
	Shutdown(ctx context.Context) error
}
