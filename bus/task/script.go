// Package task реализует кооперативный планировщик задач: возобновляемые
// сценарии (Script), которые выполняются сегментами и добровольно уступают
// управление между тиками, и Scheduler, продвигающий каждую живую задачу ровно
// на один сегмент за тик.
//
// Пакет не использует горутины для выполнения сценариев. Вся "конкурентность"
// сводится к чередованию сегментов разных задач в порядке их добавления.
package task

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
)

// Status - результат выполнения одного сегмента сценария.
type Status int

const (
	// Suspended означает, что сценарий уступил управление и ждет следующего тика.
	Suspended Status = iota
	// Completed означает, что у сценария больше нет сегментов.
	Completed
)

// String возвращает имя статуса для логов и атрибутов метрик.
func (s Status) String() string {
	switch s {
	case Suspended:
		return "suspended"
	case Completed:
		return "completed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

var (
	// ErrStop - штатный сигнал завершения. Сценарий может вернуть его (или
	// ошибку, оборачивающую его) из любого сегмента, чтобы завершиться досрочно.
	// Планировщик никогда не считает его сбоем.
	ErrStop = errors.New("сценарий остановлен")

	// ErrPanic оборачивает паники, перехваченные при выполнении сегмента.
	ErrPanic = errors.New("паника в сценарии")

	// ErrCancelled сообщает, что задача была отменена до очередного сегмента.
	ErrCancelled = errors.New("задача отменена")
)

// Script - возобновляемое вычисление. Каждый вызов Resume выполняет ровно
// один сегмент: от предыдущей точки приостановки до следующей.
// После того как Resume вернул Completed или ошибку, сценарий больше не вызывается.
type Script interface {
	Resume(ctx context.Context) (Status, error)
}

// Func - адаптер, позволяющий использовать обычную функцию как Script.
// Состояние между сегментами хранится в замыкании.
type Func func(ctx context.Context) (Status, error)

// Resume реализует интерфейс Script.
func (f Func) Resume(ctx context.Context) (Status, error) {
	return f(ctx)
}

// Step - тело одного сегмента без собственного статуса.
type Step func(ctx context.Context) error

// resumeSafely выполняет сегмент, превращая панику в ошибку ErrPanic.
func resumeSafely(ctx context.Context, s Script) (status Status, err error) {
	defer func() {
		if r := recover(); r != nil {
			status = Completed
			err = fmt.Errorf("%w: %v\n%s", ErrPanic, r, debug.Stack())
		}
	}()
	return s.Resume(ctx)
}

// Recover оборачивает сценарий так, что паника в любом его сегменте
// возвращается как ошибка, оборачивающая ErrPanic.
func Recover(s Script) Script {
	if s == nil {
		return nil
	}
	if _, ok := s.(recovered); ok {
		return s
	}
	return recovered{next: s}
}

type recovered struct {
	next Script
}

func (r recovered) Resume(ctx context.Context) (Status, error) {
	return resumeSafely(ctx, r.next)
}

// IsStop сообщает, является ли err штатным сигналом завершения.
func IsStop(err error) bool {
	return errors.Is(err, ErrStop)
}
