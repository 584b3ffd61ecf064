package task

import (
	"context"

	"github.com/google/uuid"
)

// outcome описывает, чем закончилось продвижение задачи.
type outcome string

const (
	outcomeSuspended outcome = "suspended"
	outcomeCompleted outcome = "completed"
	outcomeCancelled outcome = "cancelled"
	outcomeFaulted   outcome = "faulted"
)

// liveTask - приостановленное выполнение сценария. Принадлежит планировщику
// с момента первой приостановки и до удаления; наружу выдается только id.
type liveTask struct {
	id     uuid.UUID
	ctx    context.Context
	cancel context.CancelFunc
	script Script
	// seq - порядковый номер добавления в живое множество.
	seq uint64
	// segments - число выполненных сегментов, включая первый.
	segments int
	// removed защищено Scheduler.mu.
	removed bool
}

func newLiveTask(ctx context.Context, script Script) *liveTask {
	taskCtx, cancel := context.WithCancel(ctx)
	return &liveTask{
		id:     uuid.New(),
		ctx:    taskCtx,
		cancel: cancel,
		script: script,
	}
}

// cancelled сообщает, сработал ли токен отмены задачи.
func (t *liveTask) cancelled() bool {
	return t.ctx.Err() != nil
}
