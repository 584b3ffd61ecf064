package task

import "context"

// Конструкторы ниже соответствуют управляющим блокам Scratch ("ждать",
// "повторить", "повторять пока не"). Каждый вызов возвращает новый сценарий
// со своим состоянием, поэтому обработчик должен создавать сценарий заново
// при каждом срабатывании события.

// Steps выполняет каждый шаг в отдельном сегменте. Между шагами сценарий
// уступает управление; последний шаг завершает сценарий без лишнего тика.
func Steps(steps ...Step) Script {
	next := 0
	return Func(func(ctx context.Context) (Status, error) {
		if next >= len(steps) {
			return Completed, nil
		}
		step := steps[next]
		next++
		if err := step(ctx); err != nil {
			return Completed, err
		}
		if next >= len(steps) {
			return Completed, nil
		}
		return Suspended, nil
	})
}

// Sequence выполняет сценарии друг за другом. Когда очередной сценарий
// завершается, следующий начинается в том же сегменте.
func Sequence(scripts ...Script) Script {
	current := 0
	return Func(func(ctx context.Context) (Status, error) {
		for current < len(scripts) {
			status, err := scripts[current].Resume(ctx)
			if err != nil {
				return Completed, err
			}
			if status == Suspended {
				return Suspended, nil
			}
			current++
		}
		return Completed, nil
	})
}

// WaitTicks уступает управление n раз и завершается на n+1-м возобновлении.
func WaitTicks(n int) Script {
	left := n
	return Func(func(ctx context.Context) (Status, error) {
		if left <= 0 {
			return Completed, nil
		}
		left--
		return Suspended, nil
	})
}

// WaitUntil уступает управление, пока cond возвращает false.
func WaitUntil(cond func() bool) Script {
	return Func(func(ctx context.Context) (Status, error) {
		if cond() {
			return Completed, nil
		}
		return Suspended, nil
	})
}

// Repeat выполняет body n раз, по одной итерации за сегмент. Как и блок
// "повторить" в Scratch, цикл уступает управление после каждой итерации,
// включая последнюю, поэтому сценарий завершается в n+1-м сегменте, а
// следующий за ним в Sequence сценарий начинается на следующем тике.
func Repeat(n int, body Step) Script {
	done := 0
	return Func(func(ctx context.Context) (Status, error) {
		if done >= n {
			return Completed, nil
		}
		done++
		if err := body(ctx); err != nil {
			return Completed, err
		}
		return Suspended, nil
	})
}

// RepeatUntil проверяет cond в начале каждого сегмента. Пока условие ложно,
// выполняется одна итерация body и сценарий уступает управление. Завершение
// по истинному условию занимает отдельный сегмент, как в Repeat.
func RepeatUntil(cond func() bool, body Step) Script {
	return Func(func(ctx context.Context) (Status, error) {
		if cond() {
			return Completed, nil
		}
		if err := body(ctx); err != nil {
			return Completed, err
		}
		return Suspended, nil
	})
}

// Forever выполняет body в каждом сегменте и никогда не завершается сам.
// Остановить такой сценарий можно отменой задачи или возвратом ErrStop из body.
func Forever(body Step) Script {
	return Func(func(ctx context.Context) (Status, error) {
		if err := body(ctx); err != nil {
			return Completed, err
		}
		return Suspended, nil
	})
}
