package event

import (
	"slices"
	"sync"

	"github.com/google/uuid"
)

// entry - одна регистрация обработчика.
type entry struct {
	// id - уникальный идентификатор регистрации; повторная регистрация той же
	// функции получает новый id и вызывается независимо.
	id           uuid.UUID
	name         string
	handler      Handler
	errorHandler ErrorHandler
}

// Registry - потокобезопасный реестр обработчиков, упорядоченных по
// регистрации для каждого типа события.
//
// Срезы регистраций не изменяются на месте: Register и отписка создают
// новый срез, поэтому уже полученный снимок остается стабильным во время Fire.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Type][]*entry
}

// NewRegistry создает пустой реестр.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[Type][]*entry),
	}
}

// Register добавляет обработчик в конец последовательности для типа t,
// создавая ее при необходимости. Локальные middleware из опций применяются
// к обработчику здесь. Возвращенная функция удаляет именно эту регистрацию;
// повторный вызов ничего не делает.
func (r *Registry) Register(t Type, handler Handler, opts ...OnOption) (remove func()) {
	o := applyOnOptions(opts)

	final := handler
	for i := len(o.middleware) - 1; i >= 0; i-- {
		final = o.middleware[i](final)
	}

	name := o.name
	if name == "" {
		name = getHandlerName(handler)
	}

	e := &entry{
		id:           uuid.New(),
		name:         name,
		handler:      final,
		errorHandler: o.errorHandler,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.handlers[t]
	next := make([]*entry, len(current), len(current)+1)
	copy(next, current)
	r.handlers[t] = append(next, e)

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		subs := r.handlers[t]
		i := slices.IndexFunc(subs, func(s *entry) bool { return s.id == e.id })
		if i < 0 {
			return
		}
		if len(subs) == 1 {
			delete(r.handlers, t)
			return
		}
		r.handlers[t] = slices.Delete(slices.Clone(subs), i, i+1)
	}
}

// Lookup возвращает обработчики типа t в порядке регистрации.
// Если обработчиков нет, возвращается пустой срез.
func (r *Registry) Lookup(t Type) []Handler {
	entries := r.entries(t)
	handlers := make([]Handler, len(entries))
	for i, e := range entries {
		handlers[i] = e.handler
	}
	return handlers
}

// Len возвращает число регистраций для типа t.
func (r *Registry) Len(t Type) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[t])
}

// entries возвращает неизменяемый снимок регистраций.
func (r *Registry) entries(t Type) []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[t]
}
