package event

import (
	"reflect"
	"sync"
)

type handler func(any)

// Bus carries engine and session notifications between systems. It is
// double-buffered: what is emitted during tick N is delivered when
// DispatchSystem swaps at the start of tick N+1, so a handler never observes
// half-applied state. Emit and the dispatch calls belong to the tick
// goroutine; Subscribe may be called from anywhere.
type Bus struct {
	mu       sync.Mutex
	handlers map[reflect.Type][]handler

	front, back map[reflect.Type][]any
	order       []reflect.Type // first-emit order, keeps delivery deterministic
	known       map[reflect.Type]struct{}
	delivered   uint64
}

func NewBus() *Bus {
	return &Bus{
		handlers: make(map[reflect.Type][]handler),
		front:    make(map[reflect.Type][]any),
		back:     make(map[reflect.Type][]any),
		known:    make(map[reflect.Type]struct{}),
	}
}

func typeOf[T any]() reflect.Type { return reflect.TypeOf((*T)(nil)).Elem() }

// Emit queues ev for the next tick. A nil bus drops it.
func Emit[T any](b *Bus, ev T) {
	if b == nil {
		return
	}
	t := typeOf[T]()
	if _, ok := b.known[t]; !ok {
		b.known[t] = struct{}{}
		b.order = append(b.order, t)
	}
	b.back[t] = append(b.back[t], ev)
}

// Subscribe registers fn for every event of type T.
func Subscribe[T any](b *Bus, fn func(T)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := typeOf[T]()
	b.handlers[t] = append(b.handlers[t], func(ev any) { fn(ev.(T)) })
}

// SwapBuffers makes last tick's events current and empties the back buffer.
func (b *Bus) SwapBuffers() {
	b.front, b.back = b.back, b.front
	for t, evs := range b.back {
		b.back[t] = evs[:0]
	}
}

// Pending reports how many events wait for the next swap.
func (b *Bus) Pending() int {
	n := 0
	for _, evs := range b.back {
		n += len(evs)
	}
	return n
}

// DispatchAll delivers the current buffer, event types in the order they
// were first emitted, and returns how many events it delivered.
func (b *Bus) DispatchAll() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, t := range b.order {
		evs := b.front[t]
		for _, ev := range evs {
			for _, h := range b.handlers[t] {
				h(ev)
			}
		}
		n += len(evs)
	}
	b.delivered += uint64(n)
	return n
}

// Delivered reports the total number of events dispatched so far.
func (b *Bus) Delivered() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delivered
}
