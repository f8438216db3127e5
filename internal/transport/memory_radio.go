package transport

import (
	"context"
	"sync"
)

// MemoryRadio is an in-process Radio for tests and local simulation.
type MemoryRadio struct {
	// deliverMu is held for reading while listeners run so Listen cannot
	// return in the middle of a delivery.
	deliverMu sync.RWMutex

	mu          sync.Mutex
	state       PowerState
	watchers    map[int]chan PowerState
	nextID      int
	listeners   map[int]func([]byte)
	advertised  []string
	advertising int
	startErr    error
}

// NewMemoryRadio returns a radio in the given initial state.
func NewMemoryRadio(initial PowerState) *MemoryRadio {
	return &MemoryRadio{
		state:     initial,
		watchers:  make(map[int]chan PowerState),
		listeners: make(map[int]func([]byte)),
	}
}

// FailStarts makes every Advertise and Listen call fail with err until reset with nil.
func (r *MemoryRadio) FailStarts(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startErr = err
}

// SetState changes the power state and notifies watchers.
func (r *MemoryRadio) SetState(st PowerState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = st
	for _, ch := range r.watchers {
		select {
		case ch <- st:
		default:
		}
	}
}

// Deliver hands payload to every active listener and returns how many got it.
func (r *MemoryRadio) Deliver(payload string) int {
	r.deliverMu.RLock()
	defer r.deliverMu.RUnlock()

	r.mu.Lock()
	emits := make([]func([]byte), 0, len(r.listeners))
	for _, emit := range r.listeners {
		emits = append(emits, emit)
	}
	r.mu.Unlock()

	for _, emit := range emits {
		emit([]byte(payload))
	}
	return len(emits)
}

// Advertised returns every payload advertising was started with, in order.
func (r *MemoryRadio) Advertised() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.advertised...)
}

// Advertising reports how many Advertise calls are active.
func (r *MemoryRadio) Advertising() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.advertising
}

// Listening reports how many Listen calls are active.
func (r *MemoryRadio) Listening() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}

func (r *MemoryRadio) States(ctx context.Context) <-chan PowerState {
	ch := make(chan PowerState, 16)
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.watchers[id] = ch
	ch <- r.state
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		delete(r.watchers, id)
		r.mu.Unlock()
		close(ch)
	}()
	return ch
}

func (r *MemoryRadio) Advertise(ctx context.Context, payload []byte) error {
	r.mu.Lock()
	if r.startErr != nil {
		err := r.startErr
		r.mu.Unlock()
		return err
	}
	r.advertised = append(r.advertised, string(payload))
	r.advertising++
	r.mu.Unlock()

	<-ctx.Done()

	r.mu.Lock()
	r.advertising--
	r.mu.Unlock()
	return nil
}

func (r *MemoryRadio) Listen(ctx context.Context, emit func([]byte)) error {
	r.mu.Lock()
	if r.startErr != nil {
		err := r.startErr
		r.mu.Unlock()
		return err
	}
	id := r.nextID
	r.nextID++
	r.listeners[id] = emit
	r.mu.Unlock()

	<-ctx.Done()

	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()
	r.mu.Lock()
	delete(r.listeners, id)
	r.mu.Unlock()
	return nil
}
