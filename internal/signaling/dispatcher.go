package signaling

import (
	"log/slog"
	"sync"
)

type HandlerFunc func(Envelope)

// Dispatcher fans envelopes out to the handlers registered for their type.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]*handlerEntry
	logger   *slog.Logger
}

type handlerEntry struct {
	fn HandlerFunc
}

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		handlers: make(map[string][]*handlerEntry),
		logger:   logger,
	}
}

// Handle registers fn for envelopes of type typ. The returned func removes
// the registration.
func (d *Dispatcher) Handle(typ string, fn HandlerFunc) (cancel func()) {
	entry := &handlerEntry{fn: fn}

	d.mu.Lock()
	d.handlers[typ] = append(d.handlers[typ], entry)
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			list := d.handlers[typ]
			for i, e := range list {
				if e == entry {
					d.handlers[typ] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			if len(d.handlers[typ]) == 0 {
				delete(d.handlers, typ)
			}
		})
	}
}

// Dispatch calls every handler registered for env.Type in registration
// order. It reports whether any handler ran.
func (d *Dispatcher) Dispatch(env Envelope) bool {
	d.mu.RLock()
	list := append([]*handlerEntry(nil), d.handlers[env.Type]...)
	d.mu.RUnlock()

	if len(list) == 0 {
		d.logger.Debug("signal without handler", "type", env.Type, "from", env.From)
		return false
	}
	for _, e := range list {
		e.fn(env)
	}
	return true
}
