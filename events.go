package livechat

import (
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// Change Notifications
// ============================================================================

// ChangeType describes what changed in the session.
type ChangeType string

const (
	ChangeHydrated   ChangeType = "hydrated"
	ChangeRemoved    ChangeType = "removed"
	ChangeSelected   ChangeType = "selected"
	ChangeNotice     ChangeType = "notice"
	ChangeOutbox     ChangeType = "outbox"
	ChangeConfig     ChangeType = "config"
	ChangeConnection ChangeType = "connection"
)

// Change is delivered to subscribers after the session state changed.
// Kind and ID are set for store changes.
type Change struct {
	Type ChangeType
	Kind Kind
	ID   string
}

// ChangeHandler receives session changes. Handlers run on the goroutine that
// applied the change and must not block.
type ChangeHandler func(Change)

type observers struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]ChangeHandler
	order    []int
	logger   *slog.Logger
}

func (o *observers) subscribe(h ChangeHandler) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.handlers == nil {
		o.handlers = make(map[int]ChangeHandler)
	}
	o.nextID++
	id := o.nextID
	o.handlers[id] = h
	o.order = append(o.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			delete(o.handlers, id)
			for i, v := range o.order {
				if v == id {
					o.order = append(o.order[:i], o.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (o *observers) emit(c Change) {
	o.mu.RLock()
	handlers := make([]ChangeHandler, 0, len(o.order))
	for _, id := range o.order {
		handlers = append(handlers, o.handlers[id])
	}
	o.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil && o.logger != nil {
					o.logger.Error("change_handler_panic", "change", string(c.Type), "kind", string(c.Kind), "id", c.ID, "panic", r)
				}
			}()
			h(c)
		}()
	}
}

// ============================================================================
// Notices
// ============================================================================

// Notice is a server-reported error shown to the user until dismissed.
type Notice struct {
	ID  int
	Msg string
	At  time.Time
}
