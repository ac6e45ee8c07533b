package core

import "sync"

// System internal event codes. Application should use codes beyond 255.
type SystemEventCode int

const (
	// Shuts the application down on the next frame.
	EVENT_CODE_APPLICATION_QUIT SystemEventCode = 0x01

	// Resized/resolution changed from the OS.
	/* Context usage:
	 * width := ctx.Data.(*ResizeEvent).Width
	 */
	EVENT_CODE_RESIZED SystemEventCode = 0x08

	// The configuration file changed on disk.
	/* Context usage:
	 * cfg := ctx.Data.(*ConfigReloadEvent)
	 */
	EVENT_CODE_CONFIG_RELOADED SystemEventCode = 0x09

	MAX_EVENT_CODE SystemEventCode = 0xFF
)

type EventContext struct {
	Type   SystemEventCode
	Sender interface{}
	Data   interface{}
}

type ResizeEvent struct {
	Width  uint32
	Height uint32
}

type ConfigReloadEvent struct {
	LogLevel   string
	ClearColor [4]float32
}

// Should return true if handled.
type FnOnEvent func(ctx EventContext) bool

type registeredEvent struct {
	listener interface{}
	callback FnOnEvent
}

// EventSystem queues events fired from any goroutine and delivers them on the
// goroutine calling Dispatch, which is the frame loop.
type EventSystem struct {
	mu         sync.Mutex
	registered map[SystemEventCode][]*registeredEvent
	queue      chan EventContext
}

func NewEventSystem(queueSize int) *EventSystem {
	return &EventSystem{
		registered: make(map[SystemEventCode][]*registeredEvent),
		queue:      make(chan EventContext, queueSize),
	}
}

/**
 * Register to listen for when events are sent with the provided code. Events with duplicate
 * listeners will not be registered again and will cause this to return false.
 */
func (es *EventSystem) Register(code SystemEventCode, listener interface{}, onEvent FnOnEvent) bool {
	es.mu.Lock()
	defer es.mu.Unlock()

	for _, e := range es.registered[code] {
		if e.listener == listener {
			LogWarn("listener already registered for event code %d", code)
			return false
		}
	}
	es.registered[code] = append(es.registered[code], &registeredEvent{
		listener: listener,
		callback: onEvent,
	})
	return true
}

func (es *EventSystem) Unregister(code SystemEventCode, listener interface{}) bool {
	es.mu.Lock()
	defer es.mu.Unlock()

	events := es.registered[code]
	for i, e := range events {
		if e.listener == listener {
			es.registered[code] = append(events[:i], events[i+1:]...)
			return true
		}
	}
	return false
}

// Fire queues the event. It never blocks; when the queue is full the event is
// dropped and false is returned.
func (es *EventSystem) Fire(ctx EventContext) bool {
	select {
	case es.queue <- ctx:
		return true
	default:
		LogWarn("event queue full, dropping event code %d", ctx.Type)
		return false
	}
}

// Dispatch delivers every queued event. If an event handler returns true, the
// event is considered handled and is not passed on to any more listeners.
func (es *EventSystem) Dispatch() int {
	n := 0
	for {
		select {
		case ctx := <-es.queue:
			es.deliver(ctx)
			n++
		default:
			return n
		}
	}
}

func (es *EventSystem) deliver(ctx EventContext) {
	es.mu.Lock()
	events := append([]*registeredEvent(nil), es.registered[ctx.Type]...)
	es.mu.Unlock()

	for _, e := range events {
		if e.callback(ctx) {
			return
		}
	}
}
