package core

import "sync"

type EventContext struct {
	Data interface{}
}

// System internal event codes. Application should use codes beyond 255.
type SystemEventCode int

const (
	// Shuts the application down on the next frame.
	EVENT_CODE_APPLICATION_QUIT SystemEventCode = 0x01

	// The configuration file was reloaded.
	/* Context usage:
	 * cfg := data.Data.(*Config)
	 */
	EVENT_CODE_CONFIG_RELOADED SystemEventCode = 0x02

	// A synchronous flush finished.
	/* Context usage:
	 * elapsed := data.Data.(time.Duration)
	 */
	EVENT_CODE_FLUSH_COMPLETED SystemEventCode = 0x03

	MAX_EVENT_CODE SystemEventCode = 0xFF
)

// This should be more than enough codes...
const MAX_MESSAGE_CODES = 16384

type registeredEvent struct {
	listener interface{}
	callback FnOnEvent
}

type eventCodeEntry struct {
	events []*registeredEvent
}

type eventSystemState struct {
	mutex sync.RWMutex
	// Lookup table for event codes.
	registered [MAX_MESSAGE_CODES]eventCodeEntry
}

var eventState = &eventSystemState{}

// Should return true if handled.
type FnOnEvent func(code SystemEventCode, sender interface{}, listenerInst interface{}, data EventContext) bool

// EventShutdown drops every registration.
func EventShutdown() {
	eventState.mutex.Lock()
	defer eventState.mutex.Unlock()
	for i := range eventState.registered {
		eventState.registered[i].events = nil
	}
}

// EventRegister listens for events sent with code. A listener can only be
// registered once per code; a duplicate returns false.
func EventRegister(code SystemEventCode, listener interface{}, onEvent FnOnEvent) bool {
	if code < 0 || int(code) >= MAX_MESSAGE_CODES || onEvent == nil {
		return false
	}
	eventState.mutex.Lock()
	defer eventState.mutex.Unlock()

	entry := &eventState.registered[code]
	for _, e := range entry.events {
		if e.listener == listener {
			LogWarn("listener already registered for event code %d", code)
			return false
		}
	}
	entry.events = append(entry.events, &registeredEvent{
		listener: listener,
		callback: onEvent,
	})
	return true
}

// EventUnregister removes the listener registered for code. It returns false
// if there was none.
func EventUnregister(code SystemEventCode, listener interface{}) bool {
	if code < 0 || int(code) >= MAX_MESSAGE_CODES {
		return false
	}
	eventState.mutex.Lock()
	defer eventState.mutex.Unlock()

	entry := &eventState.registered[code]
	for i, e := range entry.events {
		if e.listener == listener {
			entry.events = append(entry.events[:i], entry.events[i+1:]...)
			return true
		}
	}
	return false
}

// EventFire sends an event to the listeners of code in registration order. If
// a handler returns true the event is considered handled and is not passed on.
func EventFire(code SystemEventCode, sender interface{}, context EventContext) bool {
	if code < 0 || int(code) >= MAX_MESSAGE_CODES {
		return false
	}
	eventState.mutex.RLock()
	events := append([]*registeredEvent(nil), eventState.registered[code].events...)
	eventState.mutex.RUnlock()

	for _, e := range events {
		if e.callback(code, sender, e.listener, context) {
			// Message has been handled, do not send to other listeners.
			return true
		}
	}
	return false
}
