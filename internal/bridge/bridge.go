// Package bridge carries named events between an inspection frontend and a
// backend agent.
package bridge

import (
	"errors"
	"sort"
	"sync"

	"github.com/bytedance/sonic"
)

// Event names exchanged over a bridge.
const (
	EventShutdown            = "shutdown"
	EventInspectElement      = "inspectElement"
	EventInspectedElement    = "inspectedElement"
	EventPauseElementPolling = "pauseElementPolling"

	EventClearErrorsAndWarnings   = "clearErrorsAndWarnings"
	EventClearErrorsForElementID  = "clearErrorsForElementID"
	EventClearWarningsForElement  = "clearWarningsForElementID"
	EventCopyElementPath          = "copyElementPath"
	EventStoreAsGlobal            = "storeAsGlobal"
	EventOverrideValueAtPath      = "overrideValueAtPath"
	EventDeletePath               = "deletePath"
	EventRenamePath               = "renamePath"
)

var ErrClosed = errors.New("bridge: closed")

// Handler receives the JSON payload of one event.
type Handler func(payload []byte)

// ListenerID identifies a registered handler for RemoveListener.
type ListenerID uint64

// Bridge is a bidirectional named-event channel.
type Bridge interface {
	Send(event string, payload any) error
	AddListener(event string, h Handler) ListenerID
	RemoveListener(event string, id ListenerID)
	Close() error
}

// Decode unmarshals an event payload into out.
func Decode(payload []byte, out any) error {
	return sonic.Unmarshal(payload, out)
}

func encode(payload any) ([]byte, error) {
	if raw, ok := payload.([]byte); ok {
		return raw, nil
	}
	return sonic.Marshal(payload)
}

type listener struct {
	id ListenerID
	h  Handler
}

// listeners is the handler table shared by every bridge implementation.
type listeners struct {
	mu      sync.Mutex
	next    ListenerID
	byEvent map[string][]listener
}

func (l *listeners) add(event string, h Handler) ListenerID {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.byEvent == nil {
		l.byEvent = make(map[string][]listener)
	}
	l.next++
	l.byEvent[event] = append(l.byEvent[event], listener{id: l.next, h: h})
	return l.next
}

func (l *listeners) remove(event string, id ListenerID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	list := l.byEvent[event]
	for i, entry := range list {
		if entry.id == id {
			l.byEvent[event] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(l.byEvent[event]) == 0 {
		delete(l.byEvent, event)
	}
}

func (l *listeners) count(event string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byEvent[event])
}

func (l *listeners) events() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.byEvent))
	for event := range l.byEvent {
		out = append(out, event)
	}
	sort.Strings(out)
	return out
}

// emit runs the handlers registered for event outside the table lock.
func (l *listeners) emit(event string, payload []byte) {
	l.mu.Lock()
	list := make([]listener, len(l.byEvent[event]))
	copy(list, l.byEvent[event])
	l.mu.Unlock()
	for _, entry := range list {
		entry.h(payload)
	}
}
