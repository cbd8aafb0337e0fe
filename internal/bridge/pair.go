package bridge

import (
	"sync"

	"github.com/danmuck/flightctl/internal/observability"
	"github.com/rs/zerolog/log"
)

type message struct {
	event   string
	payload []byte
}

// Endpoint is one side of an in-process bridge. Events are delivered to
// the peer asynchronously and in send order.
type Endpoint struct {
	name string
	peer *Endpoint
	ls   listeners

	mu     sync.Mutex
	queue  []message
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

// NewPair returns two linked endpoints.
func NewPair() (*Endpoint, *Endpoint) {
	a := newEndpoint("frontend")
	b := newEndpoint("backend")
	a.peer, b.peer = b, a
	go a.run()
	go b.run()
	return a, b
}

func newEndpoint(name string) *Endpoint {
	return &Endpoint{
		name: name,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (e *Endpoint) Send(event string, payload any) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	raw, err := encode(payload)
	if err != nil {
		return err
	}
	observability.RecordBridgeMessage("send", event)
	e.peer.deliver(message{event: event, payload: raw})
	return nil
}

func (e *Endpoint) AddListener(event string, h Handler) ListenerID {
	return e.ls.add(event, h)
}

func (e *Endpoint) RemoveListener(event string, id ListenerID) {
	e.ls.remove(event, id)
}

// ListenerCount reports how many handlers are registered for event.
func (e *Endpoint) ListenerCount(event string) int {
	return e.ls.count(event)
}

// Events lists the events that currently have handlers.
func (e *Endpoint) Events() []string {
	return e.ls.events()
}

// Close stops this endpoint and delivers a shutdown event to both sides.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.queue = append(e.queue, message{event: EventShutdown, payload: []byte("null")})
	e.mu.Unlock()
	log.Debug().Str("endpoint", e.name).Msg("bridge: closing pair")
	e.peer.deliver(message{event: EventShutdown, payload: []byte("null")})
	e.signal()
	return nil
}

// Done is closed once the endpoint delivered its final event.
func (e *Endpoint) Done() <-chan struct{} {
	return e.done
}

func (e *Endpoint) deliver(m message) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, m)
	e.mu.Unlock()
	e.signal()
}

func (e *Endpoint) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Endpoint) run() {
	defer close(e.done)
	for range e.wake {
		for {
			e.mu.Lock()
			if len(e.queue) == 0 {
				closed := e.closed
				e.mu.Unlock()
				if closed {
					return
				}
				break
			}
			m := e.queue[0]
			e.queue = e.queue[1:]
			e.mu.Unlock()
			observability.RecordBridgeMessage("receive", m.event)
			e.ls.emit(m.event, m.payload)
		}
	}
}
