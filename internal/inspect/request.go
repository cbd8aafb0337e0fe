package inspect

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/flightctl/internal/bridge"
	"github.com/danmuck/flightctl/internal/observability"
	"github.com/danmuck/flightctl/internal/protocol/session"
	"github.com/danmuck/flightctl/internal/thenable"
	"github.com/danmuck/flightctl/internal/valuepath"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type registration struct {
	event string
	id    bridge.ListenerID
}

// request is one inspectElement round trip. The first of response,
// shutdown, pause or timeout settles it; cleanup runs once.
type request struct {
	cache     *Cache
	requestID uint64
	elementID int
	started   time.Time
	span      trace.Span
	result    *thenable.Thenable

	mu      sync.Mutex
	settled bool
	regs    []registration
	timer   *time.Timer
}

// sendInspectElement issues one request and returns a Thenable that settles
// to the *bridge.InspectedElementPayload answering it.
func (c *Cache) sendInspectElement(ctx context.Context, forceFullData bool, elementID int, path valuepath.Path, rendererID int, listenPause bool) *thenable.Thenable {
	requestID := c.requestSeq.Add(1) - 1
	_, span := observability.StartSpan(ctx, "inspect.inspectElement",
		attribute.Int("element.id", elementID),
		attribute.Int64("request.id", int64(requestID)),
		attribute.Bool("force_full_data", forceFullData),
	)
	r := &request{
		cache:     c,
		requestID: requestID,
		elementID: elementID,
		started:   time.Now(),
		span:      span,
		result:    thenable.New(),
	}
	c.outbox.Upsert(session.PendingRequest{
		RequestID:  requestID,
		Event:      bridge.EventInspectElement,
		Subject:    strconv.Itoa(elementID),
		SentAt:     r.started,
		DeadlineAt: r.started.Add(c.cfg.Timeout),
	})

	r.listen(bridge.EventInspectedElement, r.onInspectedElement)
	r.listen(bridge.EventShutdown, func([]byte) {
		r.finish(nil, ErrTransportShutdown, "shutdown")
	})
	if listenPause {
		r.listen(bridge.EventPauseElementPolling, func([]byte) {
			r.finish(nil, ErrPollingCancelled, "cancelled")
		})
	}
	r.arm(time.AfterFunc(c.cfg.Timeout, func() {
		r.finish(nil, &TimeoutError{ElementID: elementID, RequestID: requestID, After: c.cfg.Timeout}, "timeout")
	}))

	err := c.cfg.Bridge.Send(bridge.EventInspectElement, bridge.InspectElementParams{
		ForceFullData: forceFullData,
		ID:            elementID,
		Path:          path,
		RendererID:    rendererID,
		RequestID:     requestID,
	})
	if err != nil {
		r.finish(nil, err, "send_failed")
	}
	return r.result
}

func (r *request) onInspectedElement(payload []byte) {
	var msg bridge.InspectedElementPayload
	if err := bridge.Decode(payload, &msg); err != nil {
		log.Warn().Err(err).Msg("inspect: dropping malformed inspectedElement payload")
		return
	}
	if msg.ResponseID != r.requestID {
		return
	}
	r.finish(&msg, nil, "resolved")
}

func (r *request) listen(event string, h bridge.Handler) {
	id := r.cache.cfg.Bridge.AddListener(event, h)
	r.mu.Lock()
	if r.settled {
		r.mu.Unlock()
		r.cache.cfg.Bridge.RemoveListener(event, id)
		return
	}
	r.regs = append(r.regs, registration{event: event, id: id})
	r.mu.Unlock()
}

func (r *request) arm(timer *time.Timer) {
	r.mu.Lock()
	if r.settled {
		r.mu.Unlock()
		timer.Stop()
		return
	}
	r.timer = timer
	r.mu.Unlock()
}

func (r *request) finish(value *bridge.InspectedElementPayload, err error, outcome string) {
	r.mu.Lock()
	if r.settled {
		r.mu.Unlock()
		return
	}
	r.settled = true
	regs, timer := r.regs, r.timer
	r.regs, r.timer = nil, nil
	r.mu.Unlock()

	for _, reg := range regs {
		r.cache.cfg.Bridge.RemoveListener(reg.event, reg.id)
	}
	if timer != nil {
		timer.Stop()
	}
	r.cache.outbox.Remove(r.requestID)
	observability.RecordInspectRequest(outcome, time.Since(r.started))
	r.span.SetAttributes(attribute.String("outcome", outcome))
	observability.EndSpan(r.span, err)

	if err != nil {
		if outcome == "timeout" {
			log.Warn().Int("element", r.elementID).Uint64("request", r.requestID).Err(err).Msg("inspect: request timed out")
		}
		r.result.Reject(err)
		return
	}
	r.result.Resolve(value)
}
