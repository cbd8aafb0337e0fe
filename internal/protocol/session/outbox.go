package session

import (
	"sort"
	"sync"
	"time"
)

// PendingRequest tracks one request awaiting its correlated response.
type PendingRequest struct {
	RequestID  uint64
	Event      string
	Subject    string
	SentAt     time.Time
	DeadlineAt time.Time
}

// Outbox stores in-flight requests by request id.
type Outbox struct {
	mu    sync.RWMutex
	items map[uint64]PendingRequest
}

func NewOutbox() *Outbox {
	return &Outbox{
		items: make(map[uint64]PendingRequest),
	}
}

func (o *Outbox) Upsert(item PendingRequest) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items[item.RequestID] = item
}

// Remove drops requestID and reports whether it was in flight.
func (o *Outbox) Remove(requestID uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.items[requestID]
	delete(o.items, requestID)
	return ok
}

func (o *Outbox) Get(requestID uint64) (PendingRequest, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	item, ok := o.items[requestID]
	return item, ok
}

func (o *Outbox) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.items)
}

// Overdue lists requests whose deadline is before now.
func (o *Outbox) Overdue(now time.Time) []PendingRequest {
	var out []PendingRequest
	for _, item := range o.List() {
		if !item.DeadlineAt.IsZero() && item.DeadlineAt.Before(now) {
			out = append(out, item)
		}
	}
	return out
}

func (o *Outbox) List() []PendingRequest {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]PendingRequest, 0, len(o.items))
	for _, item := range o.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RequestID < out[j].RequestID
	})
	return out
}
