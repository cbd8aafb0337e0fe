package inspect

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/danmuck/flightctl/internal/observability"
	"github.com/rs/zerolog/log"
)

type PollStatus int

const (
	PollIdle PollStatus = iota
	PollRunning
	PollPaused
	PollAborted
)

func (s PollStatus) String() string {
	switch s {
	case PollIdle:
		return "idle"
	case PollRunning:
		return "running"
	case PollPaused:
		return "paused"
	case PollAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Poller repeats CheckForUpdate for one element, waiting PollInterval
// between starts. Abort and Pause are observed between cycles; a request
// already in flight always finishes.
type Poller struct {
	cache   *Cache
	element *Element

	mu      sync.Mutex
	status  PollStatus
	resumed bool
	wake    chan struct{}
	done    chan struct{}
}

// StartElementUpdatesPolling starts polling element immediately.
func (c *Cache) StartElementUpdatesPolling(element *Element) *Poller {
	p := &Poller{
		cache:   c,
		element: element,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *Poller) Status() PollStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Done is closed once the poller has been aborted and its last cycle ended.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

// Abort stops polling for good.
func (p *Poller) Abort() {
	p.mu.Lock()
	p.status = PollAborted
	p.mu.Unlock()
	p.signal()
}

// Pause stops scheduling cycles until Resume.
func (p *Poller) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == PollPaused || p.status == PollAborted {
		return
	}
	p.status = PollPaused
}

// Resume un-pauses a paused poller. The next cycle starts right away, or as
// soon as a cycle still in flight settles. It does nothing on a poller that
// is not paused.
func (p *Poller) Resume() {
	p.mu.Lock()
	if p.status != PollPaused {
		p.mu.Unlock()
		return
	}
	p.status = PollIdle
	p.resumed = true
	p.mu.Unlock()
	p.signal()
}

// interrupted reports whether the interval wait should end early, consuming
// a pending resume.
func (p *Poller) interrupted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == PollAborted {
		return true
	}
	resumed := p.resumed
	p.resumed = false
	return resumed
}

func (p *Poller) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Poller) run() {
	defer close(p.done)
	for {
		p.mu.Lock()
		for p.status == PollPaused {
			p.mu.Unlock()
			<-p.wake
			p.mu.Lock()
		}
		if p.status == PollAborted {
			p.mu.Unlock()
			return
		}
		p.status = PollRunning
		p.resumed = false
		p.mu.Unlock()

		p.cycle()

		p.mu.Lock()
		if p.status == PollRunning {
			p.status = PollIdle
		}
		p.mu.Unlock()
	}
}

// cycle runs one check and waits out the interval, whichever is longer.
func (p *Poller) cycle() {
	delay := time.NewTimer(p.cache.cfg.PollInterval)
	defer delay.Stop()
	err := p.cache.CheckForUpdate(context.Background(), p.element)

	switch {
	case err == nil:
		observability.RecordPollCycle("ok")
	case errors.Is(err, ErrPollingCancelled):
		observability.RecordPollCycle("cancelled")
	default:
		observability.RecordPollCycle("error")
		if p.Status() != PollAborted {
			log.Error().Int("element", p.element.ID).Err(err).Msg("inspect: polling for element updates failed")
		}
	}

	for {
		select {
		case <-delay.C:
			return
		case <-p.wake:
			if p.interrupted() {
				return
			}
		}
	}
}
