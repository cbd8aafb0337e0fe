// Package backend answers element inspection requests arriving over a
// bridge and applies the edits a frontend sends back.
package backend

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/danmuck/flightctl/internal/bridge"
	"github.com/danmuck/flightctl/internal/hydration"
	"github.com/danmuck/flightctl/internal/valuepath"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownElement = errors.New("backend: unknown element")
	ErrUnknownSection = errors.New("backend: unknown section")
)

// Element is an inspectable element. Section values are trees of
// map[string]any and []any so paths can address and edit them.
type Element struct {
	ID          int
	RendererID  int
	DisplayName string
	Type        string
	Key         string
	Owners      []bridge.SerializedElement
	Props       any
	State       any
	Hooks       any
	Context     any
	// LoadHooks, when set, computes hooks at inspection time. Its error is
	// reported to the frontend as an error response.
	LoadHooks func() (any, error)
	Errors    []bridge.MessageCount
	Warnings  []bridge.MessageCount
}

type Options struct {
	RendererPackageName string
	RendererVersion     string
	// Clipboard receives values copied with copyElementPath.
	Clipboard func(text string)
}

type entry struct {
	el          Element
	version     uint64
	sentVersion uint64
	sent        bool
	inspected   []valuepath.Path
}

type registration struct {
	event string
	id    bridge.ListenerID
}

// Agent serves the elements it holds to the frontend on the other end of a
// bridge.
type Agent struct {
	bridge bridge.Bridge
	opts   Options

	mu       sync.Mutex
	elements map[int]*entry
	globals  map[string]any
	copied   string
	regs     []registration
	closed   bool
}

func NewAgent(b bridge.Bridge, opts Options) *Agent {
	a := &Agent{
		bridge:   b,
		opts:     opts,
		elements: make(map[int]*entry),
		globals:  make(map[string]any),
	}
	a.on(bridge.EventInspectElement, a.handleInspectElement)
	a.on(bridge.EventClearErrorsAndWarnings, a.handleClearErrorsAndWarnings)
	a.on(bridge.EventClearErrorsForElementID, a.handleClearErrors)
	a.on(bridge.EventClearWarningsForElement, a.handleClearWarnings)
	a.on(bridge.EventCopyElementPath, a.handleCopyElementPath)
	a.on(bridge.EventStoreAsGlobal, a.handleStoreAsGlobal)
	a.on(bridge.EventOverrideValueAtPath, a.handleOverrideValueAtPath)
	a.on(bridge.EventDeletePath, a.handleDeletePath)
	a.on(bridge.EventRenamePath, a.handleRenamePath)
	return a
}

func (a *Agent) on(event string, h bridge.Handler) {
	a.regs = append(a.regs, registration{event: event, id: a.bridge.AddListener(event, h)})
}

// Upsert adds or replaces an element. A replaced element counts as changed.
func (a *Agent) Upsert(el Element) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.elements[el.ID]; ok {
		e.el = el
		e.version++
		return
	}
	a.elements[el.ID] = &entry{el: el, version: 1}
}

func (a *Agent) Remove(id int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.elements, id)
}

// Element returns a copy of the element with id.
func (a *Agent) Element(id int) (Element, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.elements[id]
	if !ok {
		return Element{}, false
	}
	return e.el, true
}

// IDs lists the held element ids in ascending order.
func (a *Agent) IDs() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]int, 0, len(a.elements))
	for id := range a.elements {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// Global returns a value kept by storeAsGlobal.
func (a *Agent) Global(name string) (any, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.globals[name]
	return v, ok
}

// Copied returns the text of the last copyElementPath.
func (a *Agent) Copied() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.copied
}

// PausePolling tells the frontend to stop polling; in-flight polls reject.
func (a *Agent) PausePolling() error {
	return a.bridge.Send(bridge.EventPauseElementPolling, nil)
}

// Close detaches the agent and sends shutdown to the frontend.
func (a *Agent) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	regs := a.regs
	a.regs = nil
	a.mu.Unlock()
	for _, r := range regs {
		a.bridge.RemoveListener(r.event, r.id)
	}
	if err := a.bridge.Send(bridge.EventShutdown, nil); err != nil && !errors.Is(err, bridge.ErrClosed) {
		return err
	}
	return nil
}

func (a *Agent) send(msg bridge.InspectedElementPayload) {
	if err := a.bridge.Send(bridge.EventInspectedElement, msg); err != nil {
		log.Warn().Int("element", msg.ID).Uint64("request", msg.ResponseID).Err(err).Msg("backend: failed to answer inspectElement")
	}
}

func (a *Agent) handleInspectElement(payload []byte) {
	var p bridge.InspectElementParams
	if err := bridge.Decode(payload, &p); err != nil {
		log.Warn().Err(err).Msg("backend: malformed inspectElement")
		return
	}
	var path valuepath.Path
	if len(p.Path) > 0 {
		path = valuepath.Normalize(p.Path)
	}
	a.send(a.inspect(p, path))
}

func (a *Agent) inspect(p bridge.InspectElementParams, path valuepath.Path) (msg bridge.InspectedElementPayload) {
	msg = bridge.InspectedElementPayload{ID: p.ID, ResponseID: p.RequestID}
	defer func() {
		if r := recover(); r != nil {
			msg = bridge.InspectedElementPayload{
				ID:         p.ID,
				ResponseID: p.RequestID,
				Type:       bridge.ResponseError,
				ErrorType:  "unknown",
				Message:    fmt.Sprint(r),
				Stack:      string(debug.Stack()),
			}
		}
	}()

	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.elements[p.ID]
	if !ok {
		msg.Type = bridge.ResponseNotFound
		return msg
	}
	if path != nil {
		e.inspected = append(e.inspected, path)
	}

	if !p.ForceFullData && e.sent && e.sentVersion == e.version {
		if path == nil {
			msg.Type = bridge.ResponseNoChange
			return msg
		}
		value, err := e.valueAt(path)
		if err != nil {
			msg.Type, msg.ErrorType, msg.Message = bridge.ResponseError, "path", err.Error()
			return msg
		}
		msg.Type = bridge.ResponseHydratedPath
		msg.Path = path
		msg.Value = hydration.CleanForBridge(value, e.allowed, path)
		if msg.Value == nil {
			msg.Value = &hydration.Dehydrated{}
		}
		return msg
	}

	full, err := a.dehydrateElement(e)
	if err != nil {
		msg.Type, msg.ErrorType, msg.Message = bridge.ResponseError, "user", err.Error()
		return msg
	}
	e.sent, e.sentVersion = true, e.version
	msg.Type = bridge.ResponseFullData
	msg.Element = full
	return msg
}

func (a *Agent) dehydrateElement(e *entry) (*bridge.InspectedElementBackend, error) {
	hooks := e.el.Hooks
	if e.el.LoadHooks != nil {
		loaded, err := e.el.LoadHooks()
		if err != nil {
			return nil, err
		}
		hooks = loaded
	}
	clean := func(section string, v any) *hydration.Dehydrated {
		return hydration.CleanForBridge(v, e.allowed, valuepath.Path{section})
	}
	return &bridge.InspectedElementBackend{
		ID:                  e.el.ID,
		DisplayName:         e.el.DisplayName,
		Type:                e.el.Type,
		Key:                 e.el.Key,
		CanEditHooks:        true,
		CanEditProps:        true,
		CanToggleError:      false,
		IsErrored:           len(e.el.Errors) > 0,
		Owners:              e.el.Owners,
		Props:               clean(bridge.SectionProps, e.el.Props),
		State:               clean(bridge.SectionState, e.el.State),
		Hooks:               clean(bridge.SectionHooks, hooks),
		Context:             clean(bridge.SectionContext, e.el.Context),
		Errors:              e.el.Errors,
		Warnings:            e.el.Warnings,
		RendererPackageName: a.opts.RendererPackageName,
		RendererVersion:     a.opts.RendererVersion,
	}, nil
}

// allowed permits a path that leads to, or is, a path the frontend asked
// to see.
func (e *entry) allowed(path valuepath.Path) bool {
	for _, q := range e.inspected {
		if q.HasPrefix(path) {
			return true
		}
	}
	return false
}

func (e *entry) section(name string) (*any, error) {
	switch name {
	case bridge.SectionProps:
		return &e.el.Props, nil
	case bridge.SectionState:
		return &e.el.State, nil
	case bridge.SectionHooks:
		return &e.el.Hooks, nil
	case bridge.SectionContext:
		return &e.el.Context, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSection, name)
	}
}

// valueAt reads an absolute path whose first key names the section.
func (e *entry) valueAt(path valuepath.Path) (any, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("%w: empty path", ErrUnknownSection)
	}
	name, _ := path[0].(string)
	sec, err := e.section(name)
	if err != nil {
		return nil, err
	}
	return valuepath.Get(*sec, path[1:])
}

// edit replaces one section through fn and marks the element changed.
func (a *Agent) edit(id int, section string, fn func(v any) (any, error)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.elements[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownElement, id)
	}
	sec, err := e.section(section)
	if err != nil {
		return err
	}
	next, err := fn(*sec)
	if err != nil {
		return err
	}
	*sec = next
	e.version++
	return nil
}

func (a *Agent) handleOverrideValueAtPath(payload []byte) {
	var p bridge.OverrideValueParams
	if err := bridge.Decode(payload, &p); err != nil {
		log.Warn().Err(err).Msg("backend: malformed overrideValueAtPath")
		return
	}
	err := a.edit(p.ID, p.Type, func(v any) (any, error) {
		return valuepath.CopyWithSet(v, valuepath.Normalize(p.Path), p.Value)
	})
	if err != nil {
		log.Warn().Int("element", p.ID).Str("path", p.Path.String()).Err(err).Msg("backend: override failed")
	}
}

func (a *Agent) handleDeletePath(payload []byte) {
	var p bridge.DeletePathParams
	if err := bridge.Decode(payload, &p); err != nil {
		log.Warn().Err(err).Msg("backend: malformed deletePath")
		return
	}
	err := a.edit(p.ID, p.Type, func(v any) (any, error) {
		return valuepath.CopyWithDelete(v, valuepath.Normalize(p.Path))
	})
	if err != nil {
		log.Warn().Int("element", p.ID).Err(err).Msg("backend: delete failed")
	}
}

func (a *Agent) handleRenamePath(payload []byte) {
	var p bridge.RenamePathParams
	if err := bridge.Decode(payload, &p); err != nil {
		log.Warn().Err(err).Msg("backend: malformed renamePath")
		return
	}
	err := a.edit(p.ID, p.Type, func(v any) (any, error) {
		return valuepath.CopyWithRename(v, valuepath.Normalize(p.OldPath), valuepath.Normalize(p.NewPath))
	})
	if err != nil {
		log.Warn().Int("element", p.ID).Err(err).Msg("backend: rename failed")
	}
}

func (a *Agent) handleClearErrorsAndWarnings(payload []byte) {
	var p bridge.RendererParams
	if err := bridge.Decode(payload, &p); err != nil {
		log.Warn().Err(err).Msg("backend: malformed clearErrorsAndWarnings")
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.elements {
		if e.el.RendererID != p.RendererID || (len(e.el.Errors) == 0 && len(e.el.Warnings) == 0) {
			continue
		}
		e.el.Errors, e.el.Warnings = nil, nil
		e.version++
	}
}

func (a *Agent) clearMessages(payload []byte, errs bool) {
	var p bridge.ElementParams
	if err := bridge.Decode(payload, &p); err != nil {
		log.Warn().Err(err).Msg("backend: malformed clear request")
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.elements[p.ID]
	if !ok {
		return
	}
	if errs {
		e.el.Errors = nil
	} else {
		e.el.Warnings = nil
	}
	e.version++
}

func (a *Agent) handleClearErrors(payload []byte)   { a.clearMessages(payload, true) }
func (a *Agent) handleClearWarnings(payload []byte) { a.clearMessages(payload, false) }

func (a *Agent) handleCopyElementPath(payload []byte) {
	var p bridge.PathParams
	if err := bridge.Decode(payload, &p); err != nil {
		log.Warn().Err(err).Msg("backend: malformed copyElementPath")
		return
	}
	a.mu.Lock()
	text, err := a.serializeAt(p.ID, valuepath.Normalize(p.Path))
	if err == nil {
		a.copied = text
	}
	a.mu.Unlock()
	if err != nil {
		log.Warn().Int("element", p.ID).Err(err).Msg("backend: copy failed")
		return
	}
	if a.opts.Clipboard != nil {
		a.opts.Clipboard(text)
	}
}

func (a *Agent) serializeAt(id int, path valuepath.Path) (string, error) {
	e, ok := a.elements[id]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownElement, id)
	}
	v, err := e.valueAt(path)
	if err != nil {
		return "", err
	}
	return hydration.SerializeToString(v)
}

func (a *Agent) handleStoreAsGlobal(payload []byte) {
	var p bridge.StoreAsGlobalParams
	if err := bridge.Decode(payload, &p); err != nil {
		log.Warn().Err(err).Msg("backend: malformed storeAsGlobal")
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.elements[p.ID]
	if !ok {
		return
	}
	v, err := e.valueAt(valuepath.Normalize(p.Path))
	if err != nil {
		log.Warn().Int("element", p.ID).Err(err).Msg("backend: storeAsGlobal failed")
		return
	}
	name := fmt.Sprintf("$temp%d", p.Count)
	a.globals[name] = v
	log.Info().Str("global", name).Int("element", p.ID).Msg("backend: stored value as global")
}
