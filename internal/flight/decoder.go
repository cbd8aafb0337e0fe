package flight

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/danmuck/flightctl/internal/moduleloader"
	"github.com/danmuck/flightctl/internal/observability"
	"github.com/danmuck/flightctl/internal/protocol"
	"github.com/danmuck/flightctl/internal/protocol/frame"
	"github.com/danmuck/flightctl/internal/protocol/schema"
	"github.com/danmuck/flightctl/internal/protocol/tlv"
	"github.com/danmuck/flightctl/internal/thenable"
	"github.com/rs/zerolog/log"
)

var modelJSON = sonic.Config{UseInt64: true}.Froze()

// ChunkStatus is the decode state of one row id.
type ChunkStatus int

const (
	ChunkPending ChunkStatus = iota
	ChunkBlocked
	ChunkResolvedModel
	ChunkResolvedModule
	ChunkBinary
	ChunkErrored
	ChunkCancelled
)

func (s ChunkStatus) String() string {
	switch s {
	case ChunkPending:
		return "pending"
	case ChunkBlocked:
		return "blocked"
	case ChunkResolvedModel:
		return "resolved_model"
	case ChunkResolvedModule:
		return "resolved_module"
	case ChunkBinary:
		return "binary"
	case ChunkErrored:
		return "errored"
	case ChunkCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func (s ChunkStatus) terminal() bool {
	return s == ChunkResolvedModel || s == ChunkResolvedModule || s == ChunkErrored || s == ChunkCancelled
}

// ModuleResolver loads the exports named by module rows.
// *moduleloader.Loader implements it.
type ModuleResolver interface {
	Preload(meta moduleloader.Metadata) *thenable.Thenable
	Require(meta moduleloader.Metadata) (any, error)
}

// ResponseOptions configures a Response.
type ResponseOptions struct {
	// Modules resolves module rows. Without it a module row resolves to
	// its moduleloader.Metadata.
	Modules ModuleResolver
	// CallServer backs the Call method of decoded server references.
	CallServer CallServerFunc
	Limits     frame.Limits
	// RequireReply rejects rows that do not carry the reply flag.
	RequireReply bool
}

// DebugInfo is one diagnostic row.
type DebugInfo struct {
	ID      uint64
	Env     string
	Message string
	Time    time.Time
}

type chunk struct {
	id        uint64
	status    ChunkStatus
	value     any
	hasValue  bool
	reason    error
	deps      int
	failure   error
	listeners []func(any, error)
	th        *thenable.Thenable
	buf       []byte
	segments  uint32
}

// Response rebuilds a model from rows. Rows may arrive in any order; a
// value that refers to a row not yet seen stays blocked until it arrives.
type Response struct {
	opts ResponseOptions

	mu       sync.Mutex
	chunks   map[uint64]*chunk
	servers  map[uint64]*ServerReference
	debug    []DebugInfo
	closed   bool
	closeErr error
	after    []func()
}

func NewResponse(opts ResponseOptions) *Response {
	if opts.Limits == (frame.Limits{}) {
		opts.Limits = frame.DefaultLimits()
	}
	return &Response{
		opts:    opts,
		chunks:  make(map[uint64]*chunk),
		servers: make(map[uint64]*ServerReference),
	}
}

// Root returns the thenable of row 0.
func (r *Response) Root() *thenable.Thenable {
	return r.Chunk(0)
}

// Chunk returns the thenable that settles with row id's value.
func (r *Response) Chunk(id uint64) *thenable.Thenable {
	r.mu.Lock()
	c := r.chunk(id)
	r.unlockAndFlush()
	return c.th
}

func (r *Response) Status(id uint64) ChunkStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chunks[id]
	if !ok {
		return ChunkPending
	}
	return c.status
}

// Debug returns the diagnostic rows seen so far.
func (r *Response) Debug() []DebugInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DebugInfo, len(r.debug))
	copy(out, r.debug)
	return out
}

func (r *Response) chunk(id uint64) *chunk {
	c, ok := r.chunks[id]
	if ok {
		return c
	}
	c = &chunk{id: id, th: thenable.New()}
	r.chunks[id] = c
	if r.closed {
		r.fail(c, ChunkErrored, r.closeErr)
	}
	return c
}

func (r *Response) unlockAndFlush() {
	after := r.after
	r.after = nil
	r.mu.Unlock()
	for _, fn := range after {
		fn()
	}
}

func (r *Response) resolve(c *chunk, status ChunkStatus, v any) {
	c.status = status
	c.value = v
	c.hasValue = true
	listeners := c.listeners
	c.listeners = nil
	th := c.th
	r.after = append(r.after, func() { th.Resolve(v) })
	for _, l := range listeners {
		l(v, nil)
	}
}

func (r *Response) fail(c *chunk, status ChunkStatus, reason error) {
	c.status = status
	c.reason = reason
	c.buf = nil
	listeners := c.listeners
	c.listeners = nil
	th := c.th
	r.after = append(r.after, func() { th.Reject(reason) })
	for _, l := range listeners {
		l(nil, reason)
	}
}

// ProcessRow applies one row. Rows for ids that already settled are
// ignored.
func (r *Response) ProcessRow(row protocol.Row) error {
	if r.opts.RequireReply && row.Flags&frame.FlagIsReply == 0 {
		return fmt.Errorf("%w: chunk %d is not flagged as a reply", ErrMalformedRow, row.ID)
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	observability.RecordFlightRow("decode", row.Tag.String())
	var err error
	switch row.Tag {
	case protocol.TagClose:
		r.closeLocked(errConnectionClosed, false)
	case protocol.TagDebug:
		err = r.processDebug(row)
	default:
		c := r.chunk(row.ID)
		if c.status.terminal() || c.status == ChunkBlocked {
			log.Debug().Uint64("chunk", row.ID).Str("tag", row.Tag.String()).Str("status", c.status.String()).Msg("flight: ignoring row for settled chunk")
			break
		}
		err = r.processChunkRow(c, row)
	}
	r.unlockAndFlush()
	return err
}

func (r *Response) processChunkRow(c *chunk, row protocol.Row) error {
	switch row.Tag {
	case protocol.TagModel:
		r.resolveModel(c, row.Payload)
	case protocol.TagModule:
		r.resolveModule(c, row.Payload)
	case protocol.TagBinary:
		if row.Segment != c.segments {
			r.fail(c, ChunkErrored, fmt.Errorf("%w: chunk %d: segment %d, expected %d", ErrMalformedRow, row.ID, row.Segment, c.segments))
			return nil
		}
		c.status = ChunkBinary
		c.segments++
		c.buf = append(c.buf, row.Payload...)
	case protocol.TagBinaryEnd:
		if row.Segment != c.segments {
			r.fail(c, ChunkErrored, fmt.Errorf("%w: chunk %d: %d segments announced, %d received", ErrMalformedRow, row.ID, row.Segment, c.segments))
			return nil
		}
		buf := c.buf
		if buf == nil {
			buf = []byte{}
		}
		c.buf = nil
		r.resolve(c, ChunkResolvedModel, buf)
	case protocol.TagError:
		fields, err := decodeFields(row)
		if err != nil {
			r.fail(c, ChunkErrored, err)
			return nil
		}
		r.fail(c, ChunkErrored, &RowError{
			ID:      row.ID,
			Message: tlv.GetString(fields, schema.FieldMessage),
			Digest:  tlv.GetString(fields, schema.FieldDigest),
		})
	case protocol.TagCancel:
		fields, err := decodeFields(row)
		if err != nil {
			r.fail(c, ChunkCancelled, err)
			return nil
		}
		r.fail(c, ChunkCancelled, fmt.Errorf("%w: %s", ErrCancelled, tlv.GetString(fields, schema.FieldReason)))
	default:
		return fmt.Errorf("%w: %s", protocol.ErrUnknownTag, row.Tag)
	}
	return nil
}

func decodeFields(row protocol.Row) ([]tlv.Field, error) {
	fields, err := tlv.DecodeFields(row.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: chunk %d: %w", ErrMalformedRow, row.ID, err)
	}
	if err := schema.Validate(row.Tag, fields); err != nil {
		return nil, fmt.Errorf("%w: chunk %d: %w", ErrMalformedRow, row.ID, err)
	}
	return fields, nil
}

func (r *Response) processDebug(row protocol.Row) error {
	fields, err := decodeFields(row)
	if err != nil {
		return err
	}
	ms, err := tlv.GetU64(fields, schema.FieldTimestamp)
	if err != nil {
		return fmt.Errorf("%w: chunk %d: %w", ErrMalformedRow, row.ID, err)
	}
	r.debug = append(r.debug, DebugInfo{
		ID:      row.ID,
		Env:     tlv.GetString(fields, schema.FieldEnv),
		Message: tlv.GetString(fields, schema.FieldMessage),
		Time:    time.UnixMilli(int64(ms)),
	})
	return nil
}

func (r *Response) resolveModel(c *chunk, payload []byte) {
	var tree any
	if err := modelJSON.Unmarshal(payload, &tree); err != nil {
		r.fail(c, ChunkErrored, fmt.Errorf("%w: chunk %d: %w", ErrMalformedRow, c.id, err))
		return
	}
	c.status = ChunkBlocked
	c.deps = 0
	c.failure = nil
	switch tree.(type) {
	case map[string]any, []any:
		c.value = tree
		c.hasValue = true
	}
	value := r.walk(c, tree, func(v any) { c.value = v })
	switch {
	case c.failure != nil:
		r.fail(c, ChunkErrored, c.failure)
	case c.deps == 0:
		r.resolve(c, ChunkResolvedModel, value)
	default:
		c.value = value
	}
}

func (r *Response) resolveModule(c *chunk, payload []byte) {
	fields, err := decodeFields(protocol.Row{ID: c.id, Tag: protocol.TagModule, Payload: payload})
	if err != nil {
		r.fail(c, ChunkErrored, err)
		return
	}
	meta := moduleloader.Metadata{
		Specifier: tlv.GetString(fields, schema.FieldSpecifier),
		Name:      tlv.GetString(fields, schema.FieldExportName),
	}
	if chunks := tlv.GetString(fields, schema.FieldChunks); chunks != "" {
		meta.Chunks = strings.Split(chunks, ",")
	}
	if r.opts.Modules == nil {
		r.resolve(c, ChunkResolvedModule, meta)
		return
	}
	pending := r.opts.Modules.Preload(meta)
	if pending == nil {
		r.requireModule(c, meta)
		return
	}
	c.status = ChunkBlocked
	r.after = append(r.after, func() {
		pending.Then(func(any) {
			r.mu.Lock()
			if c.status == ChunkBlocked {
				r.requireModule(c, meta)
			}
			r.unlockAndFlush()
		}, func(err error) {
			r.mu.Lock()
			if c.status == ChunkBlocked {
				r.fail(c, ChunkErrored, err)
			}
			r.unlockAndFlush()
		})
	})
}

func (r *Response) requireModule(c *chunk, meta moduleloader.Metadata) {
	v, err := r.opts.Modules.Require(meta)
	if err != nil {
		r.fail(c, ChunkErrored, err)
		return
	}
	r.resolve(c, ChunkResolvedModule, v)
}

// walk replaces reference tokens inside v in place and returns the value to
// store in v's slot.
func (r *Response) walk(owner *chunk, v any, set func(any)) any {
	switch x := v.(type) {
	case map[string]any:
		for k, child := range x {
			x[k] = r.walk(owner, child, func(nv any) { x[k] = nv })
		}
		return x
	case []any:
		for i, child := range x {
			x[i] = r.walk(owner, child, func(nv any) { x[i] = nv })
		}
		return x
	case string:
		return r.parseToken(owner, x, set)
	default:
		return v
	}
}

func (r *Response) parseToken(owner *chunk, s string, set func(any)) any {
	if len(s) < 2 || s[0] != '$' {
		return s
	}
	switch s {
	case tokenNaN:
		return math.NaN()
	case tokenInfinity:
		return math.Inf(1)
	case tokenNegInf:
		return math.Inf(-1)
	case tokenUndefined:
		return nil
	}
	switch {
	case s[1] == '$':
		return s[1:]
	case strings.HasPrefix(s, prefixPromise):
		if id, ok := parseHexID(s[len(prefixPromise):]); ok {
			return r.chunk(id).th
		}
	case strings.HasPrefix(s, prefixDate):
		t, err := time.Parse(time.RFC3339Nano, s[len(prefixDate):])
		if err != nil {
			owner.failure = fmt.Errorf("%w: chunk %d: bad date %q", ErrMalformedRow, owner.id, s)
			return nil
		}
		return t
	case strings.HasPrefix(s, prefixBigInt):
		n, ok := new(big.Int).SetString(s[len(prefixBigInt):], 10)
		if !ok {
			owner.failure = fmt.Errorf("%w: chunk %d: bad integer %q", ErrMalformedRow, owner.id, s)
			return nil
		}
		return n
	case strings.HasPrefix(s, prefixBinary), strings.HasPrefix(s, prefixModule):
		if id, ok := parseHexID(s[2:]); ok {
			return r.reference(owner, id, set, nil)
		}
	case strings.HasPrefix(s, prefixServer):
		if id, ok := parseHexID(s[len(prefixServer):]); ok {
			return r.reference(owner, id, set, func(v any) any { return r.serverReference(id, v) })
		}
	default:
		if id, ok := parseHexID(s[1:]); ok {
			return r.reference(owner, id, set, nil)
		}
	}
	return s
}

// reference resolves a token pointing at row id. A blocked row that already
// holds its container is returned as is so cycles keep their identity.
func (r *Response) reference(owner *chunk, id uint64, set func(any), transform func(any) any) any {
	target := r.chunk(id)
	switch target.status {
	case ChunkResolvedModel, ChunkResolvedModule:
		if transform != nil {
			return transform(target.value)
		}
		return target.value
	case ChunkErrored, ChunkCancelled:
		owner.failure = fmt.Errorf("%w: chunk %d: %w", ErrUnresolvedReference, id, target.reason)
		return nil
	case ChunkBlocked:
		if target.hasValue && transform == nil {
			return target.value
		}
	}

	owner.deps++
	target.listeners = append(target.listeners, func(v any, err error) {
		if owner.status != ChunkBlocked {
			return
		}
		if err != nil {
			r.fail(owner, ChunkErrored, fmt.Errorf("%w: chunk %d: %w", ErrUnresolvedReference, id, err))
			return
		}
		if transform != nil {
			v = transform(v)
		}
		set(v)
		owner.deps--
		if owner.deps == 0 {
			r.resolve(owner, ChunkResolvedModel, owner.value)
		}
	})
	return target.th
}

func (r *Response) serverReference(id uint64, v any) any {
	if ref, ok := r.servers[id]; ok {
		return ref
	}
	ref := &ServerReference{call: r.opts.CallServer}
	if m, ok := v.(map[string]any); ok {
		ref.ID, _ = m["id"].(string)
		ref.Bound, _ = m["bound"].([]any)
	}
	r.servers[id] = ref
	return ref
}

func (r *Response) closeLocked(reason error, all bool) {
	if r.closed {
		return
	}
	r.closed = true
	r.closeErr = reason
	for _, c := range r.chunks {
		switch c.status {
		case ChunkPending, ChunkBinary:
			r.fail(c, ChunkErrored, reason)
		case ChunkBlocked:
			if all {
				r.fail(c, ChunkErrored, reason)
			}
		}
	}
}

// Close rejects every row that has not arrived. The reason matches both
// ErrUnresolvedReference and ErrConnectionClosed.
func (r *Response) Close() {
	r.mu.Lock()
	r.closeLocked(errConnectionClosed, false)
	r.unlockAndFlush()
}

// ReportGlobalError rejects every unsettled row with err and stops the
// response.
func (r *Response) ReportGlobalError(err error) {
	log.Warn().Err(err).Msg("flight: response failed")
	r.mu.Lock()
	r.closeLocked(fmt.Errorf("%w: %w", ErrUnresolvedReference, err), true)
	r.unlockAndFlush()
}

// ProcessStream reads rows from rd until it ends, fails, or ctx ends.
func (r *Response) ProcessStream(ctx context.Context, rd io.Reader) (err error) {
	ctx, span := observability.StartSpan(ctx, "flight.Response.ProcessStream")
	defer func() { observability.EndSpan(span, err) }()

	stop := context.AfterFunc(ctx, func() {
		r.ReportGlobalError(context.Cause(ctx))
	})
	defer stop()

	for {
		row, err := protocol.ReadRow(rd, r.opts.Limits)
		if errors.Is(err, io.EOF) {
			r.Close()
			return nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			r.ReportGlobalError(err)
			return err
		}
		if err := r.ProcessRow(row); err != nil {
			r.ReportGlobalError(err)
			return err
		}
	}
}
