package flight

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"math/big"
	"reflect"
	"sort"
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
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const DefaultBinarySegmentSize = 64 * 1024

// Options configures a Request.
type Options struct {
	// OnError maps a failure to the digest sent in its error row.
	OnError func(err error) string
	// Environment labels debug rows.
	Environment       string
	BinarySegmentSize int
	Limits            frame.Limits
	// Reply marks every row as part of a client-to-server reply.
	Reply bool
}

func (o Options) withDefaults() Options {
	if o.Environment == "" {
		o.Environment = "Server"
	}
	if o.BinarySegmentSize <= 0 {
		o.BinarySegmentSize = DefaultBinarySegmentSize
	}
	if o.Limits == (frame.Limits{}) {
		o.Limits = frame.DefaultLimits()
	}
	return o
}

type identity struct {
	kind reflect.Kind
	ptr  uintptr
	n    int
}

func identityOf(rv reflect.Value) (identity, bool) {
	switch rv.Kind() {
	case reflect.Map, reflect.Pointer:
		if rv.IsNil() {
			return identity{}, false
		}
		return identity{kind: rv.Kind(), ptr: rv.Pointer()}, true
	case reflect.Slice:
		if rv.Len() == 0 || rv.Pointer() == 0 {
			return identity{}, false
		}
		return identity{kind: reflect.Slice, ptr: rv.Pointer(), n: rv.Len()}, true
	}
	return identity{}, false
}

// Request encodes one model into a row stream. Rows are produced as soon as
// their values are available and drained by Pipe.
type Request struct {
	opts Options

	mu       sync.Mutex
	nextID   uint64
	shared   map[identity]bool
	outlined map[identity]uint64
	promises map[*thenable.Thenable]uint64
	servers  map[*ServerReference]uint64
	modules  map[string]uint64
	pending  map[uint64]struct{}
	queue    [][]byte
	deferred []func()
	closed   bool
	aborted  bool
	piping   bool
	rows     int

	notify   chan struct{}
	allReady chan struct{}
}

// NewRequest starts encoding model as row 0.
func NewRequest(model any, opts Options) *Request {
	r := &Request{
		opts:     opts.withDefaults(),
		shared:   make(map[identity]bool),
		outlined: make(map[identity]uint64),
		promises: make(map[*thenable.Thenable]uint64),
		servers:  make(map[*ServerReference]uint64),
		modules:  make(map[string]uint64),
		pending:  make(map[uint64]struct{}),
		notify:   make(chan struct{}, 1),
		allReady: make(chan struct{}),
	}
	r.mu.Lock()
	root := r.allocate()
	r.emitModel(root, model)
	r.maybeClose()
	r.unlockAndRun()
	return r
}

// AllReady is closed once every pending value has been written or the
// request was aborted.
func (r *Request) AllReady() <-chan struct{} {
	return r.allReady
}

func (r *Request) allocate() uint64 {
	id := r.nextID
	r.nextID++
	return id
}

func (r *Request) unlockAndRun() {
	deferred := r.deferred
	r.deferred = nil
	r.mu.Unlock()
	for _, fn := range deferred {
		fn()
	}
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *Request) queueRow(row protocol.Row) {
	if r.closed {
		return
	}
	if r.opts.Reply {
		row.Flags |= frame.FlagIsReply
	}
	buf, err := protocol.AppendRow(nil, row, r.opts.Limits)
	if err != nil {
		log.Error().Uint64("chunk", row.ID).Str("tag", row.Tag.String()).Err(err).Msg("flight: row rejected by frame limits")
		if row.Tag == protocol.TagError {
			return
		}
		r.emitError(row.ID, fmt.Errorf("encode %s row: %w", row.Tag, err))
		return
	}
	r.queue = append(r.queue, buf)
	r.rows++
	observability.RecordFlightRow("encode", row.Tag.String())
}

func (r *Request) emitModel(id uint64, model any) {
	r.scan(model, make(map[identity]bool))
	rv := reflect.ValueOf(model)
	if ident, ok := identityOf(rv); ok && r.shared[ident] {
		r.outlined[ident] = id
	}
	value, err := r.serialize(model, true)
	if err != nil {
		r.emitError(id, err)
		return
	}
	payload, err := sonic.ConfigStd.Marshal(value)
	if err != nil {
		r.emitError(id, err)
		return
	}
	r.queueRow(protocol.Row{ID: id, Tag: protocol.TagModel, Payload: payload})
}

func (r *Request) emitError(id uint64, cause error) {
	digest := ""
	if r.opts.OnError != nil {
		digest = r.opts.OnError(cause)
	}
	log.Warn().Uint64("chunk", id).Str("digest", digest).Err(cause).Msg("flight: emitting error row")
	fields := []tlv.Field{
		tlv.String(schema.FieldMessage, cause.Error()),
		tlv.String(schema.FieldDigest, digest),
	}
	r.queueRow(protocol.Row{ID: id, Tag: protocol.TagError, Payload: tlv.EncodeFields(fields)})
}

// Debug attaches a diagnostic row to chunk id.
func (r *Request) Debug(id uint64, message string) {
	r.mu.Lock()
	fields := []tlv.Field{
		tlv.String(schema.FieldEnv, r.opts.Environment),
		tlv.String(schema.FieldMessage, message),
		tlv.U64(schema.FieldTimestamp, uint64(time.Now().UnixMilli())),
	}
	r.queueRow(protocol.Row{ID: id, Tag: protocol.TagDebug, Payload: tlv.EncodeFields(fields)})
	r.unlockAndRun()
}

func (r *Request) maybeClose() {
	if r.closed || len(r.pending) > 0 {
		return
	}
	r.queueRow(protocol.Row{ID: 0, Tag: protocol.TagClose})
	r.closed = true
	close(r.allReady)
}

// Abort cancels every value still pending with reason and closes the
// stream. Rows already queued are still delivered.
func (r *Request) Abort(reason error) {
	if reason == nil {
		reason = ErrAborted
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	ids := make([]uint64, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		r.queueRow(protocol.Row{
			ID:      id,
			Tag:     protocol.TagCancel,
			Payload: tlv.EncodeFields([]tlv.Field{tlv.String(schema.FieldReason, reason.Error())}),
		})
		delete(r.pending, id)
	}
	r.aborted = true
	log.Info().Int("cancelled", len(ids)).Err(reason).Msg("flight: request aborted")
	r.maybeClose()
	r.unlockAndRun()
}

// Pipe writes rows to w until the stream closes. It may be called once. If
// ctx ends first the request is aborted, the remaining rows are drained and
// ctx's error is returned.
func (r *Request) Pipe(ctx context.Context, w io.Writer) (err error) {
	r.mu.Lock()
	if r.piping {
		r.mu.Unlock()
		return ErrAlreadyPiping
	}
	r.piping = true
	r.mu.Unlock()

	_, span := observability.StartSpan(ctx, "flight.Request.Pipe")
	defer func() {
		r.mu.Lock()
		span.SetAttributes(attribute.Int("flight.rows", r.rows), attribute.Bool("flight.aborted", r.aborted))
		r.mu.Unlock()
		observability.EndSpan(span, err)
	}()

	flusher, _ := w.(interface{ Flush() })
	done := ctx.Done()
	var ctxErr error
	for {
		r.mu.Lock()
		rows := r.queue
		r.queue = nil
		closed := r.closed
		r.mu.Unlock()

		for _, row := range rows {
			if _, werr := w.Write(row); werr != nil {
				r.Abort(werr)
				return werr
			}
		}
		if len(rows) > 0 && flusher != nil {
			flusher.Flush()
		}
		if closed {
			return ctxErr
		}
		select {
		case <-r.notify:
		case <-done:
			ctxErr = ctx.Err()
			done = nil
			r.Abort(fmt.Errorf("%w: %w", ErrAborted, ctxErr))
		}
	}
}

// Prerender waits until every pending value is written, then returns the
// complete stream. If ctx ends first the request is aborted and the
// partial stream is returned with ctx's error.
func Prerender(ctx context.Context, model any, opts Options) ([]byte, error) {
	req := NewRequest(model, opts)
	var buf bytes.Buffer
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-req.AllReady():
		case <-gctx.Done():
			req.Abort(fmt.Errorf("%w: %w", ErrAborted, context.Cause(gctx)))
		}
		return nil
	})
	g.Go(func() error {
		return req.Pipe(context.Background(), &buf)
	})
	if err := g.Wait(); err != nil {
		return buf.Bytes(), err
	}
	return buf.Bytes(), ctx.Err()
}

// scan marks containers reached more than once so serialize outlines them.
func (r *Request) scan(v any, seen map[identity]bool) {
	switch v.(type) {
	case nil, *thenable.Thenable, *ServerReference, []byte, time.Time, *big.Int,
		moduleloader.ClientReference, *moduleloader.ClientReference:
		return
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return
		}
		if rv.Elem().Kind() != reflect.Struct {
			r.scan(rv.Elem().Interface(), seen)
			return
		}
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
	default:
		return
	}
	if ident, ok := identityOf(rv); ok {
		if seen[ident] {
			r.shared[ident] = true
			return
		}
		seen[ident] = true
	}
	switch rv.Kind() {
	case reflect.Map:
		iter := rv.MapRange()
		for iter.Next() {
			r.scan(iter.Value().Interface(), seen)
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			r.scan(rv.Index(i).Interface(), seen)
		}
	case reflect.Pointer:
		r.scanFields(rv.Elem(), seen)
	case reflect.Struct:
		r.scanFields(rv, seen)
	}
}

func (r *Request) scanFields(rv reflect.Value, seen map[identity]bool) {
	t := rv.Type()
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).IsExported() {
			r.scan(rv.Field(i).Interface(), seen)
		}
	}
}

func (r *Request) serialize(v any, top bool) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return x, nil
	case string:
		if strings.HasPrefix(x, "$") {
			return "$" + x, nil
		}
		return x, nil
	case float32:
		return floatValue(float64(x)), nil
	case float64:
		return floatValue(x), nil
	case time.Time:
		return prefixDate + x.UTC().Format(time.RFC3339Nano), nil
	case *big.Int:
		if x == nil {
			return nil, nil
		}
		return prefixBigInt + x.String(), nil
	case []byte:
		return r.outlineBinary(x), nil
	case *thenable.Thenable:
		if x == nil {
			return nil, nil
		}
		return r.outlinePromise(x), nil
	case moduleloader.ClientReference:
		return r.outlineModule(x), nil
	case *moduleloader.ClientReference:
		if x == nil {
			return nil, nil
		}
		return r.outlineModule(*x), nil
	case *ServerReference:
		if x == nil {
			return nil, nil
		}
		return r.outlineServer(x)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return nil, nil
		}
		if rv.Elem().Kind() == reflect.Struct {
			return r.container(rv, top)
		}
		return r.serialize(rv.Elem().Interface(), top)
	case reflect.Map, reflect.Slice:
		if rv.IsNil() {
			return nil, nil
		}
		return r.container(rv, top)
	case reflect.Array, reflect.Struct:
		return r.container(rv, top)
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.String:
		return r.serialize(rv.String(), top)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint(), nil
	case reflect.Float32, reflect.Float64:
		return floatValue(rv.Float()), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnserializable, rv.Type())
	}
}

func floatValue(f float64) any {
	switch {
	case math.IsNaN(f):
		return tokenNaN
	case math.IsInf(f, 1):
		return tokenInfinity
	case math.IsInf(f, -1):
		return tokenNegInf
	}
	return f
}

func (r *Request) container(rv reflect.Value, top bool) (any, error) {
	if ident, ok := identityOf(rv); ok && !top {
		if id, seen := r.outlined[ident]; seen {
			return refToken(prefixRef, id), nil
		}
		if r.shared[ident] {
			id := r.allocate()
			r.outlined[ident] = id
			value, err := r.serialize(rv.Interface(), true)
			if err != nil {
				r.emitError(id, err)
				return refToken(prefixRef, id), nil
			}
			payload, err := sonic.ConfigStd.Marshal(value)
			if err != nil {
				r.emitError(id, err)
				return refToken(prefixRef, id), nil
			}
			r.queueRow(protocol.Row{ID: id, Tag: protocol.TagModel, Payload: payload})
			return refToken(prefixRef, id), nil
		}
	}

	switch rv.Kind() {
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key := iter.Key()
			name := fmt.Sprint(key.Interface())
			if key.Kind() == reflect.String {
				name = key.String()
			}
			child, err := r.serialize(iter.Value().Interface(), false)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			out[name] = child
		}
		return out, nil
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			child, err := r.serialize(rv.Index(i).Interface(), false)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = child
		}
		return out, nil
	case reflect.Pointer:
		return r.fields(rv.Elem())
	default:
		return r.fields(rv)
	}
}

func (r *Request) fields(rv reflect.Value) (any, error) {
	t := rv.Type()
	out := make(map[string]any, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag, ok := f.Tag.Lookup("json"); ok {
			tagName, _, _ := strings.Cut(tag, ",")
			if tagName == "-" {
				continue
			}
			if tagName != "" {
				name = tagName
			}
		}
		child, err := r.serialize(rv.Field(i).Interface(), false)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out[name] = child
	}
	return out, nil
}

func (r *Request) outlineBinary(b []byte) string {
	ident, tracked := identityOf(reflect.ValueOf(b))
	if tracked {
		if id, ok := r.outlined[ident]; ok {
			return refToken(prefixBinary, id)
		}
	}
	id := r.allocate()
	if tracked {
		r.outlined[ident] = id
	}
	size := r.opts.BinarySegmentSize
	var n uint32
	for off := 0; off < len(b); off += size {
		end := min(off+size, len(b))
		r.queueRow(protocol.Row{ID: id, Tag: protocol.TagBinary, Segment: n, Payload: b[off:end]})
		n++
	}
	r.queueRow(protocol.Row{ID: id, Tag: protocol.TagBinaryEnd, Segment: n})
	return refToken(prefixBinary, id)
}

func (r *Request) outlineModule(ref moduleloader.ClientReference) string {
	key := ref.Specifier + "#" + ref.Name
	if id, ok := r.modules[key]; ok {
		return refToken(prefixModule, id)
	}
	id := r.allocate()
	r.modules[key] = id
	fields := []tlv.Field{
		tlv.String(schema.FieldSpecifier, ref.Specifier),
		tlv.String(schema.FieldExportName, ref.Name),
	}
	if len(ref.Chunks) > 0 {
		fields = append(fields, tlv.String(schema.FieldChunks, strings.Join(ref.Chunks, ",")))
	}
	r.queueRow(protocol.Row{ID: id, Tag: protocol.TagModule, Payload: tlv.EncodeFields(fields)})
	return refToken(prefixModule, id)
}

func (r *Request) outlineServer(ref *ServerReference) (any, error) {
	if id, ok := r.servers[ref]; ok {
		return refToken(prefixServer, id), nil
	}
	id := r.allocate()
	r.servers[ref] = id
	bound, err := r.serialize(ref.Bound, false)
	if err != nil {
		return nil, err
	}
	payload, err := sonic.ConfigStd.Marshal(map[string]any{"id": ref.ID, "bound": bound})
	if err != nil {
		return nil, err
	}
	r.queueRow(protocol.Row{ID: id, Tag: protocol.TagModel, Payload: payload})
	return refToken(prefixServer, id), nil
}

func (r *Request) outlinePromise(th *thenable.Thenable) string {
	if id, ok := r.promises[th]; ok {
		return refToken(prefixPromise, id)
	}
	id := r.allocate()
	r.promises[th] = id

	switch th.Status() {
	case thenable.Fulfilled:
		v, _ := th.Value()
		r.emitModel(id, v)
		return refToken(prefixPromise, id)
	case thenable.Rejected:
		_, err := th.Value()
		r.emitError(id, err)
		return refToken(prefixPromise, id)
	}

	r.pending[id] = struct{}{}
	r.deferred = append(r.deferred, func() {
		th.Then(func(v any) {
			r.settlePromise(id, v, nil)
		}, func(err error) {
			r.settlePromise(id, nil, err)
		})
	})
	return refToken(prefixPromise, id)
}

func (r *Request) settlePromise(id uint64, v any, err error) {
	r.mu.Lock()
	if _, ok := r.pending[id]; !ok || r.closed {
		r.mu.Unlock()
		return
	}
	delete(r.pending, id)
	if err != nil {
		r.emitError(id, err)
	} else {
		r.emitModel(id, v)
	}
	r.maybeClose()
	r.unlockAndRun()
}

// IsAborted reports whether Abort ran before the stream closed.
func (r *Request) IsAborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

