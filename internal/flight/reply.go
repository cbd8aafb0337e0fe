package flight

import (
	"bytes"
	"context"
	"fmt"

	"github.com/danmuck/flightctl/internal/moduleloader"
	"github.com/danmuck/flightctl/internal/observability"
)

// CallServerFunc invokes the server action id with args.
type CallServerFunc func(ctx context.Context, id string, args []any) (any, error)

// ServerReference names a server action, optionally with bound leading
// arguments.
type ServerReference struct {
	ID    string
	Bound []any
	call  CallServerFunc
}

// NewServerReference returns a reference that encodes as a server row.
func NewServerReference(id string, bound ...any) *ServerReference {
	return &ServerReference{ID: id, Bound: bound}
}

// Bind returns a copy of s with args appended to its bound arguments.
func (s *ServerReference) Bind(args ...any) *ServerReference {
	bound := make([]any, 0, len(s.Bound)+len(args))
	bound = append(bound, s.Bound...)
	bound = append(bound, args...)
	return &ServerReference{ID: s.ID, Bound: bound, call: s.call}
}

// Call runs the action through the response's CallServer callback.
func (s *ServerReference) Call(ctx context.Context, args ...any) (any, error) {
	if s.call == nil {
		return nil, ErrNoServerCallback
	}
	all := make([]any, 0, len(s.Bound)+len(args))
	all = append(all, s.Bound...)
	all = append(all, args...)
	return s.call(ctx, s.ID, all)
}

// EncodeReply encodes a client-to-server value. Every row carries the reply
// flag.
func EncodeReply(ctx context.Context, value any) ([]byte, error) {
	return Prerender(ctx, value, Options{Reply: true})
}

// DecodeReply rebuilds a value encoded by EncodeReply.
func DecodeReply(ctx context.Context, body []byte, opts ResponseOptions) (any, error) {
	opts.RequireReply = true
	resp := NewResponse(opts)
	if err := resp.ProcessStream(ctx, bytes.NewReader(body)); err != nil {
		return nil, err
	}
	return resp.Root().Wait(ctx)
}

// ServeAction decodes the reply body as the argument list of server action
// id, runs it and returns its result.
func ServeAction(ctx context.Context, loader *moduleloader.Loader, baseURL, id string, body []byte) (result any, err error) {
	ctx, span := observability.StartSpan(ctx, "flight.ServeAction")
	defer func() { observability.EndSpan(span, err) }()

	action, err := loader.LoadServerAction(ctx, baseURL, id)
	if err != nil {
		return nil, err
	}
	decoded, err := DecodeReply(ctx, body, ResponseOptions{Modules: loader})
	if err != nil {
		return nil, err
	}
	var args []any
	switch v := decoded.(type) {
	case nil:
	case []any:
		args = v
	default:
		return nil, fmt.Errorf("%w: action arguments must be a list, got %T", ErrMalformedRow, decoded)
	}
	return action(ctx, args)
}
