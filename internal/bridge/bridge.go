// Package bridge is the Request Router: it multiplexes request/response
// traffic over the single WS connection the Transport Client maintains,
// matching replies to pending requests by correlation id and dispatching
// inbound requests to the Scheduling Kernel's Handle method.
//
// A Bridge holds one-shot reply slots keyed by a fresh id per outbound
// request.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Code values used in the reply envelope.
const (
	CodeSuccess = 20000
	CodeFailure = 50000
)

// Frame is the wire envelope for every message crossing the WS connection.
// Requests set Kind and Data; replies set Code/Msg/Data and echo ID.
type Frame struct {
	ID   string          `json:"id"`
	Kind string          `json:"kind,omitempty"`
	Code int             `json:"code,omitempty"`
	Msg  string          `json:"msg,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Sender is implemented by the Transport Client: it puts one frame on the
// wire. Any error at send time surfaces as a failure to the Bridge caller.
type Sender interface {
	Send(ctx context.Context, f Frame) error
}

// Handler processes one inbound request frame and returns the reply
// payload, or an error that becomes a {code:50000} reply. Implemented by
// the Scheduling Kernel.
type Handler func(ctx context.Context, kind string, data json.RawMessage) (any, error)

// Bridge holds the one-shot reply slots for outbound requests and routes
// inbound frames to a Handler.
type Bridge struct {
	sender  Sender
	handler Handler
	logger  *zap.Logger

	mu    sync.Mutex
	slots map[string]chan Frame
}

// New creates a Bridge. sender is used for outbound sends and for replying
// to inbound requests; handler processes inbound requests.
func New(sender Sender, handler Handler, logger *zap.Logger) *Bridge {
	return &Bridge{
		sender:  sender,
		handler: handler,
		logger:  logger.Named("bridge"),
		slots:   make(map[string]chan Frame),
	}
}

// Request sends an outbound request of the given kind with payload data,
// waits for the matching reply, and returns its Data or an error built from
// the failure envelope. There is no per-request timeout in the core —
// callers that need one should derive ctx with a deadline.
func (b *Bridge) Request(ctx context.Context, kind string, payload any) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("bridge: failed to marshal request payload: %w", err)
	}

	id := uuid.NewString()
	slot := make(chan Frame, 1)

	b.mu.Lock()
	b.slots[id] = slot
	b.mu.Unlock()

	cleanup := func() {
		b.mu.Lock()
		delete(b.slots, id)
		b.mu.Unlock()
	}

	if err := b.sender.Send(ctx, Frame{ID: id, Kind: kind, Data: data}); err != nil {
		cleanup()
		return nil, fmt.Errorf("bridge: send failed: %w", err)
	}

	select {
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	case reply := <-slot:
		if reply.Code != CodeSuccess {
			return nil, fmt.Errorf("bridge: request failed: %s", reply.Msg)
		}
		return reply.Data, nil
	}
}

// Deliver is called by the Transport Client for every inbound frame. A
// frame with no Kind is classified as a reply: it is routed to the matching
// slot and the slot is removed; if no slot exists it is dropped with a
// warning. A frame with a Kind is a request: it is dispatched to the
// Handler on its own goroutine and the return value sent back as a reply
// with the same correlation id, enveloped as code 20000 on success or
// 50000 with the error text on failure.
//
// The request branch must not run inline on the caller's goroutine: Deliver
// is invoked from the Transport Client's single read loop, and handling a
// dispatch request emits lifecycle reports through Bridge.Request, which
// blocks awaiting a reply that only that same read loop can route. Running
// the handler inline would deadlock the transport on the first
// report-emitting action. Spawning it off keeps the read side free to route
// the reply.
func (b *Bridge) Deliver(ctx context.Context, f Frame) {
	if f.Kind == "" {
		b.mu.Lock()
		slot, ok := b.slots[f.ID]
		if ok {
			delete(b.slots, f.ID)
		}
		b.mu.Unlock()

		if !ok {
			b.logger.Warn("dropping reply with no matching request", zap.String("id", f.ID))
			return
		}
		slot <- f
		return
	}

	go func() {
		result, err := b.handler(ctx, f.Kind, f.Data)

		reply := Frame{ID: f.ID}
		if err != nil {
			reply.Code = CodeFailure
			reply.Msg = err.Error()
		} else {
			reply.Code = CodeSuccess
			reply.Msg = "success"
			if result != nil {
				if data, merr := json.Marshal(result); merr == nil {
					reply.Data = data
				} else {
					b.logger.Warn("failed to marshal handler result", zap.Error(merr))
				}
			}
		}

		if err := b.sender.Send(ctx, reply); err != nil {
			b.logger.Warn("failed to send reply", zap.String("id", f.ID), zap.Error(err))
		}
	}()
}
