package mux

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rishiad/uplink-server/pkg/codec"
)

// Dispatcher resolves multiplexer requests against backend capabilities.
// Dispatch runs on its own goroutine per call and may block; ctx is
// cancelled when the caller cancels or the server shuts down. Subscribe
// attaches fire to the named event stream and returns a detach func.
//
// Dispatch failures become CallError responses. Returning a *CallError
// passes kind and trace through verbatim; use NotFoundError for missing
// channels or methods.
type Dispatcher interface {
	Dispatch(ctx context.Context, channel, method string, arg codec.Value) (codec.Value, error)
	Subscribe(channel, event string, fire func(codec.Value)) (func(), error)
}

// Server is the answering side of the multiplexer: it reads requests from
// the transport, runs them against a Dispatcher, and writes responses and
// events back. Each method call runs on its own goroutine, so responses
// leave in completion order, not request order.
type Server struct {
	tr Transport
	d  Dispatcher

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	active map[uint32]context.CancelFunc
	subs   map[uint32]func()
	closed bool
}

// NewServer starts a multiplexer server over tr, announcing readiness to
// the peer immediately.
func NewServer(tr Transport, d Dispatcher) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		tr:     tr,
		d:      d,
		ctx:    ctx,
		cancel: cancel,
		active: make(map[uint32]context.CancelFunc),
		subs:   make(map[uint32]func()),
	}
	ack := Message{Kind: KindHandshakeAck}
	s.tr.Send(ack.Encode())
	go s.run()
	return s
}

// Close cancels in-flight calls, detaches all event listeners, and stops
// dispatching. The transport is left to its owner.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	detach := make([]func(), 0, len(s.subs))
	for _, fn := range s.subs {
		detach = append(detach, fn)
	}
	s.subs = map[uint32]func(){}
	s.mu.Unlock()

	s.cancel()
	for _, fn := range detach {
		fn()
	}
	return nil
}

func (s *Server) run() {
	for {
		select {
		case payload := <-s.tr.Incoming():
			s.handle(payload)
		case <-s.tr.Done():
			s.Close()
			return
		}
	}
}

func (s *Server) handle(payload []byte) {
	msg, err := DecodeMessage(payload)
	if err != nil {
		return
	}
	switch msg.Kind {
	case KindMethodCall:
		s.startCall(msg)
	case KindCancelCall:
		s.mu.Lock()
		cancel := s.active[msg.ID]
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	case KindEventSubscribe:
		s.subscribe(msg)
	case KindEventUnsubscribe:
		s.mu.Lock()
		detach := s.subs[msg.ID]
		delete(s.subs, msg.ID)
		s.mu.Unlock()
		if detach != nil {
			detach()
		}
	}
}

func (s *Server) startCall(msg Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.active[msg.ID] = cancel
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.active, msg.ID)
			s.mu.Unlock()
			cancel()
		}()
		defer func() {
			if r := recover(); r != nil {
				s.reply(errorResponse(msg.ID, fmt.Errorf("handler panic: %v", r)))
			}
		}()

		result, err := s.d.Dispatch(ctx, msg.Channel, msg.Name, msg.Body)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				err = &CallError{Message: err.Error(), Kind: ErrorKindCanceled}
			}
			s.reply(errorResponse(msg.ID, err))
			return
		}
		s.reply(Message{Kind: KindCallSuccess, ID: msg.ID, Body: result})
	}()
}

func (s *Server) subscribe(msg Message) {
	s.mu.Lock()
	if s.closed || s.subs[msg.ID] != nil {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	id, channel, event := msg.ID, msg.Channel, msg.Name
	detach, err := s.d.Subscribe(channel, event, func(v codec.Value) {
		fire := Message{Kind: KindEventFire, ID: id, Channel: channel, Name: event, Body: v}
		s.tr.Send(fire.Encode())
	})
	if err != nil {
		// A failed subscription still answers on the wire so the refusal
		// is observable; clients treat it as informational.
		s.reply(errorResponse(id, err))
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		detach()
		return
	}
	s.subs[id] = detach
	s.mu.Unlock()
}

func (s *Server) reply(msg Message) {
	s.tr.Send(msg.Encode())
}

func errorResponse(id uint32, err error) Message {
	return Message{Kind: KindCallError, ID: id, Body: encodeError(err)}
}
