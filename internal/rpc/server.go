package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/p-arndt/kapsel/internal/postoffice"
)

// Handler serves one method. args and the returned bytes are opaque.
type Handler func(ctx context.Context, args []byte) ([]byte, error)

type ServerOptions struct {
	// ReadTimeout bounds the wait for the request on a newly accepted
	// mailbox. Defaults to 10s.
	ReadTimeout time.Duration
	// OnPanic is called with the method name and recovered value when a
	// handler panics.
	OnPanic func(method string, recovered any)
	Logger  *slog.Logger
}

// Server answers calls arriving on mailboxes the peer opens.
type Server struct {
	po   *postoffice.PostOffice
	opts ServerOptions

	mu       sync.RWMutex
	handlers map[string]Handler

	inflight sync.WaitGroup
}

func NewServer(po *postoffice.PostOffice, opts ServerOptions) *Server {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{po: po, opts: opts, handlers: make(map[string]Handler)}
}

// Handle registers h for method, replacing any earlier handler.
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	s.handlers[method] = h
	s.mu.Unlock()
}

// Register adds a handler whose argument and result travel as JSON.
func Register[Req, Resp any](s *Server, method string, fn func(context.Context, Req) (Resp, error)) {
	s.Handle(method, func(ctx context.Context, args []byte) ([]byte, error) {
		var req Req
		if len(args) > 0 {
			if err := json.Unmarshal(args, &req); err != nil {
				return nil, fmt.Errorf("decode args: %w", err)
			}
		}
		resp, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	})
}

// Methods returns the registered method names.
func (s *Server) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.handlers))
	for m := range s.handlers {
		out = append(out, m)
	}
	return out
}

// Serve accepts calls until ctx ends or the post office breaks, then waits
// for running handlers. It returns nil when ctx ended.
func (s *Server) Serve(ctx context.Context) error {
	defer s.inflight.Wait()
	for {
		id, err := s.po.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: %w", ErrTransport, err)
		}
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			s.serveMailbox(ctx, id)
		}()
	}
}

func (s *Server) serveMailbox(ctx context.Context, id postoffice.MailboxID) {
	defer s.po.CloseMailbox(id)
	logger := s.opts.Logger.With("mailbox", id.String())

	msg, err := s.po.Receive(ctx, id, s.opts.ReadTimeout)
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, postoffice.ErrClosed) {
			logger.Warn("no request on accepted mailbox", "error", err)
		}
		return
	}

	c, err := codecFor(Protocol(msg.Protocol))
	if err != nil {
		logger.Warn("dropping request", "error", err)
		return
	}
	req, err := c.decodeRequest(msg.Payload)
	if err != nil {
		logger.Warn("dropping request", "error", err)
		return
	}

	result, err := s.dispatch(ctx, req)
	if req.OneWay {
		if err != nil {
			logger.Warn("one-way call failed", "method", req.Method, "error", err)
		}
		return
	}

	resp := Response{Result: result}
	if err != nil {
		resp = Response{Error: err.Error()}
	}
	payload, err := c.encodeResponse(resp)
	if err != nil {
		logger.Error("encode response", "method", req.Method, "error", err)
		return
	}
	err = s.po.Send(ctx, postoffice.Message{
		Mailbox:  id,
		ReplyTo:  msg.Seq,
		Protocol: msg.Protocol,
		Payload:  payload,
	})
	if err != nil && ctx.Err() == nil {
		logger.Warn("send response", "method", req.Method, "error", err)
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) (result []byte, err error) {
	s.mu.RLock()
	h, ok := s.handlers[req.Method]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown method %q", req.Method)
	}

	defer func() {
		if r := recover(); r != nil {
			s.opts.Logger.Error("handler panic", "method", req.Method, "panic", r)
			if s.opts.OnPanic != nil {
				s.opts.OnPanic(req.Method, r)
			}
			result, err = nil, fmt.Errorf("panic in %s: %v", req.Method, r)
		}
	}()
	return h(ctx, req.Args)
}
