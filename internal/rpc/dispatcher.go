// Package rpc calls methods on the far side of a post office. Every call
// gets its own transient mailbox, so calls never wait on each other.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/p-arndt/kapsel/internal/postoffice"
	"github.com/p-arndt/kapsel/protocol"
)

var (
	ErrTimeout   = errors.New("remote call timed out")
	ErrTransport = errors.New("remote transport unavailable")
)

// RemoteError is a failure reported by the handler on the other side.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Method, e.Message)
}

type DispatcherOptions struct {
	Protocol Protocol
	// Timeout bounds each call. Defaults to protocol.DefaultCallTimeout.
	Timeout time.Duration
	Logger  *slog.Logger
}

type Dispatcher struct {
	po      *postoffice.PostOffice
	proto   Protocol
	codec   codec
	timeout time.Duration
	logger  *slog.Logger
	closed  atomic.Bool
}

func NewDispatcher(po *postoffice.PostOffice, opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Protocol == 0 {
		opts.Protocol = ProtocolJSON
	}
	c, err := codecFor(opts.Protocol)
	if err != nil {
		return nil, err
	}
	if opts.Timeout <= 0 {
		opts.Timeout = protocol.DefaultCallTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		po:      po,
		proto:   opts.Protocol,
		codec:   c,
		timeout: opts.Timeout,
		logger:  opts.Logger,
	}, nil
}

func (d *Dispatcher) Timeout() time.Duration { return d.timeout }

// Invoke sends method(args) and waits for its result. It fails with
// ErrTimeout, ErrTransport, a *RemoteError or ctx.Err().
func (d *Dispatcher) Invoke(ctx context.Context, method string, args []byte) ([]byte, error) {
	id, err := d.open()
	if err != nil {
		return nil, err
	}
	defer d.po.CloseMailbox(id)

	if err := d.send(ctx, id, Request{Method: method, Args: args}); err != nil {
		return nil, err
	}

	msg, err := d.po.Receive(ctx, id, d.timeout)
	switch {
	case err == nil:
	case errors.Is(err, postoffice.ErrTimeout):
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, method, d.timeout)
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	c, err := codecFor(Protocol(msg.Protocol))
	if err != nil {
		return nil, fmt.Errorf("%s response: %w", method, err)
	}
	resp, err := c.decodeResponse(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("%s response: %w", method, err)
	}
	if resp.Error != "" {
		return nil, &RemoteError{Method: method, Message: resp.Error}
	}
	return resp.Result, nil
}

// Notify sends method(args) without waiting for an answer.
func (d *Dispatcher) Notify(ctx context.Context, method string, args []byte) error {
	id, err := d.open()
	if err != nil {
		return err
	}
	defer d.po.CloseMailbox(id)
	return d.send(ctx, id, Request{Method: method, Args: args, OneWay: true})
}

// Close makes every later call fail with ErrTransport. Calls in flight
// finish on their own.
func (d *Dispatcher) Close() error {
	d.closed.Store(true)
	return nil
}

func (d *Dispatcher) open() (postoffice.MailboxID, error) {
	if d.closed.Load() {
		return 0, fmt.Errorf("%w: dispatcher closed", ErrTransport)
	}
	id, err := d.po.CreateTransient()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return id, nil
}

func (d *Dispatcher) send(ctx context.Context, id postoffice.MailboxID, req Request) error {
	payload, err := d.codec.encodeRequest(req)
	if err != nil {
		return fmt.Errorf("encode %s: %w", req.Method, err)
	}
	err = d.po.Send(ctx, postoffice.Message{Mailbox: id, Protocol: uint32(d.proto), Payload: payload})
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
}

// Call invokes method with req encoded as JSON and decodes the result
// into Resp.
func Call[Req, Resp any](ctx context.Context, d *Dispatcher, method string, req Req) (Resp, error) {
	var resp Resp
	args, err := json.Marshal(req)
	if err != nil {
		return resp, fmt.Errorf("encode %s args: %w", method, err)
	}
	out, err := d.Invoke(ctx, method, args)
	if err != nil {
		return resp, err
	}
	if len(out) == 0 {
		return resp, nil
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return resp, fmt.Errorf("decode %s result: %w", method, err)
	}
	return resp, nil
}
