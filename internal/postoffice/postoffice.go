// Package postoffice multiplexes independent mailboxes over a single
// duplex byte stream. Each side of the stream runs one PostOffice; the
// framing is symmetric, the role only decides which half of the transient
// id space a side allocates from.
package postoffice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/p-arndt/kapsel/internal/transport"
)

type Role int

const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

var (
	ErrClosed          = errors.New("post office closed")
	ErrTimeout         = errors.New("timed out waiting for message")
	ErrMailboxClosed   = errors.New("mailbox closed")
	ErrUnknownMailbox  = errors.New("unknown mailbox")
	ErrMessageTooLarge = errors.New("message too large")
	ErrNoFreeMailbox   = errors.New("no free transient mailbox id")

	errDisposed = errors.New("disposed")
)

const (
	DefaultMaxMessageSize = 64 << 20

	// Closed transient ids stay reserved this long so late frames for them
	// are dropped instead of opening a new conversation.
	tombstoneTTL = time.Minute
)

type Options struct {
	Role Role
	// DedicatedPump locks the read pump to its own OS thread.
	DedicatedPump bool
	// MailboxLifetime prunes transient mailboxes idle for longer. Zero
	// keeps them until closed.
	MailboxLifetime time.Duration
	MaxMessageSize  int
	Now             func() time.Time
	Logger          *slog.Logger
	Metrics         *Metrics
}

type PostOffice struct {
	sock    transport.Socket
	opts    Options
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	// writeSem is the send-side lock; one message is written at a time.
	writeSem chan struct{}
	wbuf     []byte

	boxes      sync.Map // MailboxID -> *mailbox
	tombstones sync.Map // MailboxID -> time.Time
	inbound    *queue[MailboxID]

	allocMu   sync.Mutex
	allocNext uint32

	started  atomic.Bool
	failOnce sync.Once
	err      error // written once, before done is closed
	done     chan struct{}
	pumpDone chan struct{}
}

// New wraps sock. Open any permanent mailboxes the peer will write to
// before calling Start.
func New(sock transport.Socket, opts Options) *PostOffice {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &PostOffice{
		sock:     sock,
		opts:     opts,
		logger:   opts.Logger.With("role", opts.Role.String()),
		metrics:  opts.Metrics,
		now:      opts.Now,
		writeSem: make(chan struct{}, 1),
		inbound:  newQueue[MailboxID](),
		done:     make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
}

// Start launches the read pump. Calling it more than once is a no-op.
func (po *PostOffice) Start() {
	if !po.started.CompareAndSwap(false, true) {
		return
	}
	go po.pump()
	go po.pruneLoop()
}

func (po *PostOffice) Role() Role { return po.opts.Role }

// Done is closed once the post office is broken or closed.
func (po *PostOffice) Done() <-chan struct{} { return po.done }

// Err returns the terminal error, which wraps ErrClosed, or nil while the
// post office is healthy.
func (po *PostOffice) Err() error {
	select {
	case <-po.done:
		return po.err
	default:
		return nil
	}
}

// Close closes the transport, stops the pump and fails every waiter.
// It is safe to call more than once.
func (po *PostOffice) Close() error {
	po.fail(errDisposed)
	if po.started.Load() {
		<-po.pumpDone
	}
	return nil
}

func (po *PostOffice) fail(cause error) {
	po.failOnce.Do(func() {
		po.err = fmt.Errorf("%w: %w", ErrClosed, cause)
		close(po.done)
		_ = po.sock.Close()
		po.boxes.Range(func(_, v any) bool {
			v.(*mailbox).q.fail(po.err)
			return true
		})
		po.inbound.fail(po.err)
		if !errors.Is(cause, errDisposed) {
			po.logger.Warn("post office broken", "error", cause)
		}
	})
}

func (po *PostOffice) ownRange() (lo, span uint32) {
	half := MaxTransientBoxes / 2
	if po.opts.Role == RoleServer {
		return 0, half
	}
	return half, MaxTransientBoxes - half
}

func (po *PostOffice) inPeerRange(id MailboxID) bool {
	lo, span := po.ownRange()
	v := uint32(id)
	return v < MaxTransientBoxes && (v < lo || v >= lo+span)
}

func (po *PostOffice) lookup(id MailboxID) (*mailbox, bool) {
	v, ok := po.boxes.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*mailbox), true
}

// register stores box unless the id is taken. A box registered after the
// post office failed is failed right away.
func (po *PostOffice) register(box *mailbox) (*mailbox, bool) {
	actual, loaded := po.boxes.LoadOrStore(box.id, box)
	if loaded {
		return actual.(*mailbox), false
	}
	po.metrics.mailboxOpened()
	select {
	case <-po.done:
		box.q.fail(po.err)
	default:
	}
	return box, true
}

// CreateTransient opens a fresh mailbox in this side's id range. Ids of
// open or recently closed mailboxes are skipped.
func (po *PostOffice) CreateTransient() (MailboxID, error) {
	if err := po.Err(); err != nil {
		return 0, err
	}
	lo, span := po.ownRange()

	po.allocMu.Lock()
	defer po.allocMu.Unlock()
	for range span {
		id := MailboxID(lo + po.allocNext%span)
		po.allocNext++
		if _, busy := po.boxes.Load(id); busy {
			continue
		}
		if _, dead := po.tombstones.Load(id); dead {
			continue
		}
		po.register(newMailbox(id, po.now()))
		return id, nil
	}
	return 0, ErrNoFreeMailbox
}

// OpenPermanent opens (or returns the already open) permanent mailbox n.
func (po *PostOffice) OpenPermanent(n uint32) (MailboxID, error) {
	if n > math.MaxUint32-MaxTransientBoxes {
		return 0, fmt.Errorf("%w: permanent mailbox %d out of range", ErrUnknownMailbox, n)
	}
	if err := po.Err(); err != nil {
		return 0, err
	}
	id := Permanent(n)
	po.register(newMailbox(id, po.now()))
	return id, nil
}

// CloseMailbox discards a mailbox. Its waiters fail with ErrMailboxClosed
// and late frames for a transient id are dropped.
func (po *PostOffice) CloseMailbox(id MailboxID) {
	v, ok := po.boxes.LoadAndDelete(id)
	if !ok {
		return
	}
	if !id.IsPermanent() {
		po.tombstones.Store(id, po.now())
	}
	v.(*mailbox).q.fail(ErrMailboxClosed)
	po.metrics.mailboxClosed()
}

// OpenMailboxes returns the number of open mailboxes.
func (po *PostOffice) OpenMailboxes() int {
	n := 0
	po.boxes.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Send frames msg.Payload onto msg.Mailbox and writes it under the send
// lock. The sequence number is assigned here. Send never retries; any
// write error breaks the post office.
func (po *PostOffice) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := po.Err(); err != nil {
		return err
	}
	if len(msg.Payload) > po.opts.MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(msg.Payload))
	}
	box, ok := po.lookup(msg.Mailbox)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMailbox, msg.Mailbox)
	}

	select {
	case po.writeSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-po.done:
		return po.err
	}
	defer func() { <-po.writeSem }()

	if err := po.Err(); err != nil {
		return err
	}

	box.sendSeq++
	now := po.now()
	h := frameHeader{
		Mailbox:   uint32(msg.Mailbox),
		Protocol:  msg.Protocol,
		Seq:       box.sendSeq,
		ReplyTo:   msg.ReplyTo,
		Timestamp: now.UnixNano(),
	}
	po.wbuf = appendMessage(po.wbuf[:0], h, msg.Payload)
	if _, err := po.sock.Write(po.wbuf); err != nil {
		po.fail(fmt.Errorf("write: %w", err))
		return po.err
	}

	po.metrics.sent((len(po.wbuf)-len(msg.Payload))/headerSize, len(po.wbuf))
	box.touch(now)
	if cap(po.wbuf) > 4*maxFrameSize {
		po.wbuf = nil
	}
	return nil
}

// Receive waits for the next message on id. It returns ErrTimeout when
// timeout (if non-zero) elapses first, ctx.Err() when ctx ends, and an
// error wrapping ErrClosed when the post office is broken.
func (po *PostOffice) Receive(ctx context.Context, id MailboxID, timeout time.Duration) (Message, error) {
	box, ok := po.lookup(id)
	if !ok {
		if err := po.Err(); err != nil {
			return Message{}, err
		}
		return Message{}, fmt.Errorf("%w: %s", ErrUnknownMailbox, id)
	}
	msg, err := box.q.pop(ctx, timeout)
	if err != nil {
		return Message{}, err
	}
	box.touch(po.now())
	return msg, nil
}

// Accept returns the next mailbox opened by the peer.
func (po *PostOffice) Accept(ctx context.Context) (MailboxID, error) {
	return po.inbound.pop(ctx, 0)
}

func (po *PostOffice) pump() {
	defer close(po.pumpDone)
	if po.opts.DedicatedPump {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}

	fr := newFrameReader(po.sock, func(reason string, n int) {
		po.logger.Warn("discarding inbound bytes", "reason", reason, "count", n)
		po.metrics.dropped(reason)
	})
	for {
		h, payload, err := fr.next()
		if err != nil {
			po.fail(fmt.Errorf("read: %w", err))
			return
		}
		po.metrics.frameReceived()
		po.route(h, payload)
	}
}

func (po *PostOffice) drop(reason string, id MailboxID) {
	po.logger.Warn("dropping inbound frame", "reason", reason, "mailbox", id.String())
	po.metrics.dropped(reason)
}

func (po *PostOffice) route(h frameHeader, payload []byte) {
	id := MailboxID(h.Mailbox)
	box, ok := po.lookup(id)
	if !ok && h.begin() {
		box = po.adopt(id)
	}
	if box == nil {
		po.drop("unknown mailbox", id)
		return
	}

	msg, complete := box.assemble(h, payload, po.opts.MaxMessageSize, func(reason string) {
		po.drop(reason, id)
	})
	if !complete {
		return
	}
	if !box.q.push(msg) {
		po.drop("mailbox closed", id)
		return
	}
	box.touch(po.now())
	po.metrics.messageReceived()
}

// adopt opens a mailbox the peer started talking on and announces it to
// Accept. Permanent ids, ids from our own range and tombstoned ids are
// never adopted.
func (po *PostOffice) adopt(id MailboxID) *mailbox {
	if id.IsPermanent() || !po.inPeerRange(id) {
		return nil
	}
	if _, dead := po.tombstones.Load(id); dead {
		return nil
	}
	box, created := po.register(newMailbox(id, po.now()))
	if created {
		po.inbound.push(id)
	}
	return box
}

func (po *PostOffice) pruneLoop() {
	interval := tombstoneTTL / 2
	if l := po.opts.MailboxLifetime; l > 0 && l/2 < interval {
		interval = max(l/2, time.Millisecond)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-po.done:
			return
		case <-ticker.C:
			po.prune(po.now())
		}
	}
}

// prune closes idle transient mailboxes and forgets expired tombstones.
func (po *PostOffice) prune(now time.Time) int {
	pruned := 0
	if lifetime := po.opts.MailboxLifetime; lifetime > 0 {
		po.boxes.Range(func(_, v any) bool {
			box := v.(*mailbox)
			if box.id.IsPermanent() || !box.q.idle() {
				return true
			}
			if now.Sub(box.idleSince()) >= lifetime {
				po.CloseMailbox(box.id)
				pruned++
			}
			return true
		})
	}
	po.tombstones.Range(func(k, v any) bool {
		if now.Sub(v.(time.Time)) >= tombstoneTTL {
			po.tombstones.Delete(k)
		}
		return true
	})
	if pruned > 0 {
		po.logger.Debug("pruned idle mailboxes", "count", pruned)
	}
	return pruned
}
