package guest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/p-arndt/kapsel/internal/postoffice"
	"github.com/p-arndt/kapsel/protocol"
)

var ErrHandshakePending = errors.New("diagnostic mailbox: ALIVE not sent yet")

// diagnosticChannel is the guest's end of the diagnostic mailbox. Nothing
// but ALIVE can be written to it until ALIVE has gone out.
type diagnosticChannel struct {
	po *postoffice.PostOffice
	id postoffice.MailboxID

	mu    sync.Mutex
	alive bool
}

func newDiagnosticChannel(po *postoffice.PostOffice, id postoffice.MailboxID) *diagnosticChannel {
	return &diagnosticChannel{po: po, id: id}
}

// sendAlive writes the handshake. Later calls do nothing.
func (c *diagnosticChannel) sendAlive(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.alive {
		return nil
	}
	if err := c.po.Send(ctx, postoffice.Message{Mailbox: c.id, Payload: []byte(protocol.Alive)}); err != nil {
		return err
	}
	c.alive = true
	return nil
}

func (c *diagnosticChannel) send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	alive := c.alive
	c.mu.Unlock()
	if !alive {
		return ErrHandshakePending
	}
	return c.po.Send(ctx, postoffice.Message{Mailbox: c.id, Payload: payload})
}

func (c *diagnosticChannel) heartbeat(ctx context.Context) error {
	return c.send(ctx, []byte(protocol.Heartbeat))
}

func (c *diagnosticChannel) receive(ctx context.Context, timeout time.Duration) (postoffice.Message, error) {
	return c.po.Receive(ctx, c.id, timeout)
}
