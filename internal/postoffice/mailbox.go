package postoffice

import (
	"fmt"
	"sync"
	"time"
)

// MaxTransientBoxes bounds transient mailbox ids. The server role allocates
// from the lower half, the client role from the upper half; permanent ids
// start right above.
const MaxTransientBoxes uint32 = 1_000_000

type MailboxID uint32

// Permanent maps a well-known mailbox number to its id.
func Permanent(n uint32) MailboxID {
	return MailboxID(n + MaxTransientBoxes)
}

func (id MailboxID) IsPermanent() bool {
	return uint32(id) >= MaxTransientBoxes
}

func (id MailboxID) String() string {
	if id.IsPermanent() {
		return fmt.Sprintf("permanent:%d", uint32(id)-MaxTransientBoxes)
	}
	return fmt.Sprintf("transient:%d", uint32(id))
}

// Message is one complete payload delivered on a mailbox.
type Message struct {
	Mailbox   MailboxID
	Seq       uint32
	ReplyTo   uint32
	Protocol  uint32
	Timestamp time.Time
	Payload   []byte
}

type mailbox struct {
	id MailboxID
	q  *queue[Message]

	// Guarded by the post office write lock.
	sendSeq uint32

	// Owned by the pump goroutine.
	recvSeq    uint32
	assembling bool
	partial    []byte
	partialHdr frameHeader

	activityMu   sync.Mutex
	lastActivity time.Time
}

func newMailbox(id MailboxID, now time.Time) *mailbox {
	return &mailbox{id: id, q: newQueue[Message](), lastActivity: now}
}

func (m *mailbox) touch(now time.Time) {
	m.activityMu.Lock()
	m.lastActivity = now
	m.activityMu.Unlock()
}

func (m *mailbox) idleSince() time.Time {
	m.activityMu.Lock()
	defer m.activityMu.Unlock()
	return m.lastActivity
}

// assemble folds one frame into the mailbox and returns the message once
// its END frame arrives. Discarded frames are reported through drop.
func (m *mailbox) assemble(h frameHeader, payload []byte, maxSize int, drop func(reason string)) (Message, bool) {
	if h.begin() {
		if m.assembling {
			drop("incomplete message")
		}
		m.assembling = true
		m.partialHdr = h
		m.partial = payload
	} else {
		if !m.assembling {
			drop("orphan fragment")
			return Message{}, false
		}
		if h.Seq != m.partialHdr.Seq {
			m.reset()
			drop("fragment sequence mismatch")
			return Message{}, false
		}
		m.partial = append(m.partial, payload...)
	}

	if maxSize > 0 && len(m.partial) > maxSize {
		m.reset()
		drop("message too large")
		return Message{}, false
	}
	if !h.end() {
		return Message{}, false
	}

	hdr, body := m.partialHdr, m.partial
	m.reset()
	if hdr.Seq <= m.recvSeq {
		drop("stale sequence")
		return Message{}, false
	}
	m.recvSeq = hdr.Seq
	return Message{
		Mailbox:   m.id,
		Seq:       hdr.Seq,
		ReplyTo:   hdr.ReplyTo,
		Protocol:  hdr.Protocol,
		Timestamp: time.Unix(0, hdr.Timestamp),
		Payload:   body,
	}, true
}

func (m *mailbox) reset() {
	m.assembling = false
	m.partial = nil
	m.partialHdr = frameHeader{}
}
