package postoffice

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendFrame_HeaderLayout(t *testing.T) {
	h := frameHeader{Mailbox: 7, Protocol: 2, Seq: 3, ReplyTo: 4, Flags: flagBegin | flagEnd, Timestamp: 99}
	buf := appendFrame(nil, h, []byte("hello"))

	require.Len(t, buf, headerSize+5)
	assert.Equal(t, "DPoP", string(buf[:4]))

	got := parseHeader(buf)
	assert.Equal(t, uint32(7), got.Mailbox)
	assert.Equal(t, uint32(2), got.Protocol)
	assert.Equal(t, uint32(3), got.Seq)
	assert.Equal(t, uint32(4), got.ReplyTo)
	assert.Equal(t, uint16(5), got.Length)
	assert.Equal(t, int64(99), got.Timestamp)
	assert.True(t, got.begin())
	assert.True(t, got.end())
	assert.Equal(t, frameChecksum(buf[:headerSize], buf[headerSize:]), got.CRC)
	assert.Equal(t, headerChecksum(buf), got.HeaderCRC)
}

func TestFrameChecksum_DetectsCorruption(t *testing.T) {
	buf := appendFrame(nil, frameHeader{Mailbox: 1, Seq: 1}, []byte("payload"))
	want := parseHeader(buf).CRC

	buf[len(buf)-1] ^= 0xff
	assert.NotEqual(t, want, frameChecksum(buf[:headerSize], buf[headerSize:]))
}

func TestAppendMessage_Fragments(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 2*maxFramePayload+10)
	buf := appendMessage(nil, frameHeader{Mailbox: 1, Seq: 5}, payload)

	var flags []uint16
	var body []byte
	for len(buf) > 0 {
		h := parseHeader(buf)
		assert.Equal(t, uint32(5), h.Seq)
		flags = append(flags, h.Flags)
		body = append(body, buf[headerSize:headerSize+int(h.Length)]...)
		buf = buf[headerSize+int(h.Length):]
	}
	assert.Equal(t, []uint16{flagBegin, 0, flagEnd}, flags)
	assert.Equal(t, payload, body)
}

func TestAppendMessage_EmptyPayload(t *testing.T) {
	buf := appendMessage(nil, frameHeader{Mailbox: 1, Seq: 1}, nil)
	require.Len(t, buf, headerSize)
	assert.Equal(t, flagBegin|flagEnd, parseHeader(buf).Flags)
}

func TestFrameReader_ResyncsAndSkipsBadChecksums(t *testing.T) {
	var stream []byte
	stream = append(stream, []byte("garbage before the first frame")...)
	stream = appendFrame(stream, frameHeader{Mailbox: 1, Seq: 1, Flags: flagBegin | flagEnd}, []byte("one"))

	bad := appendFrame(nil, frameHeader{Mailbox: 1, Seq: 2, Flags: flagBegin | flagEnd}, []byte("two"))
	bad[len(bad)-1] = 'X'
	stream = append(stream, bad...)
	stream = appendFrame(stream, frameHeader{Mailbox: 1, Seq: 3, Flags: flagBegin | flagEnd}, []byte("three"))

	var reasons []string
	fr := newFrameReader(bytes.NewReader(stream), func(reason string, _ int) {
		reasons = append(reasons, reason)
	})

	h, p, err := fr.next()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), h.Seq)
	assert.Equal(t, "one", string(p))

	h, p, err = fr.next()
	require.NoError(t, err)
	assert.Equal(t, uint32(3), h.Seq)
	assert.Equal(t, "three", string(p))

	_, _, err = fr.next()
	assert.ErrorIs(t, err, io.EOF)

	assert.Contains(t, reasons, "resync")
	assert.Contains(t, reasons, "checksum")
}

func TestFrameReader_TruncatedStreamIsTerminal(t *testing.T) {
	frame := appendFrame(nil, frameHeader{Mailbox: 1, Seq: 1, Flags: flagBegin | flagEnd}, []byte("hello"))
	fr := newFrameReader(bytes.NewReader(frame[:len(frame)-2]), nil)

	_, _, err := fr.next()
	assert.Error(t, err)
}

func TestFrameReader_CorruptLengthDoesNotStall(t *testing.T) {
	bad := appendFrame(nil, frameHeader{Mailbox: 1, Seq: 1, Flags: flagBegin | flagEnd}, []byte("xx"))
	binary.LittleEndian.PutUint16(bad[22:], 60000)
	good := appendFrame(nil, frameHeader{Mailbox: 1, Seq: 2, Flags: flagBegin | flagEnd}, []byte("ok"))

	// The writer stays open: a reader that trusted the damaged length would
	// wait for 60000 bytes that never come.
	pr, pw := io.Pipe()
	defer pw.Close()
	go func() { _, _ = pw.Write(append(bad, good...)) }()

	var reasons []string
	fr := newFrameReader(pr, func(reason string, _ int) { reasons = append(reasons, reason) })

	type result struct {
		h   frameHeader
		p   []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		h, p, err := fr.next()
		done <- result{h, p, err}
	}()

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, uint32(2), r.h.Seq)
		assert.Equal(t, "ok", string(r.p))
		assert.Contains(t, reasons, "header")
	case <-time.After(2 * time.Second):
		t.Fatal("reader blocked on a frame with a damaged length")
	}
}
