package postoffice

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
)

// Frame layout, little-endian:
//
//	magic[4] mailbox u32 protocol u32 seq u32 replyTo u32
//	flags u16 length u16 timestamp i64 crc32c u32 hcrc32c u32 | payload[length]
//
// crc32c covers the whole frame with both checksum fields zeroed. hcrc32c
// covers the header bytes before it, so a damaged length is caught before
// the reader waits for that many payload bytes.
const (
	headerSize      = 40
	maxFrameSize    = 65535
	maxFramePayload = maxFrameSize - headerSize

	flagBegin uint16 = 1 << 0
	flagEnd   uint16 = 1 << 1

	crcOffset  = 32
	hcrcOffset = 36
)

var (
	frameMagic = []byte("DPoP")
	castagnoli = crc32.MakeTable(crc32.Castagnoli)
)

type frameHeader struct {
	Mailbox   uint32
	Protocol  uint32
	Seq       uint32
	ReplyTo   uint32
	Flags     uint16
	Length    uint16
	Timestamp int64
	CRC       uint32
	HeaderCRC uint32
}

func (h frameHeader) begin() bool { return h.Flags&flagBegin != 0 }
func (h frameHeader) end() bool   { return h.Flags&flagEnd != 0 }

func putHeader(b []byte, h frameHeader) {
	copy(b[0:4], frameMagic)
	binary.LittleEndian.PutUint32(b[4:], h.Mailbox)
	binary.LittleEndian.PutUint32(b[8:], h.Protocol)
	binary.LittleEndian.PutUint32(b[12:], h.Seq)
	binary.LittleEndian.PutUint32(b[16:], h.ReplyTo)
	binary.LittleEndian.PutUint16(b[20:], h.Flags)
	binary.LittleEndian.PutUint16(b[22:], h.Length)
	binary.LittleEndian.PutUint64(b[24:], uint64(h.Timestamp))
	binary.LittleEndian.PutUint32(b[crcOffset:], h.CRC)
	binary.LittleEndian.PutUint32(b[hcrcOffset:], h.HeaderCRC)
}

func parseHeader(b []byte) frameHeader {
	return frameHeader{
		Mailbox:   binary.LittleEndian.Uint32(b[4:]),
		Protocol:  binary.LittleEndian.Uint32(b[8:]),
		Seq:       binary.LittleEndian.Uint32(b[12:]),
		ReplyTo:   binary.LittleEndian.Uint32(b[16:]),
		Flags:     binary.LittleEndian.Uint16(b[20:]),
		Length:    binary.LittleEndian.Uint16(b[22:]),
		Timestamp: int64(binary.LittleEndian.Uint64(b[24:])),
		CRC:       binary.LittleEndian.Uint32(b[crcOffset:]),
		HeaderCRC: binary.LittleEndian.Uint32(b[hcrcOffset:]),
	}
}

// frameChecksum covers the header with its checksum fields zeroed, then the
// payload.
func frameChecksum(header, payload []byte) uint32 {
	var zeroed [headerSize]byte
	copy(zeroed[:], header)
	binary.LittleEndian.PutUint32(zeroed[crcOffset:], 0)
	binary.LittleEndian.PutUint32(zeroed[hcrcOffset:], 0)
	sum := crc32.Update(0, castagnoli, zeroed[:])
	return crc32.Update(sum, castagnoli, payload)
}

func headerChecksum(header []byte) uint32 {
	return crc32.Checksum(header[:hcrcOffset], castagnoli)
}

// appendFrame appends one checksummed frame to dst.
func appendFrame(dst []byte, h frameHeader, payload []byte) []byte {
	h.Length = uint16(len(payload))
	h.CRC = 0
	h.HeaderCRC = 0
	start := len(dst)
	dst = append(dst, make([]byte, headerSize)...)
	putHeader(dst[start:], h)
	dst = append(dst, payload...)
	crc := frameChecksum(dst[start:start+headerSize], payload)
	binary.LittleEndian.PutUint32(dst[start+crcOffset:], crc)
	binary.LittleEndian.PutUint32(dst[start+hcrcOffset:], headerChecksum(dst[start:start+headerSize]))
	return dst
}

// appendMessage splits payload into as many frames as needed. The first
// carries BEGIN, the last END; an empty payload is one frame with both.
func appendMessage(dst []byte, h frameHeader, payload []byte) []byte {
	for first := true; first || len(payload) > 0; first = false {
		n := min(len(payload), maxFramePayload)
		h.Flags = 0
		if first {
			h.Flags |= flagBegin
		}
		if n == len(payload) {
			h.Flags |= flagEnd
		}
		dst = appendFrame(dst, h, payload[:n])
		payload = payload[n:]
	}
	return dst
}

// frameReader pulls validated frames off a byte stream, skipping garbage
// until the next magic and discarding frames whose header or frame checksum
// does not match.
type frameReader struct {
	r      *bufio.Reader
	onDrop func(reason string, skipped int)
}

func newFrameReader(r io.Reader, onDrop func(reason string, skipped int)) *frameReader {
	if onDrop == nil {
		onDrop = func(string, int) {}
	}
	return &frameReader{
		r:      bufio.NewReaderSize(r, 2*maxFrameSize),
		onDrop: onDrop,
	}
}

// next returns the next valid frame. Any error from the underlying reader
// is returned as is and is terminal.
func (fr *frameReader) next() (frameHeader, []byte, error) {
	skipped := 0
	for {
		peek, err := fr.r.Peek(headerSize)
		if err != nil {
			return frameHeader{}, nil, err
		}
		if i := bytes.Index(peek, frameMagic); i != 0 {
			// Keep a tail that might be the start of a split magic.
			n := i
			if i < 0 {
				n = len(peek) - len(frameMagic) + 1
			}
			skipped += n
			_, _ = fr.r.Discard(n)
			continue
		}
		if skipped > 0 {
			fr.onDrop("resync", skipped)
			skipped = 0
		}

		h := parseHeader(peek)
		if headerChecksum(peek) != h.HeaderCRC {
			fr.onDrop("header", 1)
			_, _ = fr.r.Discard(1)
			continue
		}
		whole, err := fr.r.Peek(headerSize + int(h.Length))
		if err != nil {
			return frameHeader{}, nil, err
		}
		if frameChecksum(whole[:headerSize], whole[headerSize:]) != h.CRC {
			fr.onDrop("checksum", 1)
			// Step past this magic and look for the next one.
			_, _ = fr.r.Discard(1)
			continue
		}

		payload := make([]byte, h.Length)
		copy(payload, whole[headerSize:])
		_, _ = fr.r.Discard(len(whole))
		return h, payload, nil
	}
}
