// Package wire implements the mDNS message codec (§4.1 of the spec): a
// fixed-capacity buffer with write/read cursors, RFC 1035 §4.1.4 name
// compression on encode, and bounded-pointer-following decode.
//
// Grounded on the teacher's internal/message package (header layout,
// question/answer section shape) generalized to add the compression index
// and single-buffer read/write cursor model spec.md §4.1 requires — the
// teacher builds messages by concatenating independently-allocated []byte
// slices and never compresses names, which cannot express "rewind and fail
// when a record would overflow the packet" (§4.4 truncation rule).
package wire

import (
	"encoding/binary"

	"github.com/joshuafuller/beacon/internal/errors"
)

// headerLen is the fixed DNS header size (RFC 1035 §4.1.1).
const headerLen = 12

// Packet is a single outgoing mDNS message buffer. The zero value is not
// usable; construct with NewPacket. Received bytes are not wrapped in a
// Packet: ParsePacket decodes them directly into a Message.
//
// A Packet being built tracks a name-compression index (suffix -> byte
// offset) so AppendName can emit a pointer instead of repeating a name
// already written earlier in the packet.
type Packet struct {
	buf     []byte
	maxSize int
	names   map[string]int // lowercased label-suffix -> write offset, compression index
	rindex  int             // read cursor; neither the encoder nor ParsePacket uses it
}

// NewPacket allocates an empty packet with a 12-byte zeroed header and the
// given maximum size. maxSize bounds both the write cursor (AppendXxx calls
// fail past it) and the largest offset usable as a compression pointer
// target.
func NewPacket(maxSize int) *Packet {
	p := &Packet{
		buf:     make([]byte, headerLen, maxSize),
		maxSize: maxSize,
		names:   make(map[string]int),
	}
	return p
}

// Bytes returns the packet's current wire-format contents.
func (p *Packet) Bytes() []byte { return p.buf }

// Len returns the number of bytes written so far.
func (p *Packet) Len() int { return len(p.buf) }

// Remaining returns how many more bytes can be appended before maxSize.
func (p *Packet) Remaining() int { return p.maxSize - len(p.buf) }

// SetHeader writes the transaction ID and flags fields (§4.1); it does not
// touch the section counts, which Finish fills in once every record has
// been appended.
func (p *Packet) SetHeader(id, flags uint16) {
	binary.BigEndian.PutUint16(p.buf[0:2], id)
	binary.BigEndian.PutUint16(p.buf[2:4], flags)
}

// Finish writes the four section counts into the header and returns the
// completed packet bytes. Counts above 65535 are impossible in practice —
// a packet that large would already have failed AppendRecord with an
// overflow error long before QDCOUNT/ANCOUNT could reach it.
func (p *Packet) Finish(qdcount, ancount, nscount, arcount int) []byte {
	binary.BigEndian.PutUint16(p.buf[4:6], uint16(qdcount))
	binary.BigEndian.PutUint16(p.buf[6:8], uint16(ancount))
	binary.BigEndian.PutUint16(p.buf[8:10], uint16(nscount))
	binary.BigEndian.PutUint16(p.buf[10:12], uint16(arcount))
	return p.buf
}

// mark returns the current write offset, for rewinding on overflow.
func (p *Packet) mark() int { return len(p.buf) }

// rewind truncates the buffer back to a mark taken before a failed append,
// so a partially-written name/record never corrupts the packet (§4.4's
// "rewind and fail" truncation contract).
func (p *Packet) rewind(mark int) { p.buf = p.buf[:mark] }

func (p *Packet) writeByte(b byte) error {
	if len(p.buf)+1 > p.maxSize {
		return errors.New(errors.KindWireFormat, "append", "packet would exceed maximum size")
	}
	p.buf = append(p.buf, b)
	return nil
}

func (p *Packet) writeBytes(b []byte) error {
	if len(p.buf)+len(b) > p.maxSize {
		return errors.New(errors.KindWireFormat, "append", "packet would exceed maximum size")
	}
	p.buf = append(p.buf, b...)
	return nil
}

func (p *Packet) writeUint16(v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return p.writeBytes(b[:])
}

func (p *Packet) writeUint32(v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return p.writeBytes(b[:])
}
