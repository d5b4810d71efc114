package wire

import (
	"strings"

	"github.com/joshuafuller/beacon/internal/errors"
	"github.com/joshuafuller/beacon/internal/protocol"
	"github.com/joshuafuller/beacon/internal/record"
)

// AppendName writes name in length-prefixed label form, reusing a
// compression pointer (RFC 1035 §4.1.4) whenever a suffix of name has
// already been written earlier in this packet at an offset small enough to
// address with a 14-bit pointer (§4.1).
func (p *Packet) AppendName(name string) error {
	mark := p.mark()
	labels := protocol.SplitLabels(strings.TrimSuffix(name, "."))
	if len(labels) == 1 && labels[0] == "" {
		labels = nil
	}
	if err := p.appendLabels(labels); err != nil {
		p.rewind(mark)
		return err
	}
	return nil
}

func (p *Packet) appendLabels(labels []string) error {
	if len(labels) == 0 {
		return p.writeByte(0)
	}

	suffixKey := strings.ToLower(strings.Join(labels, "."))
	if offset, ok := p.names[suffixKey]; ok {
		return p.writePointer(offset)
	}

	offset := p.mark()
	if offset <= protocol.CompressionPointerMax && len(p.names) < protocol.MaxCompressionPointers {
		p.names[suffixKey] = offset
	}

	label := labels[0]
	if len(label) > protocol.MaxLabelLength {
		return errors.WireFormat("append name", offset, "label exceeds 63 bytes")
	}
	if err := p.writeByte(byte(len(label))); err != nil {
		return err
	}
	if err := p.writeBytes([]byte(label)); err != nil {
		return err
	}
	return p.appendLabels(labels[1:])
}

func (p *Packet) writePointer(offset int) error {
	if offset > protocol.CompressionPointerMax {
		// Unreachable via the compression index (entries above the pointer
		// limit are never recorded), kept as a defensive bound check.
		return errors.WireFormat("append name", offset, "compression offset out of range")
	}
	return p.writeUint16(0xC000 | uint16(offset))
}

// AppendQuestion writes a question-section entry: QNAME, QTYPE, QCLASS. If
// unicastResponse is set, the QU bit (top bit of QCLASS, RFC 6762 §5.4) is
// set to request a unicast reply.
func (p *Packet) AppendQuestion(key record.Key, unicastResponse bool) error {
	mark := p.mark()
	if err := p.AppendName(key.Name()); err != nil {
		return err
	}
	if err := p.writeUint16(uint16(key.Type)); err != nil {
		p.rewind(mark)
		return err
	}
	class := uint16(key.Class)
	if unicastResponse {
		class |= protocol.ClassCacheFlushMask
	}
	if err := p.writeUint16(class); err != nil {
		p.rewind(mark)
		return err
	}
	return nil
}

// AppendRecord writes a resource-record entry: NAME, TYPE, CLASS (with the
// cache-flush bit set per cacheFlush), TTL, RDLENGTH, RDATA. On any error
// (overflow, oversized label) the packet is rewound to its state before the
// call, so a caller can finalize the packet without this record rather than
// emit a truncated one (§4.4).
func (p *Packet) AppendRecord(r *record.Record, cacheFlush bool) error {
	mark := p.mark()
	if err := p.appendRecord(r, cacheFlush); err != nil {
		p.rewind(mark)
		return err
	}
	return nil
}

func (p *Packet) appendRecord(r *record.Record, cacheFlush bool) error {
	if err := p.AppendName(r.Key.Name()); err != nil {
		return err
	}
	if err := p.writeUint16(uint16(r.Key.Type)); err != nil {
		return err
	}
	class := uint16(r.Key.Class)
	if cacheFlush {
		class |= protocol.ClassCacheFlushMask
	}
	if err := p.writeUint16(class); err != nil {
		return err
	}
	if err := p.writeUint32(r.TTL); err != nil {
		return err
	}

	rdlenOffset := p.mark()
	if err := p.writeUint16(0); err != nil { // placeholder, backfilled below
		return err
	}
	rdataStart := p.mark()
	if err := p.appendRData(r); err != nil {
		return err
	}
	rdlen := p.mark() - rdataStart
	if rdlen > 0xFFFF {
		return errors.WireFormat("append record", rdataStart, "rdata exceeds 65535 bytes")
	}
	p.buf[rdlenOffset] = byte(rdlen >> 8)
	p.buf[rdlenOffset+1] = byte(rdlen)
	return nil
}

func (p *Packet) appendRData(r *record.Record) error {
	switch v := r.Data.(type) {
	case record.AData:
		return p.writeBytes(v.Addr[:])
	case record.AAAAData:
		return p.writeBytes(v.Addr[:])
	case record.PTRData:
		return p.AppendName(v.Target)
	case record.CNAMEData:
		return p.AppendName(v.Target)
	case record.HINFOData:
		if err := p.appendCharString(v.CPU); err != nil {
			return err
		}
		return p.appendCharString(v.OS)
	case record.SRVData:
		if err := p.writeUint16(v.Priority); err != nil {
			return err
		}
		if err := p.writeUint16(v.Weight); err != nil {
			return err
		}
		if err := p.writeUint16(v.Port); err != nil {
			return err
		}
		return p.AppendName(v.Target)
	case record.TXTData:
		if len(v.Strings) == 0 {
			return p.writeByte(0)
		}
		for _, s := range v.Strings {
			if err := p.appendCharBytes(s); err != nil {
				return err
			}
		}
		return nil
	case record.GenericData:
		return p.writeBytes(v.Raw)
	default:
		return errors.New(errors.KindInvalidRecord, "append rdata", "unsupported record data type")
	}
}

func (p *Packet) appendCharString(s string) error {
	return p.appendCharBytes([]byte(s))
}

func (p *Packet) appendCharBytes(b []byte) error {
	if len(b) > 255 {
		return errors.New(errors.KindInvalidRecord, "append character-string", "character-string exceeds 255 bytes")
	}
	if err := p.writeByte(byte(len(b))); err != nil {
		return err
	}
	return p.writeBytes(b)
}
