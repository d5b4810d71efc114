package wire

import (
	"encoding/binary"
	"strings"

	"github.com/joshuafuller/beacon/internal/errors"
	"github.com/joshuafuller/beacon/internal/protocol"
	"github.com/joshuafuller/beacon/internal/record"
)

// Question is a parsed question-section entry: the record being asked
// about, and whether the QU bit requested a unicast reply (§4.1).
type Question struct {
	Key             record.Key
	UnicastResponse bool
}

// ParsedRecord pairs a decoded record with the cache-flush bit carried
// out-of-band in the CLASS field (§4.1) — it is not part of record.Record
// because the cache-flush bit is a property of a particular announcement,
// not of the record's identity.
type ParsedRecord struct {
	Record     *record.Record
	CacheFlush bool
}

// Message is a fully decoded mDNS packet (§4.1).
type Message struct {
	ID    uint16
	Flags uint16

	Questions   []Question
	Answers     []ParsedRecord
	Authorities []ParsedRecord
	Additionals []ParsedRecord
}

// IsQuery reports whether the message is a query (QR bit clear) rather than
// a response.
func (m *Message) IsQuery() bool { return m.Flags&protocol.FlagQR == 0 }

// ParsePacket decodes a complete mDNS message. It does not reject messages
// with a nonzero OPCODE/RCODE; callers that must enforce RFC 6762
// §18.3/§18.11 call protocol.ValidateResponseFlags separately, since a
// reflector or debugging tool may legitimately want to inspect a
// nonconformant packet rather than have it rejected during parsing.
func ParsePacket(data []byte) (*Message, error) {
	if len(data) < headerLen {
		return nil, errors.WireFormat("parse header", 0, "packet shorter than DNS header")
	}

	m := &Message{
		ID:    binary.BigEndian.Uint16(data[0:2]),
		Flags: binary.BigEndian.Uint16(data[2:4]),
	}
	qdcount := int(binary.BigEndian.Uint16(data[4:6]))
	ancount := int(binary.BigEndian.Uint16(data[6:8]))
	nscount := int(binary.BigEndian.Uint16(data[8:10]))
	arcount := int(binary.BigEndian.Uint16(data[10:12]))

	pos := headerLen

	for i := 0; i < qdcount; i++ {
		q, next, err := parseQuestion(data, pos)
		if err != nil {
			return nil, err
		}
		m.Questions = append(m.Questions, q)
		pos = next
	}

	sections := []struct {
		count int
		dst   *[]ParsedRecord
	}{
		{ancount, &m.Answers},
		{nscount, &m.Authorities},
		{arcount, &m.Additionals},
	}
	for _, s := range sections {
		for i := 0; i < s.count; i++ {
			r, next, err := parseRecord(data, pos)
			if err != nil {
				return nil, err
			}
			*s.dst = append(*s.dst, r)
			pos = next
		}
	}

	return m, nil
}

func parseQuestion(buf []byte, pos int) (Question, int, error) {
	name, pos, err := consumeName(buf, pos)
	if err != nil {
		return Question{}, 0, err
	}
	if pos+4 > len(buf) {
		return Question{}, 0, errors.WireFormat("parse question", pos, "truncated QTYPE/QCLASS")
	}
	typ := protocol.Type(binary.BigEndian.Uint16(buf[pos : pos+2]))
	rawClass := binary.BigEndian.Uint16(buf[pos+2 : pos+4])
	pos += 4

	unicast := rawClass&protocol.ClassCacheFlushMask != 0
	class := protocol.Class(rawClass &^ protocol.ClassCacheFlushMask)
	return Question{Key: record.NewKey(name, typ, class), UnicastResponse: unicast}, pos, nil
}

func parseRecord(buf []byte, pos int) (ParsedRecord, int, error) {
	name, pos, err := consumeName(buf, pos)
	if err != nil {
		return ParsedRecord{}, 0, err
	}
	if pos+10 > len(buf) {
		return ParsedRecord{}, 0, errors.WireFormat("parse record", pos, "truncated record header")
	}
	typ := protocol.Type(binary.BigEndian.Uint16(buf[pos : pos+2]))
	rawClass := binary.BigEndian.Uint16(buf[pos+2 : pos+4])
	ttl := binary.BigEndian.Uint32(buf[pos+4 : pos+8])
	rdlen := int(binary.BigEndian.Uint16(buf[pos+8 : pos+10]))
	pos += 10

	if pos+rdlen > len(buf) {
		return ParsedRecord{}, 0, errors.WireFormat("parse record", pos, "RDLENGTH exceeds packet")
	}

	cacheFlush := rawClass&protocol.ClassCacheFlushMask != 0
	class := protocol.Class(rawClass &^ protocol.ClassCacheFlushMask)

	data, err := parseRData(buf, pos, rdlen, typ)
	if err != nil {
		return ParsedRecord{}, 0, err
	}
	pos += rdlen

	key := record.NewKey(name, typ, class)
	return ParsedRecord{Record: record.New(key, ttl, data), CacheFlush: cacheFlush}, pos, nil
}

func parseRData(buf []byte, off, rdlen int, typ protocol.Type) (record.Data, error) {
	end := off + rdlen
	switch typ {
	case protocol.TypeA:
		if rdlen != 4 {
			return nil, errors.WireFormat("parse A rdata", off, "expected 4 bytes")
		}
		var a record.AData
		copy(a.Addr[:], buf[off:end])
		return a, nil

	case protocol.TypeAAAA:
		if rdlen != 16 {
			return nil, errors.WireFormat("parse AAAA rdata", off, "expected 16 bytes")
		}
		var a record.AAAAData
		copy(a.Addr[:], buf[off:end])
		return a, nil

	case protocol.TypePTR:
		name, _, err := consumeName(buf, off)
		if err != nil {
			return nil, err
		}
		return record.PTRData{Target: name}, nil

	case protocol.TypeCNAME:
		name, _, err := consumeName(buf, off)
		if err != nil {
			return nil, err
		}
		return record.CNAMEData{Target: name}, nil

	case protocol.TypeSRV:
		if rdlen < 6 {
			return nil, errors.WireFormat("parse SRV rdata", off, "truncated SRV fields")
		}
		priority := binary.BigEndian.Uint16(buf[off : off+2])
		weight := binary.BigEndian.Uint16(buf[off+2 : off+4])
		port := binary.BigEndian.Uint16(buf[off+4 : off+6])
		target, _, err := consumeName(buf, off+6)
		if err != nil {
			return nil, err
		}
		return record.SRVData{Priority: priority, Weight: weight, Port: port, Target: target}, nil

	case protocol.TypeHINFO:
		cpu, next, err := consumeCharString(buf, off, end)
		if err != nil {
			return nil, err
		}
		osys, _, err := consumeCharString(buf, next, end)
		if err != nil {
			return nil, err
		}
		return record.HINFOData{CPU: cpu, OS: osys}, nil

	case protocol.TypeTXT:
		var strs [][]byte
		pos := off
		for pos < end {
			s, next, err := consumeCharBytes(buf, pos, end)
			if err != nil {
				return nil, err
			}
			strs = append(strs, s)
			pos = next
		}
		return record.TXTData{Strings: strs}, nil

	default:
		raw := make([]byte, rdlen)
		copy(raw, buf[off:end])
		return record.GenericData{Raw: raw}, nil
	}
}

func consumeCharString(buf []byte, pos, limit int) (string, int, error) {
	b, next, err := consumeCharBytes(buf, pos, limit)
	return string(b), next, err
}

func consumeCharBytes(buf []byte, pos, limit int) ([]byte, int, error) {
	if pos >= limit {
		return nil, 0, errors.WireFormat("parse character-string", pos, "no length byte")
	}
	n := int(buf[pos])
	pos++
	if pos+n > limit {
		return nil, 0, errors.WireFormat("parse character-string", pos, "character-string exceeds rdata bounds")
	}
	return buf[pos : pos+n], pos + n, nil
}

// consumeName decodes a (possibly compressed) domain name starting at
// offset, following at most protocol.MaxCompressionPointers pointers.
// Pointers are required to strictly decrease the position, which both
// bounds the number of jumps and makes a pointer cycle structurally
// impossible (§4.1, §9 wire-safety).
func consumeName(buf []byte, offset int) (string, int, error) {
	var labels []string
	pos := offset
	jumps := 0
	returnPos := -1

	for {
		if pos >= len(buf) {
			return "", 0, errors.WireFormat("consume name", pos, "name runs past end of packet")
		}
		b := buf[pos]

		if b&protocol.CompressionMask == protocol.CompressionMask {
			if pos+1 >= len(buf) {
				return "", 0, errors.WireFormat("consume name", pos, "truncated compression pointer")
			}
			ptr := int(b&^protocol.CompressionMask)<<8 | int(buf[pos+1])
			if returnPos == -1 {
				returnPos = pos + 2
			}
			jumps++
			if jumps > protocol.MaxCompressionPointers {
				return "", 0, errors.WireFormat("consume name", pos, "too many compression pointers")
			}
			if ptr >= pos {
				return "", 0, errors.WireFormat("consume name", pos, "compression pointer does not point backward")
			}
			pos = ptr
			continue
		}

		if b&protocol.CompressionMask != 0 {
			return "", 0, errors.WireFormat("consume name", pos, "reserved label length bits set")
		}

		if b == 0 {
			if returnPos == -1 {
				returnPos = pos + 1
			}
			break
		}

		length := int(b)
		pos++
		if pos+length > len(buf) {
			return "", 0, errors.WireFormat("consume name", pos, "label runs past end of packet")
		}
		labels = append(labels, protocol.EscapeLabel(string(buf[pos:pos+length])))
		pos += length
	}

	return strings.Join(labels, "."), returnPos, nil
}
