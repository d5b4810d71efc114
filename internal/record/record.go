package record

import (
	"bytes"
	"encoding/binary"

	"github.com/joshuafuller/beacon/internal/protocol"
)

// Data is the typed payload of a ResourceRecord. Concrete implementations
// are the types below; Generic carries anything the engine doesn't
// interpret (§3).
type Data interface {
	isData()
}

type PTRData struct{ Target string }
type CNAMEData struct{ Target string }
type SRVData struct {
	Priority, Weight, Port uint16
	Target                 string
}
type TXTData struct{ Strings [][]byte }
type HINFOData struct{ CPU, OS string }
type AData struct{ Addr [4]byte }
type AAAAData struct{ Addr [16]byte }
type GenericData struct{ Raw []byte }

func (PTRData) isData()     {}
func (CNAMEData) isData()   {}
func (SRVData) isData()     {}
func (TXTData) isData()     {}
func (HINFOData) isData()   {}
func (AData) isData()       {}
func (AAAAData) isData()    {}
func (GenericData) isData() {}

// Record is a key plus a TTL and typed payload. Records are semantically
// immutable once published (§3); a publisher wanting a new value publishes
// a replacement record rather than mutating one in place.
type Record struct {
	Key Key
	TTL uint32
	Data
}

// New constructs a Record. Data is a Data implementation appropriate to
// key.Type.
func New(key Key, ttl uint32, data Data) *Record {
	return &Record{Key: key, TTL: ttl, Data: data}
}

// IsGoodbye reports whether this record announces removal (TTL == 0, §3/§4.2).
func (r *Record) IsGoodbye() bool { return r.TTL == 0 }

// EqualNoTTL reports whether two records have the same key and rdata,
// ignoring TTL — the identity test the cache and scheduler use to decide
// "is this the same record, just refreshed" (§4.2, §4.4).
func EqualNoTTL(a, b *Record) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Key != b.Key {
		return false
	}
	return bytes.Equal(canonicalRDATA(a), canonicalRDATA(b))
}

// Compare orders two records by (class, type, canonical rdata), the
// lexicographic order spec.md §3/§4.8 uses for probe tie-breaking. It
// returns <0, 0, or >0 the way bytes.Compare does. TTL is not part of the
// comparison.
func Compare(a, b *Record) int {
	if a.Key.Class != b.Key.Class {
		return int(a.Key.Class) - int(b.Key.Class)
	}
	if a.Key.Type != b.Key.Type {
		return int(a.Key.Type) - int(b.Key.Type)
	}
	// For names embedded in rdata (PTR/CNAME targets), compare label
	// by label rather than as raw bytes of the canonical encoding, per
	// §4.8's "for names, label-by-label case-sensitive octet compare with
	// length-precedence" rule. SRV rdata takes the canonical-bytes path
	// below, so priority, weight and port are compared before the target.
	if an, bn, ok := rdataNames(a, b); ok {
		return compareNames(an, bn)
	}
	return bytes.Compare(canonicalRDATA(a), canonicalRDATA(b))
}

func rdataNames(a, b *Record) (string, string, bool) {
	an, aok := rdataName(a.Data)
	bn, bok := rdataName(b.Data)
	return an, bn, aok && bok
}

func rdataName(d Data) (string, bool) {
	switch v := d.(type) {
	case PTRData:
		return v.Target, true
	case CNAMEData:
		return v.Target, true
	}
	return "", false
}

// canonicalRDATA produces the byte form of a record's rdata used for
// equality/ordering: for TXT it is the concatenation of length-prefixed
// strings (§4.8: "for TXT, serialize first"); for address and generic types
// it is the raw bytes; for name-bearing types it is the uncompressed
// wire-format name so two records that differ only in letter case (which
// DNS names must NOT be treated as equal for rdata purposes) still compare
// by octet value.
func canonicalRDATA(r *Record) []byte {
	switch v := r.Data.(type) {
	case AData:
		return v.Addr[:]
	case AAAAData:
		return v.Addr[:]
	case PTRData:
		return uncompressedNameBytes(v.Target)
	case CNAMEData:
		return uncompressedNameBytes(v.Target)
	case HINFOData:
		var buf bytes.Buffer
		writeCharString(&buf, v.CPU)
		writeCharString(&buf, v.OS)
		return buf.Bytes()
	case SRVData:
		var buf bytes.Buffer
		var hdr [6]byte
		binary.BigEndian.PutUint16(hdr[0:2], v.Priority)
		binary.BigEndian.PutUint16(hdr[2:4], v.Weight)
		binary.BigEndian.PutUint16(hdr[4:6], v.Port)
		buf.Write(hdr[:])
		buf.Write(uncompressedNameBytes(v.Target))
		return buf.Bytes()
	case TXTData:
		var buf bytes.Buffer
		for _, s := range v.Strings {
			writeCharBytes(&buf, s)
		}
		return buf.Bytes()
	case GenericData:
		return v.Raw
	default:
		return nil
	}
}

func writeCharString(buf *bytes.Buffer, s string) {
	writeCharBytes(buf, []byte(s))
}

func writeCharBytes(buf *bytes.Buffer, b []byte) {
	if len(b) > 255 {
		b = b[:255]
	}
	buf.WriteByte(byte(len(b)))
	buf.Write(b)
}

// uncompressedNameBytes renders a presentation-format name as an
// uncompressed length-prefixed label sequence, for use as a comparison key
// (never written to the wire directly — the wire codec always has the
// option to compress).
func uncompressedNameBytes(name string) []byte {
	labels := protocol.SplitLabels(name)
	var buf bytes.Buffer
	for _, l := range labels {
		if l == "" {
			continue
		}
		if len(l) > protocol.MaxLabelLength {
			l = l[:protocol.MaxLabelLength]
		}
		buf.WriteByte(byte(len(l)))
		buf.WriteString(l)
	}
	buf.WriteByte(0)
	return buf.Bytes()
}
