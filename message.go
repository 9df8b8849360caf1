package fanproxy

import (
	"encoding/binary"
	"strconv"

	"github.com/miekg/dns"
)

const (
	// Size of the fixed DNS message header. Anything shorter can't be a message.
	headerSize = 12

	// Plain UDP messages should fit into 512 bytes, but EDNS0 allows more. Accept
	// up to this size on either side of the proxy.
	MaxPacketSize = 16384
)

// Return the query name from a DNS query.
func qName(q *dns.Msg) string {
	if len(q.Question) == 0 {
		return ""
	}
	return q.Question[0].Name
}

// Returns the string representation of the query type.
func qType(q *dns.Msg) string {
	if len(q.Question) == 0 {
		return ""
	}
	return dns.TypeToString[q.Question[0].Qtype]
}

// Return the result code name from a DNS response.
func rCode(r *dns.Msg) string {
	if result, ok := dns.RcodeToString[r.Rcode]; ok {
		return result
	}
	return strconv.Itoa(r.Rcode)
}

// Returns a copy of a raw message with the transaction ID (bytes 0-1) replaced.
// The caller must make sure the message is at least 2 bytes long.
func withID(b []byte, id uint16) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	binary.BigEndian.PutUint16(out, id)
	return out
}

// Reads the transaction ID from a raw message.
func rawID(b []byte) uint16 {
	return binary.BigEndian.Uint16(b)
}

// Compares the question sections of a query and its answer. Upstreams are expected
// to echo the question, an answer that doesn't is either stale or spoofed.
func sameQuestion(q, a *dns.Msg) bool {
	if len(a.Question) == 0 || len(q.Question) == 0 {
		return true
	}
	qq, aq := q.Question[0], a.Question[0]
	return aq.Qtype == qq.Qtype && aq.Qclass == qq.Qclass && dns.CanonicalName(aq.Name) == dns.CanonicalName(qq.Name)
}
