package query

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

// Opcodes of the SA:MP query protocol. open.mp answers the same set plus
// OpExtra.
const (
	OpInfo     = 'i'
	OpRules    = 'r'
	OpPlayers  = 'c'
	OpDetailed = 'd'
	OpPing     = 'p'
	OpExtra    = 'o'
)

// magic is the 4-byte ASCII tag opening every request and response.
const magic = "SAMP"

// headerSize is magic(4) + IPv4 octets(4) + port LE(2) + opcode(1).
const headerSize = 11

// Per-field byte caps applied on top of buffer bounds checks.
const (
	maxHostname = 128
	maxGamemode = 64
	maxLanguage = 64
	maxName     = 64
	maxRuleName = 255
	maxRuleVal  = 255
	maxURL      = 256
)

// buildRequest assembles the 11-byte request header for an opcode. For
// hostname targets the address octets are zero-filled; the protocol
// requires them positionally but the responding server ignores them.
func buildRequest(srv Server, op byte) []byte {
	pkt := make([]byte, headerSize)
	copy(pkt, magic)
	if ip := srv.ip4(); ip != nil {
		copy(pkt[4:8], ip)
	}
	binary.LittleEndian.PutUint16(pkt[8:10], uint16(srv.Port))
	pkt[10] = op
	return pkt
}

// buildPing assembles a 'p' request carrying a 4-byte challenge that the
// server must echo verbatim. The challenge must not be guessable by an
// off-path attacker.
func buildPing(srv Server) ([]byte, [4]byte) {
	var nonce [4]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		binary.LittleEndian.PutUint32(nonce[:], uint32(time.Now().UnixNano()))
	}

	pkt := buildRequest(srv, OpPing)
	return append(pkt, nonce[:]...), nonce
}
