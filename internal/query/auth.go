package query

import (
	"encoding/binary"
	"fmt"

	"github.com/rs/zerolog/log"
)

// authenticate decides whether a raw datagram may be handed to a decoder,
// given the target that was queried and the opcode that was requested.
// Any UDP source can forge a reply, so this runs before a single body
// byte is interpreted.
func authenticate(buf []byte, srv Server, op byte) error {
	if len(buf) < headerSize {
		return fmt.Errorf("%w: %d bytes, need %d", ErrMalformed, len(buf), headerSize)
	}

	if string(buf[:4]) != magic {
		return fmt.Errorf("%w: bad magic %q", ErrMalformed, buf[:4])
	}

	// The reply echoes the address octets and port from the request. For
	// literal IPv4 targets they must match; hostname targets skip the
	// check because this layer never learns the resolved address.
	if ip := srv.ip4(); ip != nil {
		if buf[4] != ip[0] || buf[5] != ip[1] || buf[6] != ip[2] || buf[7] != ip[3] {
			return fmt.Errorf("%w: address echo mismatch", ErrMalformed)
		}
		if int(binary.LittleEndian.Uint16(buf[8:10])) != srv.Port {
			return fmt.Errorf("%w: port echo mismatch", ErrMalformed)
		}
	} else {
		log.Debug().Str("host", srv.Host).Msg("Hostname target, address echo check skipped")
	}

	// Guards against cross-talk from a stray packet answering a
	// different in-flight query.
	if buf[10] != op {
		return fmt.Errorf("%w: opcode %q, expected %q", ErrMalformed, buf[10], op)
	}

	return nil
}
