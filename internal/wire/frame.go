// Package wire implements the meta node's length-prefixed wire protocol:
// a MetaCmd request, a MetaCmdResponse reply, and the per-command flag
// bitmask the dispatcher consults before invoking a handler.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameSize bounds a single frame to defend against a corrupt or
// malicious length header forcing an unbounded allocation.
const maxFrameSize = 64 << 20 // 64 MiB

// WriteFrame writes payload prefixed with its big-endian uint32 length,
// patterned on the length-prefixed binary framing used for the raft
// message wire format, generalized from a fixed protobuf body to an
// arbitrary JSON body.
func WriteFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("wire: frame size %d exceeds maximum %d", n, maxFrameSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
