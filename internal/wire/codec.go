package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single envelope's serialized size: an
// Envelope wraps at most one batch, and a batch large enough to
// exceed this is almost certainly a corrupt length prefix rather than
// legitimate traffic.
const MaxFrameSize = 8 << 20

func checkFrameSize(sz uint32) error {
	if sz > MaxFrameSize {
		return fmt.Errorf("wire: frame of %d bytes exceeds MaxFrameSize", sz)
	}
	return nil
}

// WriteFrame writes a 4-byte big-endian length prefix followed by
// payload, matching the teacher's ingest/socket framing.
func WriteFrame(w io.Writer, payload []byte) error {
	if err := checkFrameSize(uint32(len(payload))); err != nil {
		return err
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed envelope frame off r.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	sz := binary.BigEndian.Uint32(header)
	if sz == 0 {
		return nil, fmt.Errorf("wire: empty frame")
	}
	if err := checkFrameSize(sz); err != nil {
		return nil, err
	}
	payload := make([]byte, int(sz))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
