package comm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrMalformed reports a frame whose declared component count does not match
// the NUL terminators found in the payload. Sessions receiving a malformed
// frame are kicked.
var ErrMalformed = errors.New("malformed message")

// ErrTooLarge reports a message whose packed payload would exceed MaxDataLen.
var ErrTooLarge = errors.New("message exceeds protocol frame limit")

// Pack serializes a message into its wire form. Packing is deterministic:
// header first, then each component followed by a single NUL.
func Pack(m *Message) ([]byte, error) {
	dataLen := m.dataLen()
	if dataLen > MaxDataLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, dataLen)
	}

	buf := make([]byte, HeaderLen+dataLen)
	binary.BigEndian.PutUint16(buf[0:2], uint16(dataLen))
	binary.BigEndian.PutUint16(buf[2:4], m.RequestID)
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(m.Components)))

	off := HeaderLen
	for _, c := range m.Components {
		off += copy(buf[off:], c)
		buf[off] = 0
		off++
	}

	return buf, nil
}

// Unpack parses a complete packed frame (header plus payload).
//
// The payload is split on NUL into exactly the declared number of
// components; any mismatch between the declared count and the terminators
// found rejects the frame with ErrMalformed.
func Unpack(packed []byte) (*Message, error) {
	if len(packed) < HeaderLen {
		return nil, fmt.Errorf("%w: short frame (%d bytes)", ErrMalformed, len(packed))
	}

	dataLen := int(binary.BigEndian.Uint16(packed[0:2]))
	requestID := binary.BigEndian.Uint16(packed[2:4])
	count := int(binary.BigEndian.Uint16(packed[4:6]))

	if len(packed) != HeaderLen+dataLen {
		return nil, fmt.Errorf("%w: declared %d payload bytes, frame has %d",
			ErrMalformed, dataLen, len(packed)-HeaderLen)
	}

	data := packed[HeaderLen:]
	if count == 0 {
		if dataLen != 0 {
			return nil, fmt.Errorf("%w: %d payload bytes with zero components", ErrMalformed, dataLen)
		}
		return &Message{RequestID: requestID}, nil
	}

	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %d components with empty payload", ErrMalformed, count)
	}

	// The payload must end on a component boundary.
	if data[len(data)-1] != 0 {
		return nil, fmt.Errorf("%w: unterminated final component", ErrMalformed)
	}

	parts := bytes.Split(data[:len(data)-1], []byte{0})
	if len(parts) != count {
		return nil, fmt.Errorf("%w: declared %d components, found %d", ErrMalformed, count, len(parts))
	}

	components := make([]string, count)
	for i, p := range parts {
		components[i] = string(p)
	}

	return &Message{RequestID: requestID, Components: components}, nil
}

// Read reads one frame from r and unpacks it.
//
// EOF before the first header byte is returned as io.EOF so callers can
// detect a normal peer disconnect; a partial header or payload surfaces as
// io.ErrUnexpectedEOF.
func Read(r io.Reader) (*Message, error) {
	var header [HeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	dataLen := int(binary.BigEndian.Uint16(header[0:2]))
	packed := make([]byte, HeaderLen+dataLen)
	copy(packed, header[:])
	if _, err := io.ReadFull(r, packed[HeaderLen:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return Unpack(packed)
}

// Write packs m and writes the whole frame to w.
func Write(w io.Writer, m *Message) error {
	packed, err := Pack(m)
	if err != nil {
		return err
	}
	if _, err := w.Write(packed); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
