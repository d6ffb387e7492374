package net

import (
	"encoding/binary"
	"fmt"
	"io"
)

// frameHeaderSize is the little-endian uint32 payload length in front of
// every frame.
const frameHeaderSize = 4

func encodeFrame(payload []byte) []byte {
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[frameHeaderSize:], payload)
	return buf
}

// readFrame reads one frame. hdr is scratch space of frameHeaderSize bytes.
func readFrame(r io.Reader, hdr []byte, maxSize int) ([]byte, error) {
	if _, err := io.ReadFull(r, hdr[:frameHeaderSize]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(hdr)
	if uint64(size) > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, maxSize)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
