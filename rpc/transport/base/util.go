package base

import (
	"bufio"
	"fmt"
	"io"
	"net"

	"github.com/multiformats/go-varint"
)

// WriteFrame writes a frame with the format:
// - varint: payload length
// - N bytes: payload
//
// The length prefix and payload are written with a single vectored write.
func WriteFrame(w io.Writer, payload []byte) error {
	b := net.Buffers{varint.ToUvarint(uint64(len(payload))), payload}
	_, err := b.WriteTo(w)
	return err
}

// ReadFrame reads one frame written by WriteFrame. Frames larger than
// maxSize are rejected (0 disables the check). A clean EOF before the length
// prefix is returned as io.EOF, an EOF inside the frame as io.ErrUnexpectedEOF.
func ReadFrame(r *bufio.Reader, maxSize int) ([]byte, error) {
	n, err := varint.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if maxSize > 0 && n > uint64(maxSize) {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit of %d bytes", n, maxSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}
