// Package protocol implements the MyChat wire protocol: length-prefixed
// framing and the fixed binary message layouts exchanged after the
// handshake. The codec has no knowledge of encryption; encrypted frames
// carry ciphertext as an opaque payload.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// DefaultMaxFrameSize is the maximum frame payload accepted unless
	// the server is configured otherwise (1 MB).
	DefaultMaxFrameSize = 1024 * 1024
)

var (
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size")
	ErrTruncatedFrame = errors.New("stream closed mid-frame")
)

// Framer reads and writes length-prefixed frames on a byte stream.
// Frame layout: [length (4 bytes, little-endian)][length bytes payload].
// The declared length is validated against maxFrame before any payload
// allocation, which bounds untrusted input.
type Framer struct {
	rw       io.ReadWriter
	maxFrame uint32
}

// NewFramer wraps rw with the framing codec. maxFrame of 0 selects
// DefaultMaxFrameSize.
func NewFramer(rw io.ReadWriter, maxFrame uint32) *Framer {
	if maxFrame == 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Framer{rw: rw, maxFrame: maxFrame}
}

// MaxFrameSize returns the configured payload bound.
func (f *Framer) MaxFrameSize() uint32 {
	return f.maxFrame
}

// Send writes one frame containing payload.
func (f *Framer) Send(payload []byte) error {
	if uint32(len(payload)) > f.maxFrame {
		return ErrFrameTooLarge
	}

	var length [4]byte
	binary.LittleEndian.PutUint32(length[:], uint32(len(payload)))
	if _, err := f.rw.Write(length[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := f.rw.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// Receive blocks until one full frame is available and returns its
// payload. A declared length above the configured maximum fails with
// ErrFrameTooLarge before any payload byte is read.
func (f *Framer) Receive() ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(f.rw, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, ErrTruncatedFrame
		}
		return nil, err
	}

	length := binary.LittleEndian.Uint32(header[:])
	if length > f.maxFrame {
		return nil, fmt.Errorf("%w: declared %d, max %d", ErrFrameTooLarge, length, f.maxFrame)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(f.rw, payload); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, ErrTruncatedFrame
			}
			return nil, err
		}
	}
	return payload, nil
}
