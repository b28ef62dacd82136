package protocol

import (
	"encoding/binary"
	"io"
)

// Wire primitives shared by the message codecs. All multi-byte integers
// are little-endian.

// WriteUint8 writes a single byte.
func WriteUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

// ReadUint8 reads a single byte.
func ReadUint8(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// WriteUint32 writes a little-endian uint32.
func WriteUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

// ReadUint32 reads a little-endian uint32.
func ReadUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// readSlice reads exactly n bytes declared by an untrusted length field.
// remaining bounds the read: a declared length larger than the bytes left
// in the buffer fails with ErrMalformedMessage instead of over-reading.
func readSlice(r io.Reader, n uint32, remaining int) ([]byte, error) {
	if int64(n) > int64(remaining) {
		return nil, ErrMalformedMessage
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, ErrMalformedMessage
	}
	return buf, nil
}
