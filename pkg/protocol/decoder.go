package protocol

import (
	"errors"
	"io"
	"unicode/utf8"
)

// Allocation limits to prevent DoS attacks via malicious length prefixes.
const (
	// DefaultMaxAllocation is the default maximum allocation size (4MB)
	// for a single string or byte array.
	DefaultMaxAllocation = 4 * 1024 * 1024

	// MaxSafeInteger is the largest integer a varuint may decode to
	// (2^53 - 1). Peers running on IEEE-754 doubles cannot represent
	// anything larger exactly.
	MaxSafeInteger = 1<<53 - 1

	// MaxCollectionCount bounds the entry count of a collection such as an
	// awareness update.
	MaxCollectionCount = 100_000
)

// Common decoding errors.
var (
	ErrIntegerOutOfRange  = errors.New("protocol: integer out of range")
	ErrInvalidUTF8        = errors.New("protocol: invalid utf-8 string")
	ErrAllocationTooLarge = errors.New("protocol: allocation size exceeds limit")
	ErrCollectionTooLarge = errors.New("protocol: collection count exceeds limit")
)

// Decoder is a binary decoder that reads from a byte buffer.
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder creates a new decoder from the given byte slice.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.pos
}

// EOF returns true if all bytes have been read.
func (d *Decoder) EOF() bool {
	return d.pos >= len(d.buf)
}

// Position returns the current read position.
func (d *Decoder) Position() int {
	return d.pos
}

// Rest returns the unread bytes without advancing. The returned slice
// references the decoder's buffer; do not modify.
func (d *Decoder) Rest() []byte {
	return d.buf[d.pos:]
}

// ReadByte reads a single byte.
func (d *Decoder) ReadByte() (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

// ReadVarUint reads a little-endian base-128 varint.
// Values above MaxSafeInteger fail with ErrIntegerOutOfRange.
func (d *Decoder) ReadVarUint() (uint64, error) {
	var v uint64
	var shift uint

	for {
		if d.pos >= len(d.buf) {
			return 0, io.ErrUnexpectedEOF
		}
		b := d.buf[d.pos]
		d.pos++
		if shift >= 53 && b&0x7F != 0 {
			return 0, ErrIntegerOutOfRange
		}
		v |= uint64(b&0x7F) << shift
		if v > MaxSafeInteger {
			return 0, ErrIntegerOutOfRange
		}
		if b < 0x80 {
			return v, nil
		}
		shift += 7
		if shift > 63 {
			return 0, ErrIntegerOutOfRange
		}
	}
}

// ReadVarString reads a length-prefixed UTF-8 string.
func (d *Decoder) ReadVarString() (string, error) {
	b, err := d.readLen()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", ErrInvalidUTF8
	}
	return string(b), nil
}

// ReadVarUint8Array reads length-prefixed bytes.
// Returns a copy of the bytes (safe to retain).
func (d *Decoder) ReadVarUint8Array() ([]byte, error) {
	b, err := d.readLen()
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (d *Decoder) readLen() ([]byte, error) {
	length, err := d.ReadVarUint()
	if err != nil {
		return nil, err
	}
	if length > uint64(d.Remaining()) {
		return nil, io.ErrUnexpectedEOF
	}
	if length > DefaultMaxAllocation {
		return nil, ErrAllocationTooLarge
	}
	n := int(length)
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}
