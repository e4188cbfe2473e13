// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sftpwire

import (
	"encoding/binary"
)

// Buffer consumes SFTP primitive types from a byte slice. Every accessor
// returns ErrBadMessage, leaving the buffer untouched, when not enough bytes
// remain.
type Buffer struct {
	b []byte
}

// NewBuffer returns a Buffer reading from b.
func NewBuffer(b []byte) *Buffer {
	return &Buffer{b: b}
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int {
	return len(b.b)
}

// Uint8 consumes a single byte.
func (b *Buffer) Uint8() (uint8, error) {
	if len(b.b) < 1 {
		return 0, ErrBadMessage
	}
	v := b.b[0]
	b.b = b.b[1:]
	return v, nil
}

// Uint32 consumes a big endian uint32.
func (b *Buffer) Uint32() (uint32, error) {
	if len(b.b) < 4 {
		return 0, ErrBadMessage
	}
	v := binary.BigEndian.Uint32(b.b)
	b.b = b.b[4:]
	return v, nil
}

// Uint64 consumes a big endian uint64.
func (b *Buffer) Uint64() (uint64, error) {
	if len(b.b) < 8 {
		return 0, ErrBadMessage
	}
	v := binary.BigEndian.Uint64(b.b)
	b.b = b.b[8:]
	return v, nil
}

// Bytes consumes a length-prefixed byte string. The returned slice aliases
// the underlying packet.
func (b *Buffer) Bytes() ([]byte, error) {
	if len(b.b) < 4 {
		return nil, ErrBadMessage
	}
	n := binary.BigEndian.Uint32(b.b)
	if uint64(len(b.b)-4) < uint64(n) {
		return nil, ErrBadMessage
	}
	v := b.b[4 : 4+n]
	b.b = b.b[4+n:]
	return v, nil
}

// String consumes a length-prefixed string.
func (b *Buffer) String() (string, error) {
	v, err := b.Bytes()
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// Rest consumes and returns all remaining bytes.
func (b *Buffer) Rest() []byte {
	v := b.b
	b.b = nil
	return v
}

func appendUint32(b []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(b, v)
}

func appendUint64(b []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(b, v)
}

func appendString(b []byte, s string) []byte {
	b = appendUint32(b, uint32(len(s)))
	return append(b, s...)
}

func appendBytes(b []byte, v []byte) []byte {
	b = appendUint32(b, uint32(len(v)))
	return append(b, v...)
}
