// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package sftpwire implements the wire format of version 3 of the SSH File
// Transfer Protocol, as described in draft-ietf-secsh-filexfer-02.
package sftpwire

import (
	"encoding/binary"
	"io"

	"github.com/juju/errors"
)

// ProtocolVersion is the only SFTP version spoken by the server.
const ProtocolVersion = 3

// MaxPacketLength is the largest packet, excluding the length field, that
// will be read from a peer.
const MaxPacketLength = 256 * 1024

const (
	// ErrBadMessage is returned when a packet cannot be decoded.
	ErrBadMessage = errors.ConstError("bad message")

	// ErrPacketTooLarge is returned when a peer announces a packet larger
	// than the permitted maximum.
	ErrPacketTooLarge = errors.ConstError("packet too large")
)

// PacketType identifies the kind of an SFTP packet.
type PacketType uint8

const (
	TypeInit     PacketType = 1
	TypeVersion  PacketType = 2
	TypeOpen     PacketType = 3
	TypeClose    PacketType = 4
	TypeRead     PacketType = 5
	TypeWrite    PacketType = 6
	TypeLstat    PacketType = 7
	TypeFstat    PacketType = 8
	TypeSetstat  PacketType = 9
	TypeFsetstat PacketType = 10
	TypeOpendir  PacketType = 11
	TypeReaddir  PacketType = 12
	TypeRemove   PacketType = 13
	TypeMkdir    PacketType = 14
	TypeRmdir    PacketType = 15
	TypeRealpath PacketType = 16
	TypeStat     PacketType = 17
	TypeRename   PacketType = 18
	TypeReadlink PacketType = 19
	TypeSymlink  PacketType = 20

	TypeStatus PacketType = 101
	TypeHandle PacketType = 102
	TypeData   PacketType = 103
	TypeName   PacketType = 104
	TypeAttrs  PacketType = 105

	TypeExtended      PacketType = 200
	TypeExtendedReply PacketType = 201
)

var packetTypeNames = map[PacketType]string{
	TypeInit:          "init",
	TypeVersion:       "version",
	TypeOpen:          "open",
	TypeClose:         "close",
	TypeRead:          "read",
	TypeWrite:         "write",
	TypeLstat:         "lstat",
	TypeFstat:         "fstat",
	TypeSetstat:       "setstat",
	TypeFsetstat:      "fsetstat",
	TypeOpendir:       "opendir",
	TypeReaddir:       "readdir",
	TypeRemove:        "remove",
	TypeMkdir:         "mkdir",
	TypeRmdir:         "rmdir",
	TypeRealpath:      "realpath",
	TypeStat:          "stat",
	TypeRename:        "rename",
	TypeReadlink:      "readlink",
	TypeSymlink:       "symlink",
	TypeStatus:        "status",
	TypeHandle:        "handle",
	TypeData:          "data",
	TypeName:          "name",
	TypeAttrs:         "attrs",
	TypeExtended:      "extended",
	TypeExtendedReply: "extended-reply",
}

// String returns the lower case protocol name of the packet type.
func (t PacketType) String() string {
	if name, ok := packetTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// Flags used in the pflags field of an open request.
const (
	OpenRead   uint32 = 0x00000001
	OpenWrite  uint32 = 0x00000002
	OpenAppend uint32 = 0x00000004
	OpenCreate uint32 = 0x00000008
	OpenTrunc  uint32 = 0x00000010
	OpenExcl   uint32 = 0x00000020
)

// Packet is a single framed SFTP packet.
type Packet struct {
	Type    PacketType
	Payload []byte
}

// ReadPacket reads one length-prefixed packet from r. Packets whose length
// exceeds maxLength are rejected with ErrPacketTooLarge; the stream cannot
// be resynchronised after that.
func ReadPacket(r io.Reader, maxLength uint32) (Packet, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:4]); err != nil {
		return Packet{}, err
	}
	length := binary.BigEndian.Uint32(header[:4])
	if length == 0 {
		return Packet{}, ErrBadMessage
	}
	if length > maxLength {
		return Packet{}, errors.Annotatef(ErrPacketTooLarge, "%d bytes", length)
	}
	if _, err := io.ReadFull(r, header[4:]); err != nil {
		return Packet{}, unexpectedEOF(err)
	}
	payload := make([]byte, length-1)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Packet{}, unexpectedEOF(err)
	}
	return Packet{
		Type:    PacketType(header[4]),
		Payload: payload,
	}, nil
}

func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Response is implemented by all packets the server sends.
type Response interface {
	// Type returns the packet type written in the header.
	Type() PacketType

	// AppendPayload appends the encoded body of the packet to b.
	AppendPayload(b []byte) []byte
}

// Marshal encodes resp as a complete packet including the length prefix.
func Marshal(resp Response) []byte {
	b := make([]byte, 5, 64)
	b[4] = byte(resp.Type())
	b = resp.AppendPayload(b)
	binary.BigEndian.PutUint32(b[:4], uint32(len(b)-4))
	return b
}

// WritePacket encodes resp and writes it to w.
func WritePacket(w io.Writer, resp Response) error {
	_, err := w.Write(Marshal(resp))
	return errors.Trace(err)
}
