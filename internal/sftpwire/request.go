// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sftpwire

import (
	"github.com/juju/errors"
)

// Request is a decoded client packet.
type Request interface {
	// RequestID returns the id the response must carry. Init has none and
	// returns zero.
	RequestID() uint32
}

// Init opens the SFTP session and announces the client version.
type Init struct {
	Version    uint32
	Extensions []Extension
}

// Open opens a file for reading and/or writing.
type Open struct {
	ID     uint32
	Path   string
	PFlags uint32
	Attrs  Attrs
}

// Close releases a file or directory handle.
type Close struct {
	ID     uint32
	Handle string
}

// Read reads up to Length bytes at Offset from a file handle.
type Read struct {
	ID     uint32
	Handle string
	Offset uint64
	Length uint32
}

// Write writes Data at Offset through a file handle.
type Write struct {
	ID     uint32
	Handle string
	Offset uint64
	Data   []byte
}

// Lstat returns the attributes of a path without following links.
type Lstat struct {
	ID   uint32
	Path string
}

// Stat returns the attributes of a path.
type Stat struct {
	ID   uint32
	Path string
}

// Fstat returns the attributes of an open handle.
type Fstat struct {
	ID     uint32
	Handle string
}

// Setstat changes the attributes of a path.
type Setstat struct {
	ID    uint32
	Path  string
	Attrs Attrs
}

// Fsetstat changes the attributes of an open handle.
type Fsetstat struct {
	ID     uint32
	Handle string
	Attrs  Attrs
}

// Opendir opens a directory for listing.
type Opendir struct {
	ID   uint32
	Path string
}

// Readdir reads the next batch of entries from a directory handle.
type Readdir struct {
	ID     uint32
	Handle string
}

// Remove removes a file.
type Remove struct {
	ID   uint32
	Path string
}

// Mkdir creates a directory.
type Mkdir struct {
	ID    uint32
	Path  string
	Attrs Attrs
}

// Rmdir removes an empty directory.
type Rmdir struct {
	ID   uint32
	Path string
}

// Realpath canonicalises a path.
type Realpath struct {
	ID   uint32
	Path string
}

// Rename moves OldPath to NewPath.
type Rename struct {
	ID      uint32
	OldPath string
	NewPath string
}

// Readlink reads the target of a symbolic link.
type Readlink struct {
	ID   uint32
	Path string
}

// Symlink creates a symbolic link.
type Symlink struct {
	ID         uint32
	LinkPath   string
	TargetPath string
}

// Extended is a vendor specific request.
type Extended struct {
	ID      uint32
	Name    string
	Payload []byte
}

// Unknown is any request with an unrecognised packet type.
type Unknown struct {
	ID   uint32
	Type PacketType
}

func (r *Init) RequestID() uint32     { return 0 }
func (r *Open) RequestID() uint32     { return r.ID }
func (r *Close) RequestID() uint32    { return r.ID }
func (r *Read) RequestID() uint32     { return r.ID }
func (r *Write) RequestID() uint32    { return r.ID }
func (r *Lstat) RequestID() uint32    { return r.ID }
func (r *Stat) RequestID() uint32     { return r.ID }
func (r *Fstat) RequestID() uint32    { return r.ID }
func (r *Setstat) RequestID() uint32  { return r.ID }
func (r *Fsetstat) RequestID() uint32 { return r.ID }
func (r *Opendir) RequestID() uint32  { return r.ID }
func (r *Readdir) RequestID() uint32  { return r.ID }
func (r *Remove) RequestID() uint32   { return r.ID }
func (r *Mkdir) RequestID() uint32    { return r.ID }
func (r *Rmdir) RequestID() uint32    { return r.ID }
func (r *Realpath) RequestID() uint32 { return r.ID }
func (r *Rename) RequestID() uint32   { return r.ID }
func (r *Readlink) RequestID() uint32 { return r.ID }
func (r *Symlink) RequestID() uint32  { return r.ID }
func (r *Extended) RequestID() uint32 { return r.ID }
func (r *Unknown) RequestID() uint32  { return r.ID }

// PeekRequestID returns the request id at the front of a payload, if there
// are enough bytes for one. It is used to answer packets that otherwise
// fail to decode.
func PeekRequestID(p Packet) (uint32, bool) {
	if p.Type == TypeInit {
		return 0, false
	}
	id, err := NewBuffer(p.Payload).Uint32()
	return id, err == nil
}

// DecodeRequest decodes the payload of a client packet. Malformed payloads
// yield an error satisfying errors.Is(err, ErrBadMessage).
func DecodeRequest(p Packet) (Request, error) {
	b := NewBuffer(p.Payload)
	if p.Type == TypeInit {
		return decodeInit(b)
	}

	id, err := b.Uint32()
	if err != nil {
		return nil, errors.Annotatef(err, "decoding %s request id", p.Type)
	}
	req, err := decodeBody(p.Type, id, b)
	if err != nil {
		return nil, errors.Annotatef(err, "decoding %s request", p.Type)
	}
	return req, nil
}

func decodeInit(b *Buffer) (*Init, error) {
	version, err := b.Uint32()
	if err != nil {
		return nil, errors.Annotate(err, "decoding init version")
	}
	init := &Init{Version: version}
	for b.Len() > 0 {
		var ext Extension
		if ext.Name, err = b.String(); err != nil {
			return nil, errors.Annotate(err, "decoding init extension")
		}
		if ext.Data, err = b.String(); err != nil {
			return nil, errors.Annotate(err, "decoding init extension")
		}
		init.Extensions = append(init.Extensions, ext)
	}
	return init, nil
}

func decodeBody(t PacketType, id uint32, b *Buffer) (Request, error) {
	var err error
	switch t {
	case TypeOpen:
		r := &Open{ID: id}
		if r.Path, err = b.String(); err != nil {
			return nil, err
		}
		if r.PFlags, err = b.Uint32(); err != nil {
			return nil, err
		}
		if r.Attrs, err = ReadAttrs(b); err != nil {
			return nil, err
		}
		return r, nil
	case TypeClose:
		r := &Close{ID: id}
		r.Handle, err = b.String()
		return r, err
	case TypeRead:
		r := &Read{ID: id}
		if r.Handle, err = b.String(); err != nil {
			return nil, err
		}
		if r.Offset, err = b.Uint64(); err != nil {
			return nil, err
		}
		if r.Length, err = b.Uint32(); err != nil {
			return nil, err
		}
		return r, nil
	case TypeWrite:
		r := &Write{ID: id}
		if r.Handle, err = b.String(); err != nil {
			return nil, err
		}
		if r.Offset, err = b.Uint64(); err != nil {
			return nil, err
		}
		if r.Data, err = b.Bytes(); err != nil {
			return nil, err
		}
		return r, nil
	case TypeLstat:
		r := &Lstat{ID: id}
		r.Path, err = b.String()
		return r, err
	case TypeStat:
		r := &Stat{ID: id}
		r.Path, err = b.String()
		return r, err
	case TypeFstat:
		r := &Fstat{ID: id}
		r.Handle, err = b.String()
		return r, err
	case TypeSetstat:
		r := &Setstat{ID: id}
		if r.Path, err = b.String(); err != nil {
			return nil, err
		}
		r.Attrs, err = ReadAttrs(b)
		return r, err
	case TypeFsetstat:
		r := &Fsetstat{ID: id}
		if r.Handle, err = b.String(); err != nil {
			return nil, err
		}
		r.Attrs, err = ReadAttrs(b)
		return r, err
	case TypeOpendir:
		r := &Opendir{ID: id}
		r.Path, err = b.String()
		return r, err
	case TypeReaddir:
		r := &Readdir{ID: id}
		r.Handle, err = b.String()
		return r, err
	case TypeRemove:
		r := &Remove{ID: id}
		r.Path, err = b.String()
		return r, err
	case TypeMkdir:
		r := &Mkdir{ID: id}
		if r.Path, err = b.String(); err != nil {
			return nil, err
		}
		r.Attrs, err = ReadAttrs(b)
		return r, err
	case TypeRmdir:
		r := &Rmdir{ID: id}
		r.Path, err = b.String()
		return r, err
	case TypeRealpath:
		r := &Realpath{ID: id}
		r.Path, err = b.String()
		return r, err
	case TypeRename:
		r := &Rename{ID: id}
		if r.OldPath, err = b.String(); err != nil {
			return nil, err
		}
		r.NewPath, err = b.String()
		return r, err
	case TypeReadlink:
		r := &Readlink{ID: id}
		r.Path, err = b.String()
		return r, err
	case TypeSymlink:
		r := &Symlink{ID: id}
		if r.LinkPath, err = b.String(); err != nil {
			return nil, err
		}
		r.TargetPath, err = b.String()
		return r, err
	case TypeExtended:
		r := &Extended{ID: id}
		if r.Name, err = b.String(); err != nil {
			return nil, err
		}
		r.Payload = b.Rest()
		return r, nil
	default:
		return &Unknown{ID: id, Type: t}, nil
	}
}
