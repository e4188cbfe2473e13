// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sftpwire

import (
	"os"
	"time"
)

// Flags describing which fields of Attrs are present.
const (
	AttrSize        uint32 = 0x00000001
	AttrUIDGID      uint32 = 0x00000002
	AttrPermissions uint32 = 0x00000004
	AttrACModTime   uint32 = 0x00000008
	AttrExtended    uint32 = 0x80000000
)

// POSIX file type bits used in the permissions field.
const (
	ModeRegular   uint32 = 0100000
	ModeDirectory uint32 = 0040000
	modeTypeMask  uint32 = 0170000
)

// Extension is a single name/data pair of an extended attribute or a
// version extension.
type Extension struct {
	Name string
	Data string
}

// Attrs holds file attributes. Only the fields selected by Flags are
// written to, or were read from, the wire.
type Attrs struct {
	Flags       uint32
	Size        uint64
	UID         uint32
	GID         uint32
	Permissions uint32
	ATime       uint32
	MTime       uint32
	Extended    []Extension
}

// FileAttrs returns the attributes reported for a regular file.
func FileAttrs(size uint64, perm os.FileMode, modified time.Time) Attrs {
	return Attrs{
		Flags:       AttrSize | AttrPermissions | AttrACModTime,
		Size:        size,
		Permissions: ModeRegular | uint32(perm.Perm()),
		ATime:       unixTime(modified),
		MTime:       unixTime(modified),
	}
}

// DirAttrs returns the attributes reported for a directory.
func DirAttrs(perm os.FileMode, modified time.Time) Attrs {
	return Attrs{
		Flags:       AttrSize | AttrPermissions | AttrACModTime,
		Permissions: ModeDirectory | uint32(perm.Perm()),
		ATime:       unixTime(modified),
		MTime:       unixTime(modified),
	}
}

// unixTime returns t as protocol seconds. The zero time, used for
// directories without a marker, maps to the epoch.
func unixTime(t time.Time) uint32 {
	if t.IsZero() {
		return 0
	}
	return uint32(t.Unix())
}

// IsDir reports whether the permissions describe a directory.
func (a Attrs) IsDir() bool {
	return a.Flags&AttrPermissions != 0 && a.Permissions&modeTypeMask == ModeDirectory
}

// ReadAttrs consumes an attribute block from b.
func ReadAttrs(b *Buffer) (Attrs, error) {
	var (
		a   Attrs
		err error
	)
	if a.Flags, err = b.Uint32(); err != nil {
		return Attrs{}, err
	}
	if a.Flags&AttrSize != 0 {
		if a.Size, err = b.Uint64(); err != nil {
			return Attrs{}, err
		}
	}
	if a.Flags&AttrUIDGID != 0 {
		if a.UID, err = b.Uint32(); err != nil {
			return Attrs{}, err
		}
		if a.GID, err = b.Uint32(); err != nil {
			return Attrs{}, err
		}
	}
	if a.Flags&AttrPermissions != 0 {
		if a.Permissions, err = b.Uint32(); err != nil {
			return Attrs{}, err
		}
	}
	if a.Flags&AttrACModTime != 0 {
		if a.ATime, err = b.Uint32(); err != nil {
			return Attrs{}, err
		}
		if a.MTime, err = b.Uint32(); err != nil {
			return Attrs{}, err
		}
	}
	if a.Flags&AttrExtended != 0 {
		count, err := b.Uint32()
		if err != nil {
			return Attrs{}, err
		}
		// Each pair takes at least eight bytes.
		if uint64(count)*8 > uint64(b.Len()) {
			return Attrs{}, ErrBadMessage
		}
		for i := uint32(0); i < count; i++ {
			var ext Extension
			if ext.Name, err = b.String(); err != nil {
				return Attrs{}, err
			}
			if ext.Data, err = b.String(); err != nil {
				return Attrs{}, err
			}
			a.Extended = append(a.Extended, ext)
		}
	}
	return a, nil
}

// AppendAttrs appends the encoding of a to b.
func AppendAttrs(b []byte, a Attrs) []byte {
	flags := a.Flags
	if len(a.Extended) == 0 {
		flags &^= AttrExtended
	}
	b = appendUint32(b, flags)
	if flags&AttrSize != 0 {
		b = appendUint64(b, a.Size)
	}
	if flags&AttrUIDGID != 0 {
		b = appendUint32(b, a.UID)
		b = appendUint32(b, a.GID)
	}
	if flags&AttrPermissions != 0 {
		b = appendUint32(b, a.Permissions)
	}
	if flags&AttrACModTime != 0 {
		b = appendUint32(b, a.ATime)
		b = appendUint32(b, a.MTime)
	}
	if flags&AttrExtended != 0 {
		b = appendUint32(b, uint32(len(a.Extended)))
		for _, ext := range a.Extended {
			b = appendString(b, ext.Name)
			b = appendString(b, ext.Data)
		}
	}
	return b
}
