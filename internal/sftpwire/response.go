// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sftpwire

// StatusCode is the error/status code carried by a status response.
type StatusCode uint32

const (
	StatusOK               StatusCode = 0
	StatusEOF              StatusCode = 1
	StatusNoSuchFile       StatusCode = 2
	StatusPermissionDenied StatusCode = 3
	StatusFailure          StatusCode = 4
	StatusBadMessage       StatusCode = 5
	StatusNoConnection     StatusCode = 6
	StatusConnectionLost   StatusCode = 7
	StatusOpUnsupported    StatusCode = 8
)

var statusMessages = map[StatusCode]string{
	StatusOK:               "Success",
	StatusEOF:              "End of file",
	StatusNoSuchFile:       "No such file",
	StatusPermissionDenied: "Permission denied",
	StatusFailure:          "Failure",
	StatusBadMessage:       "Bad message",
	StatusNoConnection:     "No connection",
	StatusConnectionLost:   "Connection lost",
	StatusOpUnsupported:    "Operation unsupported",
}

// String returns the default human readable message for the code.
func (c StatusCode) String() string {
	if msg, ok := statusMessages[c]; ok {
		return msg
	}
	return "Unknown status"
}

// Version answers an init request.
type Version struct {
	Version    uint32
	Extensions []Extension
}

// Type is part of the Response interface.
func (*Version) Type() PacketType { return TypeVersion }

// AppendPayload is part of the Response interface.
func (r *Version) AppendPayload(b []byte) []byte {
	b = appendUint32(b, r.Version)
	for _, ext := range r.Extensions {
		b = appendString(b, ext.Name)
		b = appendString(b, ext.Data)
	}
	return b
}

// Status reports the outcome of a request that has no other result.
type Status struct {
	ID       uint32
	Code     StatusCode
	Message  string
	Language string
}

// NewStatus returns a status response with the default message for code.
func NewStatus(id uint32, code StatusCode) *Status {
	return &Status{ID: id, Code: code, Message: code.String(), Language: "en"}
}

// Type is part of the Response interface.
func (*Status) Type() PacketType { return TypeStatus }

// AppendPayload is part of the Response interface.
func (r *Status) AppendPayload(b []byte) []byte {
	b = appendUint32(b, r.ID)
	b = appendUint32(b, uint32(r.Code))
	b = appendString(b, r.Message)
	return appendString(b, r.Language)
}

// Handle returns a new file or directory handle.
type Handle struct {
	ID     uint32
	Handle string
}

// Type is part of the Response interface.
func (*Handle) Type() PacketType { return TypeHandle }

// AppendPayload is part of the Response interface.
func (r *Handle) AppendPayload(b []byte) []byte {
	b = appendUint32(b, r.ID)
	return appendString(b, r.Handle)
}

// Data carries bytes read from a file.
type Data struct {
	ID   uint32
	Data []byte
}

// Type is part of the Response interface.
func (*Data) Type() PacketType { return TypeData }

// AppendPayload is part of the Response interface.
func (r *Data) AppendPayload(b []byte) []byte {
	b = appendUint32(b, r.ID)
	return appendBytes(b, r.Data)
}

// NameEntry is a single entry of a name response.
type NameEntry struct {
	Filename string
	Longname string
	Attrs    Attrs
}

// Name returns directory entries or a resolved path.
type Name struct {
	ID      uint32
	Entries []NameEntry
}

// Type is part of the Response interface.
func (*Name) Type() PacketType { return TypeName }

// AppendPayload is part of the Response interface.
func (r *Name) AppendPayload(b []byte) []byte {
	b = appendUint32(b, r.ID)
	b = appendUint32(b, uint32(len(r.Entries)))
	for _, e := range r.Entries {
		b = appendString(b, e.Filename)
		b = appendString(b, e.Longname)
		b = AppendAttrs(b, e.Attrs)
	}
	return b
}

// AttrsResponse returns the attributes of a file.
type AttrsResponse struct {
	ID    uint32
	Attrs Attrs
}

// Type is part of the Response interface.
func (*AttrsResponse) Type() PacketType { return TypeAttrs }

// AppendPayload is part of the Response interface.
func (r *AttrsResponse) AppendPayload(b []byte) []byte {
	b = appendUint32(b, r.ID)
	return AppendAttrs(b, r.Attrs)
}
