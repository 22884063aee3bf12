// Package backend defines the remote storage capability the relay reads from.
//
// A Client opens connections to numbered datacenters. Reading a file from a
// datacenter other than the account's primary one requires transferring the
// authorization: the primary connection exports it and the foreign
// connection imports it.
package backend

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrUnauthorized = errors.New("backend: connection not authorized")
	ErrFileNotFound = errors.New("backend: file not found")
	ErrInvalidLimit = errors.New("backend: invalid offset or limit")
	ErrUnknownDC    = errors.New("backend: unknown datacenter")
)

const (
	// MaxChunkSize is the largest limit a single GetFile may request.
	MaxChunkSize = 1 << 20

	// Alignment is the granularity of offsets and limits.
	Alignment = 4096
)

// DC identifies a datacenter.
type DC int

// Location addresses a stored object. Implementations are the types in this
// package.
type Location interface {
	location()
}

// DocumentLocation addresses a document or one of its thumbnails.
type DocumentLocation struct {
	ID            int64
	AccessHash    int64
	FileReference []byte
	ThumbSize     string
}

// PhotoLocation addresses one size of a photo.
type PhotoLocation struct {
	ID            int64
	AccessHash    int64
	FileReference []byte
	ThumbSize     string
}

// InputPeer identifies the owner of a profile photo.
type InputPeer struct {
	Type       string
	ID         int64
	AccessHash int64
}

// PeerPhotoLocation addresses a user, chat or channel profile photo.
type PeerPhotoLocation struct {
	Peer     InputPeer
	PhotoID  int64
	VolumeID int64
	LocalID  int32
	Big      bool
}

func (DocumentLocation) location()  {}
func (PhotoLocation) location()     {}
func (PeerPhotoLocation) location() {}

// ExportedAuthorization carries an authorization from one datacenter to another.
type ExportedAuthorization struct {
	ID    int64
	Bytes []byte
}

// Conn is an open connection to one datacenter.
type Conn interface {
	DC() DC

	// GetFile returns at most limit bytes of the object starting at offset.
	// A read at or past the end of the object returns an empty slice.
	GetFile(ctx context.Context, loc Location, offset, limit int64) ([]byte, error)

	// ExportAuthorization mints a transferable authorization for dc.
	ExportAuthorization(ctx context.Context, dc DC) (*ExportedAuthorization, error)

	// ImportAuthorization authorizes this connection.
	ImportAuthorization(ctx context.Context, auth *ExportedAuthorization) error

	Close() error
}

// Client creates authorization keys and connections.
type Client interface {
	// PrimaryDC reports the account's home datacenter.
	PrimaryDC(ctx context.Context) (DC, error)

	// AuthKey returns the account's authorized key for the primary datacenter.
	AuthKey(ctx context.Context) ([]byte, error)

	// CreateAuthKey creates a fresh, not yet authorized, key for dc.
	CreateAuthKey(ctx context.Context, dc DC) ([]byte, error)

	Dial(ctx context.Context, dc DC, key []byte) (Conn, error)
}

// ValidateRequest checks offset and limit against the chunk rules: both must
// be multiples of Alignment, limit must divide MaxChunkSize, and the request
// may not cross a MaxChunkSize boundary.
func ValidateRequest(offset, limit int64) error {
	switch {
	case offset < 0 || limit <= 0:
		return fmt.Errorf("%w: offset=%d limit=%d", ErrInvalidLimit, offset, limit)
	case offset%Alignment != 0:
		return fmt.Errorf("%w: offset %d not aligned to %d", ErrInvalidLimit, offset, Alignment)
	case limit%Alignment != 0 || MaxChunkSize%limit != 0:
		return fmt.Errorf("%w: limit %d", ErrInvalidLimit, limit)
	case offset/MaxChunkSize != (offset+limit-1)/MaxChunkSize:
		return fmt.Errorf("%w: offset=%d limit=%d crosses a %d byte boundary",
			ErrInvalidLimit, offset, limit, MaxChunkSize)
	}
	return nil
}

// ValidateChunkSize reports whether size can be used as a fixed chunk size.
func ValidateChunkSize(size int64) error {
	return ValidateRequest(0, size)
}
