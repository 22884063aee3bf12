package locator

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidToken       = errors.New("locator: invalid token")
	ErrUnsupportedVersion = errors.New("locator: unsupported token version")
	ErrUnsupportedType    = errors.New("locator: unsupported file type")
)

// Kind is the addressing family of a stored object.
type Kind int

const (
	KindDocument Kind = iota + 1
	KindPhoto
	KindChatPhoto
)

func (k Kind) String() string {
	switch k {
	case KindDocument:
		return "document"
	case KindPhoto:
		return "photo"
	case KindChatPhoto:
		return "chat_photo"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// FileType is the platform file type recorded in a token.
type FileType int32

const (
	TypeThumbnail FileType = iota
	TypeChatPhoto
	TypePhoto
	TypeVoice
	TypeVideo
	TypeDocument
	TypeEncrypted
	TypeTemp
	TypeSticker
	TypeAudio
	TypeAnimation
	TypeEncryptedThumbnail
	TypeWallpaper
	TypeVideoNote
	TypeSecureRaw
	TypeSecure
	TypeBackground
	TypeDocumentAsFile
)

func (t FileType) isPhotoLike() bool {
	return t == TypeThumbnail || t == TypeChatPhoto || t == TypePhoto
}

func (t FileType) isDocument() bool {
	switch t {
	case TypeVoice, TypeVideo, TypeDocument, TypeSticker, TypeAudio,
		TypeAnimation, TypeVideoNote, TypeDocumentAsFile:
		return true
	}
	return false
}

// ThumbnailSource selects which picture a photo-like token refers to.
type ThumbnailSource int32

const (
	SourceLegacy ThumbnailSource = iota
	SourceThumbnail
	SourceChatPhotoSmall
	SourceChatPhotoBig
)

// Locator is a decoded media locator. It is never modified after decoding.
type Locator struct {
	Type          FileType
	Kind          Kind
	DC            int
	MediaID       int64
	AccessHash    int64
	FileReference []byte

	// Source and ThumbSize are set for photo-like types.
	Source    ThumbnailSource
	ThumbSize string

	// ThumbFileType is the type of the object a thumbnail belongs to.
	ThumbFileType FileType

	// Chat is set for chat photos.
	Chat *ChatPhoto
}

// ChatPhoto identifies a chat's profile picture.
type ChatPhoto struct {
	ChatID         int64
	ChatAccessHash int64
	VolumeID       int64
	LocalID        int32
	Big            bool
}

// PeerType is the class of chat a profile photo belongs to.
type PeerType int

const (
	PeerUser PeerType = iota + 1
	PeerChat
	PeerChannel
)

func (p PeerType) String() string {
	switch p {
	case PeerUser:
		return "user"
	case PeerChat:
		return "chat"
	case PeerChannel:
		return "channel"
	default:
		return fmt.Sprintf("peer(%d)", int(p))
	}
}

// channelIDOffset is subtracted from channel ids in their public form (-100…).
const channelIDOffset = 1_000_000_000_000

// Peer returns the peer class and the bare peer id encoded in ChatID.
func (c ChatPhoto) Peer() (PeerType, int64) {
	switch {
	case c.ChatID >= 0:
		return PeerUser, c.ChatID
	case c.ChatID <= -channelIDOffset:
		return PeerChannel, -c.ChatID - channelIDOffset
	default:
		return PeerChat, -c.ChatID
	}
}

// kindOf resolves the addressing family for a type. Thumbnails follow the
// object they belong to.
func kindOf(t, thumbOf FileType) (Kind, error) {
	switch {
	case t == TypeChatPhoto:
		return KindChatPhoto, nil
	case t == TypePhoto:
		return KindPhoto, nil
	case t == TypeThumbnail && thumbOf.isDocument():
		return KindDocument, nil
	case t == TypeThumbnail:
		return KindPhoto, nil
	case t.isDocument():
		return KindDocument, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedType, t)
	}
}
