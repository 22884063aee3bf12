package locator

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	tokenVersion    = 4
	tokenSubVersion = 30

	webLocationFlag   = 1 << 24
	fileReferenceFlag = 1 << 25
)

// Decode parses a token into a Locator.
func Decode(token string) (*Locator, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(token, "="))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	data := rleDecode(raw)
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: too short", ErrInvalidToken)
	}
	if v := data[len(data)-1]; v != tokenVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}

	r := &reader{buf: data[:len(data)-2]}

	typeAndFlags := r.int32()
	l := &Locator{DC: int(r.int32())}
	if r.err != nil {
		return nil, r.err
	}
	if typeAndFlags&webLocationFlag != 0 {
		return nil, fmt.Errorf("%w: web location", ErrUnsupportedType)
	}
	l.Type = FileType(typeAndFlags &^ (webLocationFlag | fileReferenceFlag))
	if typeAndFlags&fileReferenceFlag != 0 {
		l.FileReference = r.tlBytes()
	}
	l.MediaID = r.int64()
	l.AccessHash = r.int64()

	if l.Type.isPhotoLike() {
		l.Source = ThumbnailSource(r.int32())
		if r.err != nil {
			return nil, r.err
		}
		switch l.Source {
		case SourceThumbnail:
			l.ThumbFileType = FileType(r.int32())
			l.ThumbSize = string(rune(r.uint32()))
		case SourceChatPhotoSmall, SourceChatPhotoBig:
			l.Chat = &ChatPhoto{
				ChatID:         r.int64(),
				ChatAccessHash: r.int64(),
				VolumeID:       r.int64(),
				LocalID:        r.int32(),
				Big:            l.Source == SourceChatPhotoBig,
			}
		default:
			return nil, fmt.Errorf("%w: thumbnail source %d", ErrUnsupportedType, l.Source)
		}
	}

	if r.err != nil {
		return nil, r.err
	}
	if (l.Type == TypeChatPhoto) != (l.Chat != nil) {
		return nil, fmt.Errorf("%w: chat photo source mismatch", ErrInvalidToken)
	}

	kind, err := kindOf(l.Type, l.ThumbFileType)
	if err != nil {
		return nil, err
	}
	l.Kind = kind
	return l, nil
}

// Encode serializes l. Kind is derived from the type and ignored.
func Encode(l *Locator) (string, error) {
	if _, err := kindOf(l.Type, l.ThumbFileType); err != nil {
		return "", err
	}
	if (l.Type == TypeChatPhoto) != (l.Chat != nil) {
		return "", fmt.Errorf("%w: chat photo requires chat details", ErrInvalidToken)
	}

	typeAndFlags := uint32(l.Type)
	if l.FileReference != nil {
		typeAndFlags |= fileReferenceFlag
	}

	var b []byte
	b = binary.LittleEndian.AppendUint32(b, typeAndFlags)
	b = binary.LittleEndian.AppendUint32(b, uint32(int32(l.DC)))
	if l.FileReference != nil {
		b = appendTLBytes(b, l.FileReference)
	}
	b = binary.LittleEndian.AppendUint64(b, uint64(l.MediaID))
	b = binary.LittleEndian.AppendUint64(b, uint64(l.AccessHash))

	if l.Type.isPhotoLike() {
		switch {
		case l.Chat != nil:
			source := SourceChatPhotoSmall
			if l.Chat.Big {
				source = SourceChatPhotoBig
			}
			b = binary.LittleEndian.AppendUint32(b, uint32(source))
			b = binary.LittleEndian.AppendUint64(b, uint64(l.Chat.ChatID))
			b = binary.LittleEndian.AppendUint64(b, uint64(l.Chat.ChatAccessHash))
			b = binary.LittleEndian.AppendUint64(b, uint64(l.Chat.VolumeID))
			b = binary.LittleEndian.AppendUint32(b, uint32(l.Chat.LocalID))
		default:
			size := []rune(l.ThumbSize)
			if len(size) != 1 {
				return "", fmt.Errorf("%w: thumbnail size %q", ErrInvalidToken, l.ThumbSize)
			}
			b = binary.LittleEndian.AppendUint32(b, uint32(SourceThumbnail))
			b = binary.LittleEndian.AppendUint32(b, uint32(l.ThumbFileType))
			b = binary.LittleEndian.AppendUint32(b, uint32(size[0]))
		}
	}

	b = append(b, tokenSubVersion, tokenVersion)
	return base64.RawURLEncoding.EncodeToString(rleEncode(b)), nil
}

// rleEncode compresses runs of zero bytes into 0x00, n pairs.
func rleEncode(b []byte) []byte {
	out := make([]byte, 0, len(b))
	zeros := 0
	for _, c := range b {
		if c == 0 {
			zeros++
			if zeros == 255 {
				out = append(out, 0, byte(zeros))
				zeros = 0
			}
			continue
		}
		if zeros > 0 {
			out = append(out, 0, byte(zeros))
			zeros = 0
		}
		out = append(out, c)
	}
	if zeros > 0 {
		out = append(out, 0, byte(zeros))
	}
	return out
}

func rleDecode(b []byte) []byte {
	out := make([]byte, 0, len(b)*2)
	for i := 0; i < len(b); i++ {
		if b[i] != 0 || i+1 == len(b) {
			out = append(out, b[i])
			continue
		}
		i++
		for n := int(b[i]); n > 0; n-- {
			out = append(out, 0)
		}
	}
	return out
}

func appendTLBytes(b, v []byte) []byte {
	n := len(v)
	var header int
	if n <= 253 {
		b = append(b, byte(n))
		header = 1
	} else {
		b = append(b, 254, byte(n), byte(n>>8), byte(n>>16))
		header = 4
	}
	b = append(b, v...)
	for pad := (header + n) % 4; pad != 0 && pad < 4; pad++ {
		b = append(b, 0)
	}
	return b
}

// reader consumes a little-endian payload, recording the first short read.
type reader struct {
	buf []byte
	err error
}

// next returns the following n bytes, or nil once the payload is exhausted.
func (r *reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = fmt.Errorf("%w: payload truncated", ErrInvalidToken)
		r.buf = nil
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *reader) uint32() uint32 {
	b := r.next(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) int32() int32 { return int32(r.uint32()) }

func (r *reader) int64() int64 {
	b := r.next(8)
	if b == nil {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(b))
}

func (r *reader) tlBytes() []byte {
	b := r.next(1)
	if b == nil {
		return nil
	}
	n := int(b[0])
	header := 1
	if n == 254 {
		l := r.next(3)
		if l == nil {
			return nil
		}
		n = int(l[0]) | int(l[1])<<8 | int(l[2])<<16
		header = 4
	}
	v := r.next(n)
	if v == nil {
		return nil
	}
	v = append([]byte(nil), v...)
	if pad := (header + n) % 4; pad != 0 {
		r.next(4 - pad)
	}
	return v
}
