// Package fetch reads single chunks of a located file through a session.
package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/OtakuFlix/Telestore/internal/backend"
	"github.com/OtakuFlix/Telestore/internal/locator"
	"github.com/OtakuFlix/Telestore/internal/session"
	"github.com/OtakuFlix/Telestore/pkg/chunked"
)

// DefaultTimeout bounds one remote chunk request.
const DefaultTimeout = 30 * time.Second

// Location maps a decoded locator to its backend address. It panics on a
// kind the locator package cannot produce.
func Location(l *locator.Locator) backend.Location {
	switch l.Kind {
	case locator.KindDocument:
		return backend.DocumentLocation{
			ID:            l.MediaID,
			AccessHash:    l.AccessHash,
			FileReference: l.FileReference,
			ThumbSize:     l.ThumbSize,
		}
	case locator.KindPhoto:
		return backend.PhotoLocation{
			ID:            l.MediaID,
			AccessHash:    l.AccessHash,
			FileReference: l.FileReference,
			ThumbSize:     l.ThumbSize,
		}
	case locator.KindChatPhoto:
		peerType, peerID := l.Chat.Peer()
		return backend.PeerPhotoLocation{
			Peer: backend.InputPeer{
				Type:       peerType.String(),
				ID:         peerID,
				AccessHash: l.Chat.ChatAccessHash,
			},
			PhotoID:  l.MediaID,
			VolumeID: l.Chat.VolumeID,
			LocalID:  l.Chat.LocalID,
			Big:      l.Chat.Big,
		}
	default:
		panic(fmt.Sprintf("fetch: unknown locator kind %v", l.Kind))
	}
}

// Fetcher issues single bounded chunk requests. Failures are returned to the
// caller as they are; nothing is retried here.
type Fetcher struct {
	timeout time.Duration
}

// New returns a Fetcher. A non-positive timeout selects DefaultTimeout.
func New(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Fetcher{timeout: timeout}
}

// Fetch reads up to limit bytes of loc starting at offset.
func (f *Fetcher) Fetch(ctx context.Context, s *session.Session, loc backend.Location, offset, limit int64) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	data, err := s.GetFile(ctx, loc, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch dc %d offset %d: %w", s.DC(), offset, err)
	}
	return data, nil
}

// Bind returns a chunked.Fetcher reading loc through s.
func (f *Fetcher) Bind(s *session.Session, loc backend.Location) chunked.Fetcher {
	return chunked.FetcherFunc(func(ctx context.Context, offset, limit int64) ([]byte, error) {
		return f.Fetch(ctx, s, loc, offset, limit)
	})
}
