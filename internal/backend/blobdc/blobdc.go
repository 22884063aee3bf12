// Package blobdc implements backend.Client on top of gocloud blob buckets,
// one bucket per datacenter.
//
// Authorization keys and exported authorizations are HS256 JWTs signed with a
// shared secret. A connection dialled with a key that does not verify for its
// datacenter is open but unauthorized until an exported authorization is
// imported into it.
//
// Bucket URLs use the gocloud scheme of the provider:
//
//	s3://media-dc2?region=eu-central-1
//	gs://media-dc4
//	file:///var/lib/telestore/dc1
package blobdc

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"

	"github.com/OtakuFlix/Telestore/internal/backend"
)

const (
	issuer = "telestore"

	// accessHashKey is the object metadata entry checked against the
	// requested access hash.
	accessHashKey = "access-hash"
)

// Options configures a Client.
type Options struct {
	// Identity is the account the keys are issued to.
	Identity string

	// Secret signs authorization keys and exports.
	Secret []byte

	PrimaryDC backend.DC

	// Datacenters maps each datacenter to its bucket URL.
	Datacenters map[backend.DC]string

	// ExportTTL bounds how long an exported authorization can be imported.
	// Default: 1m
	ExportTTL time.Duration
}

// Client is a backend.Client backed by blob buckets.
type Client struct {
	opts Options
}

var _ backend.Client = (*Client)(nil)

// New validates opts and returns a Client.
func New(opts Options) (*Client, error) {
	if opts.Identity == "" {
		return nil, errors.New("blobdc: identity is required")
	}
	if len(opts.Secret) == 0 {
		return nil, errors.New("blobdc: secret is required")
	}
	if _, ok := opts.Datacenters[opts.PrimaryDC]; !ok {
		return nil, fmt.Errorf("blobdc: primary dc %d: %w", opts.PrimaryDC, backend.ErrUnknownDC)
	}
	if opts.ExportTTL <= 0 {
		opts.ExportTTL = time.Minute
	}
	return &Client{opts: opts}, nil
}

// PrimaryDC returns the configured home datacenter.
func (c *Client) PrimaryDC(context.Context) (backend.DC, error) {
	return c.opts.PrimaryDC, nil
}

// AuthKey issues the account key for the primary datacenter.
func (c *Client) AuthKey(context.Context) ([]byte, error) {
	token, err := c.sign(jwt.RegisteredClaims{
		Issuer:   issuer,
		Subject:  c.opts.Identity,
		Audience: jwt.ClaimStrings{audience(c.opts.PrimaryDC)},
		IssuedAt: jwt.NewNumericDate(time.Now()),
	})
	if err != nil {
		return nil, err
	}
	return []byte(token), nil
}

// CreateAuthKey returns a random key. Connections using it are not authorized.
func (c *Client) CreateAuthKey(_ context.Context, dc backend.DC) ([]byte, error) {
	if _, ok := c.opts.Datacenters[dc]; !ok {
		return nil, fmt.Errorf("blobdc: dc %d: %w", dc, backend.ErrUnknownDC)
	}
	key := make([]byte, 256)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("blobdc: generate key: %w", err)
	}
	return key, nil
}

// Dial opens the bucket of dc.
func (c *Client) Dial(ctx context.Context, dc backend.DC, key []byte) (backend.Conn, error) {
	url, ok := c.opts.Datacenters[dc]
	if !ok {
		return nil, fmt.Errorf("blobdc: dc %d: %w", dc, backend.ErrUnknownDC)
	}

	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("blobdc: open bucket for dc %d: %w", dc, err)
	}

	conn := &Conn{client: c, dc: dc, bucket: bucket}
	if _, err := c.verify(string(key), dc); err == nil {
		conn.authorized.Store(true)
	}
	return conn, nil
}

// Put stores an object in dc under the key of loc. Used to seed buckets.
func (c *Client) Put(ctx context.Context, dc backend.DC, loc backend.Location, r io.Reader, contentType string) error {
	key, err := ObjectKey(loc)
	if err != nil {
		return err
	}
	url, ok := c.opts.Datacenters[dc]
	if !ok {
		return fmt.Errorf("blobdc: dc %d: %w", dc, backend.ErrUnknownDC)
	}

	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return fmt.Errorf("blobdc: open bucket for dc %d: %w", dc, err)
	}
	defer bucket.Close()

	opts := &blob.WriterOptions{ContentType: contentType}
	if hash, ok := accessHash(loc); ok {
		opts.Metadata = map[string]string{accessHashKey: strconv.FormatInt(hash, 10)}
	}

	w, err := bucket.NewWriter(ctx, key, opts)
	if err != nil {
		return fmt.Errorf("blobdc: create %s: %w", key, err)
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("blobdc: write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("blobdc: close %s: %w", key, err)
	}
	return nil
}

type exportClaims struct {
	jwt.RegisteredClaims
}

func (c *Client) sign(claims jwt.RegisteredClaims) (string, error) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, exportClaims{claims}).SignedString(c.opts.Secret)
	if err != nil {
		return "", fmt.Errorf("blobdc: sign: %w", err)
	}
	return token, nil
}

func (c *Client) verify(token string, dc backend.DC, opts ...jwt.ParserOption) (*exportClaims, error) {
	claims := &exportClaims{}
	opts = append(opts,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience(dc)),
		jwt.WithSubject(c.opts.Identity),
		jwt.WithIssuer(issuer),
	)

	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return c.opts.Secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("blobdc: invalid token")
	}
	return claims, nil
}

// Conn is an open datacenter bucket.
type Conn struct {
	client     *Client
	dc         backend.DC
	bucket     *blob.Bucket
	authorized atomic.Bool
}

var _ backend.Conn = (*Conn)(nil)

func (c *Conn) DC() backend.DC { return c.dc }

// GetFile reads [offset, offset+limit) of the object, clamped to its size.
func (c *Conn) GetFile(ctx context.Context, loc backend.Location, offset, limit int64) ([]byte, error) {
	if !c.authorized.Load() {
		return nil, backend.ErrUnauthorized
	}
	if err := backend.ValidateRequest(offset, limit); err != nil {
		return nil, err
	}
	key, err := ObjectKey(loc)
	if err != nil {
		return nil, err
	}

	attrs, err := c.bucket.Attributes(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: %s", backend.ErrFileNotFound, key)
		}
		return nil, fmt.Errorf("blobdc: attributes %s: %w", key, err)
	}
	if want, ok := accessHash(loc); ok {
		if got, ok := attrs.Metadata[accessHashKey]; ok && got != strconv.FormatInt(want, 10) {
			return nil, fmt.Errorf("%w: %s: access hash mismatch", backend.ErrFileNotFound, key)
		}
	}

	if offset >= attrs.Size {
		return []byte{}, nil
	}
	length := min(limit, attrs.Size-offset)

	r, err := c.bucket.NewRangeReader(ctx, key, offset, length, nil)
	if err != nil {
		return nil, fmt.Errorf("blobdc: read %s: %w", key, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("blobdc: read %s: %w", key, err)
	}
	return data, nil
}

// ExportAuthorization mints a short-lived authorization for dc.
func (c *Conn) ExportAuthorization(_ context.Context, dc backend.DC) (*backend.ExportedAuthorization, error) {
	if !c.authorized.Load() {
		return nil, backend.ErrUnauthorized
	}
	if _, ok := c.client.opts.Datacenters[dc]; !ok {
		return nil, fmt.Errorf("blobdc: dc %d: %w", dc, backend.ErrUnknownDC)
	}

	id, err := randomID()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	token, err := c.client.sign(jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   c.client.opts.Identity,
		Audience:  jwt.ClaimStrings{audience(dc)},
		ID:        strconv.FormatInt(id, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(c.client.opts.ExportTTL)),
	})
	if err != nil {
		return nil, err
	}
	return &backend.ExportedAuthorization{ID: id, Bytes: []byte(token)}, nil
}

// ImportAuthorization authorizes the connection if auth was exported for its
// datacenter and has not expired.
func (c *Conn) ImportAuthorization(_ context.Context, auth *backend.ExportedAuthorization) error {
	if auth == nil {
		return backend.ErrUnauthorized
	}
	claims, err := c.client.verify(string(auth.Bytes), c.dc, jwt.WithExpirationRequired())
	if err != nil {
		return fmt.Errorf("%w: %v", backend.ErrUnauthorized, err)
	}
	if claims.ID != strconv.FormatInt(auth.ID, 10) {
		return fmt.Errorf("%w: authorization id mismatch", backend.ErrUnauthorized)
	}
	c.authorized.Store(true)
	return nil
}

func (c *Conn) Close() error {
	return c.bucket.Close()
}

// ObjectKey returns the bucket key holding loc.
func ObjectKey(loc backend.Location) (string, error) {
	switch l := loc.(type) {
	case backend.DocumentLocation:
		if l.ThumbSize != "" {
			return fmt.Sprintf("documents/%d/%s", l.ID, l.ThumbSize), nil
		}
		return fmt.Sprintf("documents/%d", l.ID), nil
	case backend.PhotoLocation:
		if l.ThumbSize != "" {
			return fmt.Sprintf("photos/%d/%s", l.ID, l.ThumbSize), nil
		}
		return fmt.Sprintf("photos/%d", l.ID), nil
	case backend.PeerPhotoLocation:
		size := "small"
		if l.Big {
			size = "big"
		}
		return fmt.Sprintf("peers/%s/%d/%d/%s", l.Peer.Type, l.Peer.ID, l.PhotoID, size), nil
	default:
		return "", fmt.Errorf("blobdc: unsupported location %T", loc)
	}
}

func accessHash(loc backend.Location) (int64, bool) {
	switch l := loc.(type) {
	case backend.DocumentLocation:
		return l.AccessHash, true
	case backend.PhotoLocation:
		return l.AccessHash, true
	}
	return 0, false
}

func audience(dc backend.DC) string {
	return "dc" + strconv.Itoa(int(dc))
}

func randomID() (int64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("blobdc: generate id: %w", err)
	}
	return int64(binary.BigEndian.Uint64(b[:]) >> 1), nil
}
