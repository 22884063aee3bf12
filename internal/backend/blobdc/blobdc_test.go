package blobdc

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OtakuFlix/Telestore/internal/backend"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()

	client, err := New(Options{
		Identity:  "relay",
		Secret:    []byte("test-secret"),
		PrimaryDC: 2,
		Datacenters: map[backend.DC]string{
			2: "file://" + t.TempDir(),
			4: "file://" + t.TempDir(),
		},
	})
	require.NoError(t, err)
	return client
}

func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 253)
	}
	return data
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{Secret: []byte("s"), PrimaryDC: 1, Datacenters: map[backend.DC]string{1: "mem://"}})
	assert.Error(t, err)

	_, err = New(Options{Identity: "a", PrimaryDC: 1, Datacenters: map[backend.DC]string{1: "mem://"}})
	assert.Error(t, err)

	_, err = New(Options{Identity: "a", Secret: []byte("s"), PrimaryDC: 3, Datacenters: map[backend.DC]string{1: "mem://"}})
	assert.ErrorIs(t, err, backend.ErrUnknownDC)
}

func TestPrimaryConnReadsFile(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	loc := backend.DocumentLocation{ID: 42, AccessHash: 7}
	data := pattern(3*backend.MaxChunkSize/2 + 100)
	require.NoError(t, client.Put(ctx, 2, loc, bytes.NewReader(data), "video/mp4"))

	key, err := client.AuthKey(ctx)
	require.NoError(t, err)
	conn, err := client.Dial(ctx, 2, key)
	require.NoError(t, err)
	defer conn.Close()

	first, err := conn.GetFile(ctx, loc, 0, backend.MaxChunkSize)
	require.NoError(t, err)
	assert.Equal(t, data[:backend.MaxChunkSize], first)

	last, err := conn.GetFile(ctx, loc, backend.MaxChunkSize, backend.MaxChunkSize)
	require.NoError(t, err)
	assert.Equal(t, data[backend.MaxChunkSize:], last)

	past, err := conn.GetFile(ctx, loc, 2*backend.MaxChunkSize, backend.MaxChunkSize)
	require.NoError(t, err)
	assert.Empty(t, past)
}

func TestGetFileErrors(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	loc := backend.PhotoLocation{ID: 1, AccessHash: 5, ThumbSize: "y"}
	require.NoError(t, client.Put(ctx, 2, loc, bytes.NewReader(pattern(10)), "image/jpeg"))

	key, err := client.AuthKey(ctx)
	require.NoError(t, err)
	conn, err := client.Dial(ctx, 2, key)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.GetFile(ctx, backend.PhotoLocation{ID: 2, ThumbSize: "y"}, 0, 4096)
	assert.ErrorIs(t, err, backend.ErrFileNotFound)

	_, err = conn.GetFile(ctx, backend.PhotoLocation{ID: 1, AccessHash: 6, ThumbSize: "y"}, 0, 4096)
	assert.ErrorIs(t, err, backend.ErrFileNotFound)

	_, err = conn.GetFile(ctx, loc, 100, 4096)
	assert.ErrorIs(t, err, backend.ErrInvalidLimit)

	got, err := conn.GetFile(ctx, loc, 0, 4096)
	require.NoError(t, err)
	assert.Equal(t, pattern(10), got)
}

func TestForeignConnNeedsImport(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	loc := backend.PeerPhotoLocation{
		Peer:    backend.InputPeer{Type: "channel", ID: 1234567890},
		PhotoID: 99,
		Big:     true,
	}
	require.NoError(t, client.Put(ctx, 4, loc, bytes.NewReader(pattern(5000)), "image/jpeg"))

	primaryKey, err := client.AuthKey(ctx)
	require.NoError(t, err)
	primary, err := client.Dial(ctx, 2, primaryKey)
	require.NoError(t, err)
	defer primary.Close()

	key, err := client.CreateAuthKey(ctx, 4)
	require.NoError(t, err)
	assert.Len(t, key, 256)

	foreign, err := client.Dial(ctx, 4, key)
	require.NoError(t, err)
	defer foreign.Close()

	_, err = foreign.GetFile(ctx, loc, 0, 8192)
	require.ErrorIs(t, err, backend.ErrUnauthorized)

	_, err = foreign.ExportAuthorization(ctx, 2)
	require.ErrorIs(t, err, backend.ErrUnauthorized)

	auth, err := primary.ExportAuthorization(ctx, 4)
	require.NoError(t, err)
	require.NoError(t, foreign.ImportAuthorization(ctx, auth))

	got, err := foreign.GetFile(ctx, loc, 0, 8192)
	require.NoError(t, err)
	assert.Equal(t, pattern(5000), got)
}

func TestImportRejectsForeignAuthorization(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	primaryKey, err := client.AuthKey(ctx)
	require.NoError(t, err)
	primary, err := client.Dial(ctx, 2, primaryKey)
	require.NoError(t, err)
	defer primary.Close()

	foreign, err := client.Dial(ctx, 4, []byte("garbage"))
	require.NoError(t, err)
	defer foreign.Close()

	// Exported for the wrong datacenter.
	auth, err := primary.ExportAuthorization(ctx, 2)
	require.NoError(t, err)
	assert.ErrorIs(t, foreign.ImportAuthorization(ctx, auth), backend.ErrUnauthorized)

	// Tampered id.
	auth, err = primary.ExportAuthorization(ctx, 4)
	require.NoError(t, err)
	auth.ID++
	assert.ErrorIs(t, foreign.ImportAuthorization(ctx, auth), backend.ErrUnauthorized)

	assert.ErrorIs(t, foreign.ImportAuthorization(ctx, nil), backend.ErrUnauthorized)
}

func TestImportRejectsExpiredAuthorization(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	client.opts.ExportTTL = -time.Minute

	primaryKey, err := client.AuthKey(ctx)
	require.NoError(t, err)
	primary, err := client.Dial(ctx, 2, primaryKey)
	require.NoError(t, err)
	defer primary.Close()

	foreign, err := client.Dial(ctx, 4, nil)
	require.NoError(t, err)
	defer foreign.Close()

	auth, err := primary.ExportAuthorization(ctx, 4)
	require.NoError(t, err)
	assert.ErrorIs(t, foreign.ImportAuthorization(ctx, auth), backend.ErrUnauthorized)
}

func TestDialUnknownDC(t *testing.T) {
	client := newTestClient(t)

	_, err := client.Dial(context.Background(), 9, nil)
	assert.ErrorIs(t, err, backend.ErrUnknownDC)

	_, err = client.CreateAuthKey(context.Background(), 9)
	assert.ErrorIs(t, err, backend.ErrUnknownDC)
}

func TestObjectKey(t *testing.T) {
	tests := []struct {
		loc  backend.Location
		want string
	}{
		{backend.DocumentLocation{ID: 1}, "documents/1"},
		{backend.DocumentLocation{ID: 1, ThumbSize: "m"}, "documents/1/m"},
		{backend.PhotoLocation{ID: 2, ThumbSize: "x"}, "photos/2/x"},
		{backend.PeerPhotoLocation{Peer: backend.InputPeer{Type: "user", ID: 5}, PhotoID: 6}, "peers/user/5/6/small"},
		{backend.PeerPhotoLocation{Peer: backend.InputPeer{Type: "chat", ID: 5}, PhotoID: 6, Big: true}, "peers/chat/5/6/big"},
	}

	for _, tt := range tests {
		got, err := ObjectKey(tt.loc)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}
