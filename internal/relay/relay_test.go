package relay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OtakuFlix/Telestore/internal/backend"
	"github.com/OtakuFlix/Telestore/internal/catalog"
	"github.com/OtakuFlix/Telestore/internal/fetch"
	"github.com/OtakuFlix/Telestore/internal/locator"
	"github.com/OtakuFlix/Telestore/internal/logging"
	"github.com/OtakuFlix/Telestore/internal/session"
)

// memBackend serves documents from memory and records every chunk request.
type memBackend struct {
	mu               sync.Mutex
	files            map[int64][]byte
	offsets          []int64
	unauthorizedOnce bool
	failFrom         int64
}

func (b *memBackend) PrimaryDC(context.Context) (backend.DC, error) { return 2, nil }

func (b *memBackend) AuthKey(context.Context) ([]byte, error) { return []byte("key"), nil }

func (b *memBackend) CreateAuthKey(context.Context, backend.DC) ([]byte, error) {
	return []byte("fresh"), nil
}

func (b *memBackend) Dial(_ context.Context, dc backend.DC, _ []byte) (backend.Conn, error) {
	return &memConn{b: b, dc: dc}, nil
}

func (b *memBackend) requests() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int64(nil), b.offsets...)
}

type memConn struct {
	b  *memBackend
	dc backend.DC
}

func (c *memConn) DC() backend.DC { return c.dc }

func (c *memConn) GetFile(_ context.Context, loc backend.Location, offset, limit int64) ([]byte, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	c.b.offsets = append(c.b.offsets, offset)
	if c.b.unauthorizedOnce {
		c.b.unauthorizedOnce = false
		return nil, backend.ErrUnauthorized
	}
	if c.b.failFrom > 0 && offset >= c.b.failFrom {
		return nil, errors.New("connection reset")
	}

	doc, ok := loc.(backend.DocumentLocation)
	if !ok {
		return nil, backend.ErrFileNotFound
	}
	data, ok := c.b.files[doc.ID]
	if !ok {
		return nil, backend.ErrFileNotFound
	}
	if offset >= int64(len(data)) {
		return []byte{}, nil
	}
	return data[offset:min(offset+limit, int64(len(data)))], nil
}

func (c *memConn) ExportAuthorization(context.Context, backend.DC) (*backend.ExportedAuthorization, error) {
	return &backend.ExportedAuthorization{ID: 1}, nil
}

func (c *memConn) ImportAuthorization(context.Context, *backend.ExportedAuthorization) error {
	return nil
}

func (c *memConn) Close() error { return nil }

const (
	videoID  = "aaaaaaaaaaaaaaaaaaaaaaaa"
	largeID  = "bbbbbbbbbbbbbbbbbbbbbbbb"
	brokenID = "cccccccccccccccccccccccc"
	goneID   = "dddddddddddddddddddddddd"
	emptyID  = "eeeeeeeeeeeeeeeeeeeeeeee"
)

type testEnv struct {
	server  *httptest.Server
	backend *memBackend
	store   *catalog.MemoryStore
	pool    *session.Pool
	data    map[string][]byte
}

func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func token(t *testing.T, mediaID int64) string {
	t.Helper()
	tok, err := locator.Encode(&locator.Locator{Type: locator.TypeVideo, DC: 2, MediaID: mediaID, AccessHash: 1})
	require.NoError(t, err)
	return tok
}

func newEnv(t *testing.T, chunkSize int64, start bool) *testEnv {
	t.Helper()
	ctx := context.Background()

	env := &testEnv{
		backend: &memBackend{files: map[int64][]byte{}},
		store:   catalog.NewMemoryStore(),
		data:    map[string][]byte{},
	}

	add := func(id string, mediaID int64, size int, name, mimeType string) {
		data := pattern(size)
		env.backend.files[mediaID] = data
		env.data[id] = data
		require.NoError(t, env.store.Put(ctx, &catalog.FileMetadata{
			ID: id, Name: name, MimeType: mimeType, Size: int64(size),
			Token: token(t, mediaID), DC: 2, Kind: "document",
		}))
	}
	add(videoID, 1, 12345, "clip.mp4", "video/mp4")
	add(largeID, 2, 2500000, "movie.mkv", "")
	add(emptyID, 4, 0, "empty.bin", "")
	require.NoError(t, env.store.Put(ctx, &catalog.FileMetadata{
		ID: brokenID, Name: "broken", Size: 10, Token: "%%%", DC: 2,
	}))
	require.NoError(t, env.store.Put(ctx, &catalog.FileMetadata{
		ID: goneID, Name: "gone", Size: 10, Token: token(t, 3), DC: 2,
	}))

	env.pool = session.NewPool(env.backend, logging.Discard(), session.WithAuthBackoff(0))
	if start {
		require.NoError(t, env.pool.Start(ctx))
	}
	t.Cleanup(func() { env.pool.Close() })

	handler := New(env.store, env.pool, fetch.New(time.Second), logging.Discard(), Options{ChunkSize: chunkSize})
	env.server = httptest.NewServer(handler)
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) get(t *testing.T, method, path, rangeHeader string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, nil)
	require.NoError(t, err)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestStreamWholeFile(t *testing.T) {
	env := newEnv(t, 4096, true)

	resp, body := env.get(t, http.MethodGet, "/"+videoID, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "12345", resp.Header.Get("Content-Length"))
	assert.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))
	assert.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))
	assert.Equal(t, `inline; filename=clip.mp4`, resp.Header.Get("Content-Disposition"))
	assert.Empty(t, resp.Header.Get("Content-Range"))
	assert.Equal(t, env.data[videoID], body)
	assert.Equal(t, []int64{0, 4096, 8192, 12288}, env.backend.requests())

	meta, err := env.store.Get(context.Background(), videoID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, meta.Views)
	assert.EqualValues(t, 0, meta.Downloads)
}

func TestStreamRange(t *testing.T) {
	env := newEnv(t, 1000000, true)

	resp, body := env.get(t, http.MethodGet, "/"+largeID, "bytes=500000-1500000")
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "bytes 500000-1500000/2500000", resp.Header.Get("Content-Range"))
	assert.Equal(t, "1000001", resp.Header.Get("Content-Length"))
	assert.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))
	require.Len(t, body, 1000001)
	assert.Equal(t, env.data[largeID][500000], body[0])
	assert.Equal(t, env.data[largeID][1500000], body[len(body)-1])
	assert.Equal(t, env.data[largeID][500000:1500001], body)
	assert.Equal(t, []int64{0, 1000000}, env.backend.requests())
}

func TestStreamRangeForms(t *testing.T) {
	env := newEnv(t, 4096, true)
	data := env.data[videoID]

	tests := []struct {
		header       string
		contentRange string
		want         []byte
	}{
		{"bytes=0-0", "bytes 0-0/12345", data[:1]},
		{"bytes=12000-", "bytes 12000-12344/12345", data[12000:]},
		{"bytes=-100", "bytes 12245-12344/12345", data[12245:]},
		{"bytes=4096-8191", "bytes 4096-8191/12345", data[4096:8192]},
		{"bytes=0-12344", "bytes 0-12344/12345", data},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			resp, body := env.get(t, http.MethodGet, "/"+videoID, tt.header)
			assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
			assert.Equal(t, tt.contentRange, resp.Header.Get("Content-Range"))
			assert.Equal(t, tt.want, body)
		})
	}
}

func TestDownload(t *testing.T) {
	env := newEnv(t, 1<<20, true)

	resp, body := env.get(t, http.MethodGet, "/dl/"+largeID, "bytes=2000000-")
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, `attachment; filename=movie.mkv`, resp.Header.Get("Content-Disposition"))
	assert.Equal(t, "bytes 2000000-2499999/2500000", resp.Header.Get("Content-Range"))
	assert.Equal(t, env.data[largeID][2000000:], body)

	meta, err := env.store.Get(context.Background(), largeID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, meta.Downloads)
	assert.EqualValues(t, 0, meta.Views)
}

func TestErrorStatuses(t *testing.T) {
	env := newEnv(t, 4096, true)

	tests := []struct {
		name   string
		path   string
		header string
		status int
	}{
		{"invalid id", "/not-an-id", "", http.StatusBadRequest},
		{"uppercase id", "/AAAAAAAAAAAAAAAAAAAAAAAA", "", http.StatusBadRequest},
		{"unknown id", "/ffffffffffffffffffffffff", "", http.StatusNotFound},
		{"undecodable token", "/" + brokenID, "", http.StatusNotFound},
		{"missing remote file", "/" + goneID, "", http.StatusNotFound},
		{"malformed range", "/" + videoID, "bytes=abc", http.StatusBadRequest},
		{"multiple ranges", "/" + videoID, "bytes=0-1,5-6", http.StatusBadRequest},
		{"end at size", "/" + videoID, "bytes=0-12345", http.StatusRequestedRangeNotSatisfiable},
		{"start at size", "/" + videoID, "bytes=12345-", http.StatusRequestedRangeNotSatisfiable},
		{"end before start", "/" + videoID, "bytes=100-50", http.StatusRequestedRangeNotSatisfiable},
		{"empty file", "/" + emptyID, "", http.StatusRequestedRangeNotSatisfiable},
		{"download unknown id", "/dl/ffffffffffffffffffffffff", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.get(t, http.MethodGet, tt.path, tt.header)
			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.status == http.StatusRequestedRangeNotSatisfiable {
				assert.Empty(t, body)
				assert.Empty(t, resp.Header.Get("Content-Range"))
			} else {
				assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
			}
		})
	}
}

func TestNotReady(t *testing.T) {
	env := newEnv(t, 4096, false)

	resp, _ := env.get(t, http.MethodGet, "/"+videoID, "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, _ = env.get(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	require.NoError(t, env.pool.Start(context.Background()))

	resp, _ = env.get(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = env.get(t, http.MethodGet, "/"+videoID, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHead(t *testing.T) {
	env := newEnv(t, 4096, true)

	resp, body := env.get(t, http.MethodHead, "/"+videoID, "bytes=100-199")
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "100", resp.Header.Get("Content-Length"))
	assert.Equal(t, "bytes 100-199/12345", resp.Header.Get("Content-Range"))
	assert.Empty(t, body)
	assert.Empty(t, env.backend.requests())
}

func TestUnauthorizedFirstChunkIsRetried(t *testing.T) {
	env := newEnv(t, 4096, true)
	env.backend.mu.Lock()
	env.backend.unauthorizedOnce = true
	env.backend.mu.Unlock()

	resp, body := env.get(t, http.MethodGet, "/"+videoID, "bytes=0-99")
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, env.data[videoID][:100], body)
	assert.Equal(t, []int64{0, 0}, env.backend.requests())
}

func TestFirstChunkFailure(t *testing.T) {
	env := newEnv(t, 4096, true)
	env.backend.mu.Lock()
	env.backend.failFrom = 1
	env.backend.mu.Unlock()

	resp, body := env.get(t, http.MethodGet, "/"+videoID, "bytes=5000-6000")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), "error")
	assert.Empty(t, resp.Header.Get("Content-Range"))

	meta, err := env.store.Get(context.Background(), videoID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, meta.Views)
}

func TestMidStreamFailureAbortsConnection(t *testing.T) {
	env := newEnv(t, 4096, true)
	env.backend.mu.Lock()
	env.backend.failFrom = 8192
	env.backend.mu.Unlock()

	resp, err := http.Get(env.server.URL + "/" + videoID)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(12345), resp.ContentLength)

	body, err := io.ReadAll(resp.Body)
	assert.Error(t, err)
	assert.Less(t, len(body), 12345)
	assert.Equal(t, env.data[videoID][:len(body)], body)
}

func TestCORSAndRequestID(t *testing.T) {
	env := newEnv(t, 4096, true)

	resp, _ := env.get(t, http.MethodOptions, "/"+videoID, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Expose-Headers"), "Content-Range")
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), "Range")

	resp, _ = env.get(t, http.MethodGet, "/health", "")
	assert.Len(t, resp.Header.Get("X-Request-ID"), 36)
}

func TestInfo(t *testing.T) {
	env := newEnv(t, 4096, true)

	resp, body := env.get(t, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"download":"/dl/{fileID}"`)
}
