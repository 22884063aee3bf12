// Package relay serves catalogued files over HTTP with byte-range support,
// fetching their bytes chunk by chunk from the backend.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"

	"github.com/OtakuFlix/Telestore/internal/backend"
	"github.com/OtakuFlix/Telestore/internal/catalog"
	"github.com/OtakuFlix/Telestore/internal/fetch"
	relayhttp "github.com/OtakuFlix/Telestore/internal/http"
	"github.com/OtakuFlix/Telestore/internal/locator"
	"github.com/OtakuFlix/Telestore/internal/logging"
	"github.com/OtakuFlix/Telestore/internal/session"
	"github.com/OtakuFlix/Telestore/pkg/chunked"
)

// errUpstream marks failures reaching the backend before the response
// started.
var errUpstream = errors.New("relay: backend unavailable")

const (
	defaultStreamType   = "video/mp4"
	defaultDownloadType = "application/octet-stream"
)

// Sessions is the part of the session pool the relay uses.
type Sessions interface {
	Ready() bool
	Acquire(ctx context.Context, dc backend.DC) (*session.Session, error)
	Reauthorize(ctx context.Context, dc backend.DC) error
}

// mode selects how a file is presented to the client.
type mode int

const (
	modeStream mode = iota
	modeDownload
)

func (m mode) disposition() string {
	if m == modeDownload {
		return "attachment"
	}
	return "inline"
}

// Options configures a Handler.
type Options struct {
	// ChunkSize is the fixed size of backend requests.
	// Default: chunked.DefaultChunkSize
	ChunkSize int64

	// BaseURL is advertised by the API info endpoint.
	BaseURL string
}

// Handler serves the relay routes.
type Handler struct {
	store    catalog.Store
	sessions Sessions
	fetcher  *fetch.Fetcher
	opts     Options
	logger   logging.Logger
	mux      *http.ServeMux
}

// New returns a Handler with its routes and middleware installed.
func New(store catalog.Store, sessions Sessions, fetcher *fetch.Fetcher, logger logging.Logger, opts Options) http.Handler {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = chunked.DefaultChunkSize
	}

	h := &Handler{
		store:    store,
		sessions: sessions,
		fetcher:  fetcher,
		opts:     opts,
		logger:   logger.With("module", "relay"),
		mux:      http.NewServeMux(),
	}

	h.mux.HandleFunc("GET /{$}", h.handleInfo)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /dl/{fileID}", func(w http.ResponseWriter, r *http.Request) {
		h.serveFile(w, r, modeDownload)
	})
	h.mux.HandleFunc("GET /{fileID}", func(w http.ResponseWriter, r *http.Request) {
		h.serveFile(w, r, modeStream)
	})

	return requestID(accessLog(h.logger, cors(h.mux)))
}

func (h *Handler) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":     "telestore",
		"base_url": h.opts.BaseURL,
		"endpoints": map[string]string{
			"stream":   "/{fileID}",
			"download": "/dl/{fileID}",
			"health":   "/health",
		},
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !h.sessions.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "starting", "ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "ready": true})
}

// serveFile answers a stream or download request. Every error is reported
// with a status before the first body byte; a failure after that aborts the
// connection.
func (h *Handler) serveFile(w http.ResponseWriter, r *http.Request, m mode) {
	ctx := r.Context()
	id := r.PathValue("fileID")

	if !catalog.ValidID(id) {
		h.fail(w, r, catalog.ErrInvalidID)
		return
	}
	if !h.sessions.Ready() {
		h.fail(w, r, session.ErrNotReady)
		return
	}

	meta, err := h.store.Get(ctx, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	loc, err := locator.Decode(meta.Token)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	br, partial, err := relayhttp.ParseRange(r.Header.Get("Range"), meta.Size)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	plan, err := chunked.NewPlan(br.Start, br.End, meta.Size, h.opts.ChunkSize)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	status := http.StatusOK
	if partial {
		status = http.StatusPartialContent
	}

	if r.Method == http.MethodHead {
		h.setHeaders(w, meta, plan, m, partial)
		w.WriteHeader(status)
		return
	}

	dc := backend.DC(loc.DC)
	if dc == 0 {
		dc = backend.DC(meta.DC)
	}
	target := fetch.Location(loc)

	stream, first, err := h.open(ctx, dc, target, plan)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		h.fail(w, r, fmt.Errorf("%w: %w", errUpstream, err))
		return
	}

	h.count(ctx, id, m)

	h.setHeaders(w, meta, plan, m, partial)
	w.WriteHeader(status)
	if _, err := w.Write(first); err != nil {
		return
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	if _, err := stream.CopyTo(ctx, w); err != nil {
		if ctx.Err() != nil {
			h.logger.Debug(ctx, "client went away", "file_id", id, "emitted", stream.Emitted())
			return
		}
		h.logger.Error(ctx, "stream failed after headers",
			"file_id", id, "dc", int(dc), "emitted", stream.Emitted(), "error", err)
		panic(http.ErrAbortHandler)
	}
}

// open acquires the session for dc and fetches the first chunk, so that
// backend failures can still be reported with a status code. An unauthorized
// session is reauthorized and the chunk retried once.
func (h *Handler) open(ctx context.Context, dc backend.DC, target backend.Location, plan chunked.Plan) (*chunked.Stream, []byte, error) {
	s, err := h.sessions.Acquire(ctx, dc)
	if err != nil {
		return nil, nil, err
	}

	stream := chunked.NewStream(plan, h.fetcher.Bind(s, target))
	first, err := stream.Next(ctx)
	if err == nil || !errors.Is(err, backend.ErrUnauthorized) {
		return stream, first, err
	}

	h.logger.Warn(ctx, "session unauthorized, reauthorizing", "dc", int(dc))
	if err := h.sessions.Reauthorize(ctx, dc); err != nil {
		return nil, nil, err
	}

	stream = chunked.NewStream(plan, h.fetcher.Bind(s, target))
	first, err = stream.Next(ctx)
	return stream, first, err
}

func (h *Handler) setHeaders(w http.ResponseWriter, meta *catalog.FileMetadata, plan chunked.Plan, m mode, partial bool) {
	contentType := meta.MimeType
	if contentType == "" {
		contentType = defaultStreamType
		if m == modeDownload {
			contentType = defaultDownloadType
		}
	}

	header := w.Header()
	header.Set("Accept-Ranges", "bytes")
	header.Set("Content-Type", contentType)
	header.Set("Content-Length", strconv.FormatInt(plan.TotalLength, 10))
	if partial {
		header.Set("Content-Range", relayhttp.FormatContentRange(plan.Start, plan.End, plan.Size))
	}
	if meta.Name != "" {
		header.Set("Content-Disposition", mime.FormatMediaType(m.disposition(), map[string]string{"filename": meta.Name}))
	} else {
		header.Set("Content-Disposition", m.disposition())
	}
}

// count records a view or download. Failures do not affect the response.
func (h *Handler) count(ctx context.Context, id string, m mode) {
	var err error
	if m == modeDownload {
		err = h.store.IncrementDownloads(ctx, id)
	} else {
		err = h.store.IncrementViews(ctx, id)
	}
	if err != nil {
		h.logger.Warn(ctx, "failed to update counters", "file_id", id, "error", err)
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		h.logger.Error(r.Context(), "request failed", "path", r.URL.Path, "status", status, "error", err)
	} else {
		h.logger.Debug(r.Context(), "request rejected", "path", r.URL.Path, "status", status, "error", err)
	}

	if status == http.StatusRequestedRangeNotSatisfiable {
		// No body and no Content-Range.
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(status)
		return
	}
	writeJSON(w, status, map[string]string{"error": http.StatusText(status)})
}

// statusFor maps an error to its response status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, catalog.ErrInvalidID), errors.Is(err, relayhttp.ErrMalformedRange):
		return http.StatusBadRequest
	case errors.Is(err, catalog.ErrNotFound),
		errors.Is(err, locator.ErrInvalidToken),
		errors.Is(err, locator.ErrUnsupportedVersion),
		errors.Is(err, locator.ErrUnsupportedType),
		errors.Is(err, backend.ErrFileNotFound):
		return http.StatusNotFound
	case errors.Is(err, chunked.ErrRangeNotSatisfiable):
		return http.StatusRequestedRangeNotSatisfiable
	case errors.Is(err, session.ErrNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, chunked.ErrTruncated),
		errors.Is(err, chunked.ErrOversizedChunk),
		errors.Is(err, backend.ErrUnauthorized),
		errors.Is(err, backend.ErrInvalidLimit),
		errors.Is(err, backend.ErrUnknownDC),
		errors.Is(err, errUpstream):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
