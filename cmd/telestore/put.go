package main

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"flag"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/OtakuFlix/Telestore/internal/backend"
	"github.com/OtakuFlix/Telestore/internal/catalog"
	"github.com/OtakuFlix/Telestore/internal/config"
	"github.com/OtakuFlix/Telestore/internal/fetch"
	"github.com/OtakuFlix/Telestore/internal/locator"
	"github.com/OtakuFlix/Telestore/internal/logging"
	"github.com/OtakuFlix/Telestore/internal/server"
)

var putTypes = map[string]locator.FileType{
	"video":     locator.TypeVideo,
	"audio":     locator.TypeAudio,
	"voice":     locator.TypeVoice,
	"document":  locator.TypeDocument,
	"animation": locator.TypeAnimation,
	"sticker":   locator.TypeSticker,
}

// runPut stores a local file in a datacenter bucket and registers it in the
// catalog, printing the file id and its locator token.
func runPut(args []string) int {
	fs := flag.NewFlagSet("put", flag.ExitOnError)

	configPath := fs.String("config", "", "Path to YAML config file")
	file := fs.String("file", "", "Local file to store (required)")
	dc := fs.Int("dc", 0, "Datacenter to store the file in (default: primary)")
	name := fs.String("name", "", "File name shown to clients (default: base name of -file)")
	mimeType := fs.String("mime", "", "MIME type (default: guessed from the extension)")
	kind := fs.String("type", "video", "File type: video, audio, voice, document, animation, sticker")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: telestore put [options]

Store a local file in a datacenter bucket and register it in the catalog.
Without a database_dsn the catalog entry is lost on exit; the printed
token can still be registered later.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	if *file == "" {
		fmt.Fprintln(os.Stderr, "Error: -file is required")
		fs.Usage()
		return ExitInvalidArgs
	}
	fileType, ok := putTypes[strings.ToLower(*kind)]
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: unknown type %q\n", *kind)
		return ExitInvalidArgs
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return ExitConfigError
	}

	ctx, cancel := signalContext()
	defer cancel()

	app, err := server.Setup(ctx, cfg, logging.New("warn"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitConfigError
	}
	defer app.Shutdown(context.WithoutCancel(ctx))

	meta, err := putFile(ctx, app, cfg, putRequest{
		Path:     *file,
		DC:       *dc,
		Name:     *name,
		MimeType: *mimeType,
		Type:     fileType,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitStorageError
	}

	fmt.Printf("id:    %s\n", meta.ID)
	fmt.Printf("dc:    %d\n", meta.DC)
	fmt.Printf("size:  %d\n", meta.Size)
	fmt.Printf("token: %s\n", meta.Token)
	if cfg.BaseURL != "" {
		fmt.Printf("url:   %s/%s\n", strings.TrimRight(cfg.BaseURL, "/"), meta.ID)
	}
	return ExitSuccess
}

type putRequest struct {
	Path     string
	DC       int
	Name     string
	MimeType string
	Type     locator.FileType
}

func putFile(ctx context.Context, app *server.App, cfg config.Config, req putRequest) (*catalog.FileMetadata, error) {
	f, err := os.Open(req.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.Size() == 0 {
		return nil, fmt.Errorf("%s is empty", req.Path)
	}

	dc := req.DC
	if dc == 0 {
		dc = cfg.PrimaryDC
	}
	name := req.Name
	if name == "" {
		name = filepath.Base(req.Path)
	}
	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(name))
	}

	token, err := locator.Encode(&locator.Locator{
		Type:       req.Type,
		DC:         dc,
		MediaID:    randomInt64(),
		AccessHash: randomInt64(),
	})
	if err != nil {
		return nil, err
	}
	loc, err := locator.Decode(token)
	if err != nil {
		return nil, err
	}

	if err := app.Backend.Put(ctx, backend.DC(dc), fetch.Location(loc), f, mimeType); err != nil {
		return nil, err
	}

	meta := &catalog.FileMetadata{
		ID:       catalog.NewID(),
		Name:     name,
		MimeType: mimeType,
		Size:     st.Size(),
		Token:    token,
		DC:       dc,
		Kind:     loc.Kind.String(),
	}
	if err := app.Store.Put(ctx, meta); err != nil {
		return nil, fmt.Errorf("register %s: %w", meta.ID, err)
	}
	return meta, nil
}

func randomInt64() int64 {
	var b [8]byte
	rand.Read(b[:])
	return int64(binary.LittleEndian.Uint64(b[:]) >> 1)
}
