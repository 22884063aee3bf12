package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/OtakuFlix/Telestore/internal/backend/blobdc"
	"github.com/OtakuFlix/Telestore/internal/fetch"
	"github.com/OtakuFlix/Telestore/internal/locator"
)

// runInspect decodes a locator token and prints its fields.
func runInspect(args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)

	asJSON := fs.Bool("json", false, "Print as JSON")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: telestore inspect [options] <token>

Decode a file locator token.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return ExitInvalidArgs
	}

	if err := describeToken(os.Stdout, fs.Arg(0), *asJSON); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	return ExitSuccess
}

type tokenInfo struct {
	Type          int32  `json:"type"`
	Kind          string `json:"kind"`
	DC            int    `json:"dc"`
	MediaID       int64  `json:"media_id"`
	AccessHash    int64  `json:"access_hash"`
	FileReference []byte `json:"file_reference,omitempty"`
	ThumbSize     string `json:"thumb_size,omitempty"`
	Peer          string `json:"peer,omitempty"`
	PeerID        int64  `json:"peer_id,omitempty"`
	ObjectKey     string `json:"object_key"`
}

func describeToken(w io.Writer, token string, asJSON bool) error {
	loc, err := locator.Decode(token)
	if err != nil {
		return err
	}
	key, err := blobdc.ObjectKey(fetch.Location(loc))
	if err != nil {
		return err
	}

	info := tokenInfo{
		Type:          int32(loc.Type),
		Kind:          loc.Kind.String(),
		DC:            loc.DC,
		MediaID:       loc.MediaID,
		AccessHash:    loc.AccessHash,
		FileReference: loc.FileReference,
		ThumbSize:     loc.ThumbSize,
		ObjectKey:     key,
	}
	if loc.Chat != nil {
		peer, id := loc.Chat.Peer()
		info.Peer = peer.String()
		info.PeerID = id
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}

	fmt.Fprintf(w, "type:        %d\n", info.Type)
	fmt.Fprintf(w, "kind:        %s\n", info.Kind)
	fmt.Fprintf(w, "dc:          %d\n", info.DC)
	fmt.Fprintf(w, "media id:    %d\n", info.MediaID)
	fmt.Fprintf(w, "access hash: %d\n", info.AccessHash)
	if len(info.FileReference) > 0 {
		fmt.Fprintf(w, "file ref:    %x\n", info.FileReference)
	}
	if info.ThumbSize != "" {
		fmt.Fprintf(w, "thumb size:  %s\n", info.ThumbSize)
	}
	if info.Peer != "" {
		fmt.Fprintf(w, "peer:        %s %d\n", info.Peer, info.PeerID)
	}
	fmt.Fprintf(w, "object key:  %s\n", info.ObjectKey)
	return nil
}
