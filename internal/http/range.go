package http

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedRange is returned for Range headers that are not a single
// byte range.
var ErrMalformedRange = errors.New("http: malformed range header")

// ByteRange is an inclusive byte range.
type ByteRange struct {
	Start, End int64
}

// Length returns the number of bytes in the range.
func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// ParseRange resolves a Range header against a resource of the given size.
//
// An empty header selects the whole resource and partial is false. The forms
// "bytes=s-e", "bytes=s-" and "bytes=-n" are accepted; "bytes=s-" ends at
// size-1 and "bytes=-n" selects the last n bytes. The returned range is not
// checked against size; callers reject ranges that do not fit.
func ParseRange(header string, size int64) (r ByteRange, partial bool, err error) {
	if header == "" {
		return ByteRange{Start: 0, End: size - 1}, false, nil
	}

	rs, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return ByteRange{}, false, fmt.Errorf("%w: %q", ErrMalformedRange, header)
	}
	rs = strings.TrimSpace(rs)
	if strings.Contains(rs, ",") {
		return ByteRange{}, false, fmt.Errorf("%w: multiple ranges", ErrMalformedRange)
	}

	first, last, ok := strings.Cut(rs, "-")
	if !ok || (first == "" && last == "") {
		return ByteRange{}, false, fmt.Errorf("%w: %q", ErrMalformedRange, header)
	}

	if first == "" {
		n, err := parseOffset(last)
		if err != nil {
			return ByteRange{}, false, fmt.Errorf("%w: %q", ErrMalformedRange, header)
		}
		n = min(n, size)
		return ByteRange{Start: size - n, End: size - 1}, true, nil
	}

	start, err := parseOffset(first)
	if err != nil {
		return ByteRange{}, false, fmt.Errorf("%w: %q", ErrMalformedRange, header)
	}
	if last == "" {
		return ByteRange{Start: start, End: size - 1}, true, nil
	}
	end, err := parseOffset(last)
	if err != nil {
		return ByteRange{}, false, fmt.Errorf("%w: %q", ErrMalformedRange, header)
	}
	return ByteRange{Start: start, End: end}, true, nil
}

// parseOffset accepts only unsigned decimal digits.
func parseOffset(s string) (int64, error) {
	if s == "" || strings.TrimLeft(s, "0123456789") != "" {
		return 0, fmt.Errorf("invalid offset %q", s)
	}
	return strconv.ParseInt(s, 10, 64)
}

// FormatRange returns a Range request header value.
func FormatRange(start, end int64) string {
	return fmt.Sprintf("bytes=%d-%d", start, end)
}

// FormatContentRange returns a Content-Range response header value.
func FormatContentRange(start, end, size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", start, end, size)
}

// ParseContentRange parses a Content-Range header value. Total is -1 when
// the server reports it as unknown.
func ParseContentRange(header string) (r ByteRange, total int64, err error) {
	rs, ok := strings.CutPrefix(header, "bytes ")
	if !ok {
		return ByteRange{}, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}
	span, size, ok := strings.Cut(rs, "/")
	if !ok {
		return ByteRange{}, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}
	first, last, ok := strings.Cut(span, "-")
	if !ok {
		return ByteRange{}, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	if r.Start, err = parseOffset(first); err != nil {
		return ByteRange{}, 0, fmt.Errorf("invalid start byte: %w", err)
	}
	if r.End, err = parseOffset(last); err != nil {
		return ByteRange{}, 0, fmt.Errorf("invalid end byte: %w", err)
	}

	if size == "*" {
		return r, -1, nil
	}
	if total, err = parseOffset(size); err != nil {
		return ByteRange{}, 0, fmt.Errorf("invalid total bytes: %w", err)
	}
	return r, total, nil
}
