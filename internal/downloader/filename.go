package downloader

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

const fallbackName = "download"

// ValidateURL parses rawURL and rejects anything but absolute http(s) URLs.
func ValidateURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}

	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	return u, nil
}

// DestinationName derives the final file name from the last path segment of u,
// ignoring the query. Unsafe characters become '_' and an unusable segment
// falls back to a fixed name.
func DestinationName(u *url.URL) string {
	segment := path.Base(u.EscapedPath())
	if unescaped, err := url.PathUnescape(segment); err == nil {
		segment = unescaped
	}

	name := sanitize(segment)

	if strings.Trim(name, "._") == "" {
		return fallbackName
	}

	return name
}

func sanitize(s string) string {
	var b strings.Builder

	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	return strings.TrimLeft(b.String(), ".")
}
