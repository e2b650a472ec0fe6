package dispatch

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/dharsanguruparan/wagate/internal/model"
)

const (
	maxMediaBytes = 64 << 20 // 64 MiB
	fetchTimeout  = 30 * time.Second
	dataURIMarker = ";base64,"
)

// MediaFetcher downloads remote media referenced by a job.
type MediaFetcher struct {
	client *http.Client
}

// NewMediaFetcher returns a fetcher with a bounded timeout.
func NewMediaFetcher() *MediaFetcher {
	return &MediaFetcher{client: &http.Client{Timeout: fetchTimeout}}
}

// Fetch downloads rawURL. The content type comes from the response header and
// falls back to sniffing when the header is absent or generic.
func (f *MediaFetcher) Fetch(ctx context.Context, rawURL string) (*model.Media, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build media request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch media: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read media: %w", err)
	}
	if len(data) > maxMediaBytes {
		return nil, fmt.Errorf("media exceeds %d bytes", maxMediaBytes)
	}
	mt := headerMimetype(resp.Header.Get("Content-Type"))
	if mt == "" || mt == "application/octet-stream" {
		mt = stripParams(mimetype.Detect(data).String())
	}
	return &model.Media{
		Mimetype: mt,
		Data:     data,
		Filename: filenameFromURL(rawURL),
	}, nil
}

// DecodeInline decodes base64 media, dropping anything up to and including
// the last ";base64," marker so full data URIs are accepted.
func DecodeInline(data, mt, filename string) (*model.Media, error) {
	if i := strings.LastIndex(data, dataURIMarker); i >= 0 {
		data = data[i+len(dataURIMarker):]
	}
	data = strings.TrimSpace(data)
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(data, "="))
		if err != nil {
			return nil, fmt.Errorf("decode inline media: %w", err)
		}
	}
	if filename == "" {
		filename = defaultFilename(mt)
	}
	return &model.Media{Mimetype: mt, Data: raw, Filename: filename}, nil
}

func headerMimetype(h string) string {
	if h == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(h)
	if err != nil {
		return ""
	}
	return mt
}

func stripParams(mt string) string {
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		return mt[:i]
	}
	return mt
}

func filenameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" {
		return ""
	}
	return base
}

func defaultFilename(mt string) string {
	if m := mimetype.Lookup(mt); m != nil && m.Extension() != "" {
		return "file" + m.Extension()
	}
	return "file"
}
