// Package fetcher downloads remote documents over HTTP(S) and FTP and reads
// and writes the spreadsheets exchanged with compliance tooling.
package fetcher

import (
	"context"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrTooLarge is returned when a download exceeds its byte limit.
var ErrTooLarge = eris.New("fetcher: file exceeds size limit")

// Fetcher defines the interface for downloading remote data.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile fetches the URL into path and returns bytes written.
	// maxBytes <= 0 disables the limit. The partial file is removed on error.
	DownloadToFile(ctx context.Context, url string, path string, maxBytes int64) (int64, error)
}

// Dispatcher routes a URL to the fetcher for its scheme.
type Dispatcher struct {
	HTTP *HTTPFetcher
	FTP  *FTPFetcher
}

// NewDispatcher creates a Dispatcher. Either fetcher may be nil.
func NewDispatcher(h *HTTPFetcher, f *FTPFetcher) *Dispatcher {
	return &Dispatcher{HTTP: h, FTP: f}
}

// For returns the fetcher that handles rawURL.
func (d *Dispatcher) For(rawURL string) (Fetcher, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: parse url")
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		if d.HTTP != nil {
			return d.HTTP, nil
		}
	case "ftp":
		if d.FTP != nil {
			return d.FTP, nil
		}
	}
	return nil, eris.Errorf("fetcher: unsupported url scheme %q", u.Scheme)
}

// Download implements Fetcher.
func (d *Dispatcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	f, err := d.For(rawURL)
	if err != nil {
		return nil, err
	}
	return f.Download(ctx, rawURL)
}

// DownloadToFile implements Fetcher.
func (d *Dispatcher) DownloadToFile(ctx context.Context, rawURL, path string, maxBytes int64) (int64, error) {
	f, err := d.For(rawURL)
	if err != nil {
		return 0, err
	}
	return f.DownloadToFile(ctx, rawURL, path, maxBytes)
}

// writeFile copies src into path, enforcing maxBytes.
func writeFile(path string, src io.Reader, maxBytes int64) (int64, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, eris.Wrap(err, "fetcher: create file")
	}

	r := src
	if maxBytes > 0 {
		r = io.LimitReader(src, maxBytes+1)
	}
	n, err := io.Copy(file, r)
	closeErr := file.Close()
	switch {
	case err != nil:
		err = eris.Wrap(err, "fetcher: write file")
	case closeErr != nil:
		err = eris.Wrap(closeErr, "fetcher: close file")
	case maxBytes > 0 && n > maxBytes:
		err = ErrTooLarge
	}
	if err != nil {
		_ = os.Remove(path)
		return n, err
	}
	return n, nil
}
