package acquisition

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/wasilibs/go-re2"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
)

const (
	DefaultFetchTimeout = 30 * time.Second
	DefaultMaxBodyBytes = 2 << 20
)

var ErrEmptyDocument = errors.New("empty document")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: HTTP %d", e.URL, e.Code)
}

// Document is a fetched bulletin, already decoded to UTF-8.
type Document struct {
	URL         string
	ContentType string
	Body        []byte
}

type Fetcher interface {
	Fetch(ctx context.Context) (Document, error)
}

// HTTPFetcher issues a single unauthenticated GET against a fixed URL.
type HTTPFetcher struct {
	URL       string
	UserAgent string
	MaxBytes  int64
	client    *http.Client
}

func NewHTTPFetcher(url string, timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	return &HTTPFetcher{
		URL:       url,
		UserAgent: "agrisync/1.0",
		MaxBytes:  DefaultMaxBodyBytes,
		client:    &http.Client{Timeout: timeout},
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context) (Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return Document{}, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("User-Agent", f.UserAgent)
	req.Header.Set("Accept", "text/html, text/plain;q=0.9, */*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return Document{}, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Document{}, &StatusError{Code: resp.StatusCode, URL: f.URL}
	}

	max := f.MaxBytes
	if max <= 0 {
		max = DefaultMaxBodyBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, max+1))
	if err != nil {
		return Document{}, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(body)) > max {
		return Document{}, fmt.Errorf("response exceeds %d bytes", max)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return Document{}, ErrEmptyDocument
	}

	contentType := resp.Header.Get("Content-Type")
	return Document{
		URL:         f.URL,
		ContentType: contentType,
		Body:        toUTF8(body, contentType),
	}, nil
}

var metaCharset = re2.MustCompile(`(?i)<meta[^>]+charset\s*=\s*["']?([A-Za-z0-9_.:-]+)`)

// toUTF8 decodes body using the declared charset (header first, then
// <meta>). Undeclared non-UTF-8 input is read as Windows-1252, which maps
// every byte, so decoding never fails outright.
func toUTF8(body []byte, contentType string) []byte {
	label := ""
	if _, params, err := mime.ParseMediaType(contentType); err == nil {
		label = params["charset"]
	}
	if label == "" {
		head := body
		if len(head) > 1024 {
			head = head[:1024]
		}
		if m := metaCharset.FindSubmatch(head); m != nil {
			label = string(m[1])
		}
	}

	if label != "" {
		if enc, err := htmlindex.Get(label); err == nil {
			if out, err := enc.NewDecoder().Bytes(body); err == nil {
				return out
			}
		}
	}
	if utf8.Valid(body) {
		return body
	}
	if out, err := charmap.Windows1252.NewDecoder().Bytes(body); err == nil {
		return out
	}
	return []byte(strings.ToValidUTF8(string(body), "�"))
}
