// Package fetch retrieves resource bytes under the user's authenticated
// session. It follows redirects, enforces per-request timeouts, streams
// the body so progress can be reported early, and refuses 200 responses
// that are really HTML login pages.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"mime"
	"net"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"coursezipgo/internal/models"
	"coursezipgo/internal/resource"
)

const (
	DefaultFileTimeout = 120 * time.Second
	DefaultPageTimeout = 45 * time.Second

	defaultMaxAttempts = 3
	initialRetryDelay  = 2 * time.Second
	maxRetryDelay      = 30 * time.Second

	userAgent     = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	sniffLen      = 512
	readChunkSize = 32 * 1024
)

// Failure kinds, used as telemetry counter buckets. HTTP status failures
// are bucketed per code as "status_<code>".
const (
	KindTimeout   = "timeout"
	KindNetwork   = "network"
	KindLoginPage = "login_page"
	KindFolder    = "folder"
)

// ErrLoginPage marks a 200 response whose body is an HTML document: the
// session expired and the server answered with a login page instead of
// the file.
var ErrLoginPage = errors.New("response body is an HTML page, session likely expired")

// StatusError is a response status outside the 2xx range.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// Classify maps a fetch error to its telemetry counter bucket.
func Classify(err error) string {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return fmt.Sprintf("status_%d", statusErr.Code)
	}
	if errors.Is(err, ErrLoginPage) {
		return KindLoginPage
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindNetwork
}

// Result is one successfully fetched file.
type Result struct {
	Bytes    []byte
	FileName string
	FinalURL string
}

// ProgressFunc reports streamed bytes. total is -1 when the server sent
// no Content-Length.
type ProgressFunc func(received, total int64)

type Config struct {
	FileTimeout   time.Duration
	PageTimeout   time.Duration
	MaxAttempts   int
	RetryDelay    time.Duration
	SessionCookie string
}

type Engine struct {
	client      *http.Client
	fileTimeout time.Duration
	pageTimeout time.Duration
	maxAttempts int
	retryDelay  time.Duration
	session     string
	log         *slog.Logger
}

func New(cfg Config, log *slog.Logger) *Engine {
	if cfg.FileTimeout == 0 {
		cfg.FileTimeout = DefaultFileTimeout
	}
	if cfg.PageTimeout == 0 {
		cfg.PageTimeout = DefaultPageTimeout
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = initialRetryDelay
	}
	return &Engine{
		client:      &http.Client{},
		fileTimeout: cfg.FileTimeout,
		pageTimeout: cfg.PageTimeout,
		maxAttempts: cfg.MaxAttempts,
		retryDelay:  cfg.RetryDelay,
		session:     cfg.SessionCookie,
		log:         log.With(slog.String("item", "FetchEngine")),
	}
}

// FetchFile downloads one file resource. Transient network failures are
// retried with exponential backoff and jitter; status, timeout and
// login-page failures are not.
func (e *Engine) FetchFile(ctx context.Context, res models.Resource, onProgress ProgressFunc) (*Result, error) {
	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		result, err := e.fetchOnce(ctx, res, onProgress)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if Classify(err) != KindNetwork || attempt == e.maxAttempts {
			return nil, err
		}

		backoff := float64(e.retryDelay) * math.Pow(2, float64(attempt-1))
		if backoff > float64(maxRetryDelay) {
			backoff = float64(maxRetryDelay)
		}
		jitter := (rand.Float64() - 0.5) * backoff
		delay := time.Duration(backoff + jitter)

		e.log.Warn("Fetch attempt failed, retrying",
			"url", res.URL, "attempt", attempt, "error", err, "retryIn", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (e *Engine) fetchOnce(ctx context.Context, res models.Resource, onProgress ProgressFunc) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.fileTimeout)
	defer cancel()

	resp, err := e.do(ctx, res.URL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode}
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(resp.Body, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fmt.Errorf("cannot read response: %w", err)
	}
	head = head[:n]

	if looksLikeHTML(resp.Header.Get("Content-Type"), head) {
		return nil, fmt.Errorf("%s: %w", res.URL, ErrLoginPage)
	}

	total := resp.ContentLength
	var buf bytes.Buffer
	buf.Write(head)
	if onProgress != nil {
		onProgress(int64(buf.Len()), total)
	}

	chunk := make([]byte, readChunkSize)
	for {
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if onProgress != nil {
				onProgress(int64(buf.Len()), total)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("cannot read response body: %w", err)
		}
	}

	finalURL := res.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	return &Result{
		Bytes:    buf.Bytes(),
		FileName: fileNameFor(resp.Header, finalURL, res),
		FinalURL: finalURL,
	}, nil
}

// FetchPage retrieves a folder-listing page with the shorter page
// timeout. Folder pages are expected to be HTML, so no sniffing here.
func (e *Engine) FetchPage(ctx context.Context, pageURL string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.pageTimeout)
	defer cancel()

	resp, err := e.do(ctx, pageURL)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", &StatusError{Code: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("cannot read page body: %w", err)
	}

	finalURL := pageURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return body, finalURL, nil
}

func (e *Engine) do(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if e.session != "" {
		req.Header.Set("Cookie", e.session)
	}
	return e.client.Do(req)
}

func looksLikeHTML(contentType string, head []byte) bool {
	if strings.Contains(strings.ToLower(contentType), "text/html") {
		return true
	}
	trimmed := bytes.ToLower(bytes.TrimLeft(head, " \t\r\n"))
	return bytes.HasPrefix(trimmed, []byte("<!doctype html")) ||
		bytes.HasPrefix(trimmed, []byte("<html"))
}

var (
	filenameStarRe = regexp.MustCompile(`(?i)filename\*=(?:utf-8|iso-8859-1)''([^;]+)`)
	filenameRe     = regexp.MustCompile(`(?i)filename="([^"]*)"`)
)

// fileNameFor picks the archive file name: Content-Disposition first
// (RFC 5987 form preferred over the plain quoted one), then the
// descriptor's sanitized name, augmented with the extension of the final
// URL when the name has none.
func fileNameFor(header http.Header, finalURL string, res models.Resource) string {
	if name := nameFromDisposition(header.Get("Content-Disposition")); name != "" {
		return resource.SanitizeName(name)
	}

	name := resource.SanitizeName(res.Name)
	if path.Ext(name) == "" {
		if u, err := url.Parse(finalURL); err == nil {
			if ext := path.Ext(u.Path); ext != "" {
				name += ext
			}
		}
	}
	return name
}

func nameFromDisposition(disposition string) string {
	if disposition == "" {
		return ""
	}
	if m := filenameStarRe.FindStringSubmatch(disposition); m != nil {
		if decoded, err := url.PathUnescape(strings.TrimSpace(m[1])); err == nil {
			return decoded
		}
	}
	if m := filenameRe.FindStringSubmatch(disposition); m != nil && m[1] != "" {
		return m[1]
	}
	// Unquoted form, e.g. "attachment; filename=report.pdf".
	if _, params, err := mime.ParseMediaType(disposition); err == nil {
		return params["filename"]
	}
	return ""
}
