package netguard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"syscall"
	"time"

	"github.com/haasonsaas/heyfun/internal/retry"
)

// ErrTooLarge is returned when a response body exceeds the download limit.
var ErrTooLarge = errors.New("download exceeds size limit")

// DefaultMaxBytes bounds downloads when no limit is configured.
const DefaultMaxBytes int64 = 100 << 20

// DownloaderConfig configures a Downloader.
type DownloaderConfig struct {
	MaxBytes int64
	Timeout  time.Duration
	// AllowPrivate disables destination checks. Intended for local testing.
	AllowPrivate bool
	Policy       retry.Policy
	Logger       *slog.Logger
}

// Downloader fetches remote content over HTTP(S) with destination checks at
// dial time, so DNS answers cannot swap in a private address after validation.
type Downloader struct {
	client       *http.Client
	maxBytes     int64
	allowPrivate bool
	policy       retry.Policy
	logger       *slog.Logger
}

// Download is a fetched body.
type Download struct {
	Data        []byte
	ContentType string
	Extension   string
}

// NewDownloader creates a guarded downloader.
func NewDownloader(cfg DownloaderConfig) *Downloader {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = retry.DefaultPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	d := &Downloader{
		maxBytes:     cfg.MaxBytes,
		allowPrivate: cfg.AllowPrivate,
		policy:       cfg.Policy,
		logger:       cfg.Logger.With("component", "netguard"),
	}
	d.policy.Retryable = isRetryableDownload

	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	if !cfg.AllowPrivate {
		dialer.Control = func(network, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			addr, err := netip.ParseAddr(host)
			if err != nil {
				return &BlockedError{Target: address, Reason: "unparseable dial address"}
			}
			if IsPrivateAddr(addr) {
				return &BlockedError{Target: address, Reason: "private address"}
			}
			return nil
		}
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	transport.Proxy = nil
	d.client = &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("too many redirects")
			}
			return d.checkURL(req.Context(), req.URL)
		},
	}
	return d
}

type statusError struct {
	code int
}

func (e *statusError) Error() string { return fmt.Sprintf("unexpected status %d", e.code) }

func isRetryableDownload(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	var be *BlockedError
	if errors.As(err, &be) || errors.Is(err, ErrTooLarge) {
		return false
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (d *Downloader) checkURL(ctx context.Context, u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return &BlockedError{Target: u.String(), Reason: "unsupported scheme " + u.Scheme}
	}
	if d.allowPrivate {
		return nil
	}
	return ValidateHost(ctx, nil, u.Hostname())
}

// Fetch downloads rawURL, retrying transient failures.
func (d *Downloader) Fetch(ctx context.Context, rawURL string) (*Download, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if err := d.checkURL(ctx, u); err != nil {
		return nil, err
	}
	return retry.DoValue(ctx, d.policy, func(ctx context.Context, attempt int) (*Download, error) {
		dl, err := d.fetchOnce(ctx, u.String())
		if err != nil && attempt > 1 {
			d.logger.Debug("download attempt failed", "url", u.Redacted(), "attempt", attempt, "error", err)
		}
		return dl, err
	})
}

func (d *Downloader) fetchOnce(ctx context.Context, rawURL string) (*Download, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &statusError{code: resp.StatusCode}
	}
	if resp.ContentLength > d.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, resp.ContentLength)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > d.maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, d.maxBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mediaType
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return &Download{Data: data, ContentType: contentType, Extension: ExtensionFor(contentType)}, nil
}

// ExtensionFor maps a media type to a file extension without the dot.
func ExtensionFor(mediaType string) string {
	switch mediaType {
	case "image/png":
		return "png"
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	case "video/mp4":
		return "mp4"
	case "video/webm":
		return "webm"
	case "audio/mpeg", "audio/mp3":
		return "mp3"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "wav"
	case "audio/ogg":
		return "ogg"
	}
	if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
		return exts[0][1:]
	}
	return "bin"
}
