package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/flowsmartly/avatar-worker/core"
)

const defaultClientTimeout = 60 * time.Second
const defaultMaxPayloadBytes int64 = 50 << 20 // 50 MiB

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPFetcher stages remote job inputs onto local disk with bounded
// size and wall-clock time. It holds no per-job state and is safe to
// reuse across jobs.
type HTTPFetcher struct {
	Client          HTTPDoer
	DefaultHeaders  map[string]string
	MaxPayloadBytes int64
}

func NewHTTPFetcher(client HTTPDoer) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: defaultClientTimeout}
	}
	return &HTTPFetcher{
		Client:          client,
		DefaultHeaders:  map[string]string{},
		MaxPayloadBytes: defaultMaxPayloadBytes,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, req core.FetchRequest) (core.FetchResult, error) {
	if f == nil || f.Client == nil {
		return core.FetchResult{}, fetchError(
			"fetch: http client is required",
			goerrors.CategoryInternal,
			http.StatusInternalServerError,
			core.ErrorCodeInternal,
			nil,
		)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rawURL := strings.TrimSpace(req.URL)
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return core.FetchResult{}, fetchWrapError(
			err,
			goerrors.CategoryBadInput,
			"fetch: input url is not well-formed",
			http.StatusBadRequest,
			core.ErrorCodeFetchMalformed,
			map[string]any{"url": rawURL},
		)
	}
	if (parsedURL.Scheme != "http" && parsedURL.Scheme != "https") || parsedURL.Host == "" {
		return core.FetchResult{}, fetchError(
			"fetch: input url must be http or https",
			goerrors.CategoryBadInput,
			http.StatusBadRequest,
			core.ErrorCodeFetchMalformed,
			map[string]any{"url": rawURL},
		)
	}
	dest := strings.TrimSpace(req.DestPath)
	if dest == "" {
		return core.FetchResult{}, fetchError(
			"fetch: staging destination is required",
			goerrors.CategoryInternal,
			http.StatusInternalServerError,
			core.ErrorCodeInternal,
			map[string]any{"url": rawURL},
		)
	}

	requestCtx := ctx
	cancel := func() {}
	if req.Timeout > 0 {
		requestCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	}
	defer cancel()

	httpReq, err := http.NewRequestWithContext(requestCtx, http.MethodGet, parsedURL.String(), nil)
	if err != nil {
		return core.FetchResult{}, fetchWrapError(
			err,
			goerrors.CategoryBadInput,
			"fetch: create http request",
			http.StatusBadRequest,
			core.ErrorCodeFetchMalformed,
			map[string]any{"url": parsedURL.String()},
		)
	}
	for key, value := range f.DefaultHeaders {
		if strings.TrimSpace(key) == "" {
			continue
		}
		httpReq.Header.Set(strings.TrimSpace(key), strings.TrimSpace(value))
	}
	if accept := acceptHeaderFor(req.ExpectKind); accept != "" {
		httpReq.Header.Set("Accept", accept)
	}

	startedAt := time.Now().UTC()
	httpRes, err := f.Client.Do(httpReq)
	if err != nil {
		if isTimeoutError(err) {
			return core.FetchResult{}, fetchWrapError(
				err,
				goerrors.CategoryOperation,
				"fetch: remote input timed out",
				http.StatusGatewayTimeout,
				core.ErrorCodeFetchTimeout,
				map[string]any{"url": parsedURL.String()},
			)
		}
		return core.FetchResult{}, fetchWrapError(
			err,
			goerrors.CategoryExternal,
			"fetch: remote input unreachable",
			http.StatusBadGateway,
			core.ErrorCodeFetchNotFound,
			map[string]any{"url": parsedURL.String()},
		)
	}
	defer httpRes.Body.Close()

	if httpRes.StatusCode < http.StatusOK || httpRes.StatusCode >= http.StatusMultipleChoices {
		return core.FetchResult{}, fetchError(
			fmt.Sprintf("fetch: remote input returned status %d", httpRes.StatusCode),
			goerrors.CategoryNotFound,
			http.StatusNotFound,
			core.ErrorCodeFetchNotFound,
			map[string]any{"url": parsedURL.String(), "status_code": httpRes.StatusCode},
		)
	}

	contentType := strings.TrimSpace(httpRes.Header.Get("Content-Type"))
	if !contentTypeMatches(req.ExpectKind, contentType) {
		return core.FetchResult{}, fetchError(
			fmt.Sprintf("fetch: remote input is %q, expected %s content", contentType, req.ExpectKind),
			goerrors.CategoryExternal,
			http.StatusBadGateway,
			core.ErrorCodeFetchMalformed,
			map[string]any{"url": parsedURL.String(), "content_type": contentType},
		)
	}

	limit := resolvePayloadLimit(req.MaxBytes, f.MaxPayloadBytes)
	if httpRes.ContentLength > limit {
		return core.FetchResult{}, fetchError(
			fmt.Sprintf("fetch: remote input exceeds limit of %d bytes", limit),
			goerrors.CategoryBadInput,
			http.StatusRequestEntityTooLarge,
			core.ErrorCodeFetchTooLarge,
			map[string]any{"url": parsedURL.String(), "content_length": httpRes.ContentLength, "limit_bytes": limit},
		)
	}

	file, err := createDestFile(dest)
	if err != nil {
		return core.FetchResult{}, fetchWrapError(
			err,
			goerrors.CategoryInternal,
			"fetch: staging destination unavailable",
			http.StatusInternalServerError,
			core.ErrorCodeInternal,
			map[string]any{"dest": dest},
		)
	}
	written, err := io.Copy(file, io.LimitReader(httpRes.Body, limit+1))
	closeErr := file.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		removePartial(dest)
		if isTimeoutError(err) {
			return core.FetchResult{}, fetchWrapError(
				err,
				goerrors.CategoryOperation,
				"fetch: remote input timed out",
				http.StatusGatewayTimeout,
				core.ErrorCodeFetchTimeout,
				map[string]any{"url": parsedURL.String(), "bytes_written": written},
			)
		}
		return core.FetchResult{}, fetchWrapError(
			err,
			goerrors.CategoryExternal,
			"fetch: read remote payload",
			http.StatusBadGateway,
			core.ErrorCodeFetchMalformed,
			map[string]any{"url": parsedURL.String(), "bytes_written": written},
		)
	}
	if written > limit {
		removePartial(dest)
		return core.FetchResult{}, fetchError(
			fmt.Sprintf("fetch: remote input exceeds limit of %d bytes", limit),
			goerrors.CategoryBadInput,
			http.StatusRequestEntityTooLarge,
			core.ErrorCodeFetchTooLarge,
			map[string]any{"url": parsedURL.String(), "limit_bytes": limit},
		)
	}
	if written == 0 {
		removePartial(dest)
		return core.FetchResult{}, fetchError(
			"fetch: remote input was empty",
			goerrors.CategoryExternal,
			http.StatusBadGateway,
			core.ErrorCodeFetchMalformed,
			map[string]any{"url": parsedURL.String()},
		)
	}

	return core.FetchResult{
		Path:         dest,
		BytesWritten: written,
		ContentType:  contentType,
		Metadata: map[string]any{
			"status_code": httpRes.StatusCode,
			"duration_ms": time.Since(startedAt).Milliseconds(),
		},
	}, nil
}

func createDestFile(dest string) (*os.File, error) {
	if dir := filepath.Dir(dest); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
}

func removePartial(dest string) {
	_ = os.Remove(dest)
}

func acceptHeaderFor(kind core.MediaKind) string {
	switch kind {
	case core.MediaKindImage:
		return "image/*"
	case core.MediaKindAudio:
		return "audio/*"
	case core.MediaKindVideo:
		return "video/*"
	default:
		return ""
	}
}

func contentTypeMatches(kind core.MediaKind, contentType string) bool {
	if kind == "" || contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	// Presigned object-store URLs often serve opaque octet streams.
	if mediaType == "application/octet-stream" || mediaType == "binary/octet-stream" {
		return true
	}
	return strings.HasPrefix(mediaType, string(kind)+"/")
}

func resolvePayloadLimit(requestLimit int64, fetcherLimit int64) int64 {
	if requestLimit > 0 {
		return requestLimit
	}
	if fetcherLimit > 0 {
		return fetcherLimit
	}
	return defaultMaxPayloadBytes
}

func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

var _ core.RemoteFetcher = (*HTTPFetcher)(nil)
