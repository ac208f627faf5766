// Package epoch binds every request and cached artifact to a monotonic
// server-assigned epoch. The tracker annotates outgoing requests with the
// current epoch, validates the epoch on every response, and purges the
// persistent cache for the file when the server diverges.
package epoch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	fluidsync "github.com/fluidsync/client-go"
)

// FetchType names the request class for annotation and telemetry.
type FetchType string

const (
	FetchTypeBlob          FetchType = "blob"
	FetchTypeCreateBlob    FetchType = "createBlob"
	FetchTypeCreateFile    FetchType = "createFile"
	FetchTypeJoinSession   FetchType = "joinSession"
	FetchTypeOps           FetchType = "ops"
	FetchTypeSnapshotTree  FetchType = "snapshotTree"
	FetchTypeTreesLatest   FetchType = "treesLatest"
	FetchTypeUploadSummary FetchType = "uploadSummary"
	FetchTypePush          FetchType = "push"
	FetchTypeVersions      FetchType = "versions"
	FetchTypeOther         FetchType = "other"
)

// RequestOptions shape one HTTP request issued through the tracker.
type RequestOptions struct {
	Method  string
	Headers map[string]string
	Body    []byte
}

// Response is the tracker's view of an HTTP response.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte

	// Epoch is the x-fluid-epoch header value, if present.
	Epoch string
}

// Tracker owns the current epoch for one file and is the sole writer to its
// persistent cache. Requests flow through a shared rate limiter.
type Tracker struct {
	cache   fluidsync.PersistentCache
	limiter *RateLimiter
	client  *http.Client
	logger  *zap.Logger

	mu        sync.Mutex
	epoch     string
	fileEntry *fluidsync.FileEntry
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Tracker) { t.client = c }
}

// WithRateLimiter shares an existing rate limiter between trackers.
func WithRateLimiter(r *RateLimiter) Option {
	return func(t *Tracker) { t.limiter = r }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// NewTracker creates a tracker over the given persistent cache.
func NewTracker(cache fluidsync.PersistentCache, opts ...Option) *Tracker {
	t := &Tracker{cache: cache}
	for _, opt := range opts {
		opt(t)
	}
	if t.client == nil {
		t.client = http.DefaultClient
	}
	if t.limiter == nil {
		t.limiter = NewRateLimiter(fluidsync.DefaultRateLimit)
	}
	if t.logger == nil {
		t.logger = zap.NewNop()
	}
	return t
}

// Epoch returns the current epoch, or "" before first contact.
func (t *Tracker) Epoch() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.epoch
}

// SetFileEntry records the file this tracker's cache entries are scoped to.
// It may be set only once.
func (t *Tracker) SetFileEntry(entry fluidsync.FileEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fileEntry != nil {
		return fluidsync.ErrFileEntrySet
	}
	t.fileEntry = &entry
	return nil
}

// FileEntry returns the configured file entry, or nil.
func (t *Tracker) FileEntry() *fluidsync.FileEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fileEntry
}

// FetchResponse issues one rate-limited request with the current epoch
// attached, then validates the epoch the response carries.
func (t *Tracker) FetchResponse(ctx context.Context, requestURL string, opts RequestOptions, fetchType FetchType, addInBody bool) (*Response, error) {
	requestURL, headers, body := t.annotate(requestURL, opts, addInBody)

	var resp *Response
	err := t.limiter.Do(ctx, func() error {
		var derr error
		resp, derr = t.do(ctx, requestURL, opts.Method, headers, body)
		return derr
	})
	if err != nil {
		return nil, t.handleEpochError(ctx, err, responseEpochOf(err))
	}

	if verr := t.validateEpoch(resp.Epoch, fetchType); verr != nil {
		return nil, t.handleEpochError(ctx, verr, resp.Epoch)
	}
	return resp, nil
}

func (t *Tracker) do(ctx context.Context, requestURL, method string, headers map[string]string, body []byte) (*Response, error) {
	if method == "" {
		method = http.MethodGet
	}
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, requestURL, reader)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	httpResp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()
	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Headers:    httpResp.Header,
		Body:       data,
		Epoch:      httpResp.Header.Get(fluidsync.EpochHeader),
	}
	if httpResp.StatusCode >= 400 {
		return nil, errorFromResponse(resp, fetchTypeLabel(requestURL))
	}
	return resp, nil
}

func fetchTypeLabel(requestURL string) string {
	if u, err := url.Parse(requestURL); err == nil {
		return u.Path
	}
	return requestURL
}

// errorFromResponse maps a failed response to a DriverError. A 409 is an
// epoch conflict until proven to be a coherency race; 429 and 5xx are
// retryable.
func errorFromResponse(resp *Response, label string) error {
	de := &fluidsync.DriverError{
		Message:    "request to " + label + " failed",
		ErrorType:  fluidsync.ErrorTypeGeneric,
		StatusCode: resp.StatusCode,
		CanRetry:   resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
	}
	switch resp.StatusCode {
	case http.StatusConflict:
		de.ErrorType = fluidsync.ErrorTypeEpochVersionMismatch
	case http.StatusTooManyRequests:
		de.ErrorType = fluidsync.ErrorTypeThrottling
	}
	if ra := resp.Headers.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			de.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	de.Err = &responseEpochError{epoch: resp.Epoch}
	return de
}

// responseEpochError threads the response epoch through the error chain so
// mismatch handling can distinguish coherency races from true divergence.
type responseEpochError struct {
	epoch string
}

func (e *responseEpochError) Error() string { return "response epoch " + e.epoch }

func responseEpochOf(err error) string {
	for err != nil {
		if re, ok := err.(*responseEpochError); ok {
			return re.epoch
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}

// validateEpoch compares a response epoch against the tracker's. An unknown
// local epoch adopts the response value; divergence is an error; an absent
// response epoch is a no-op.
func (t *Tracker) validateEpoch(responseEpoch string, fetchType FetchType) error {
	if responseEpoch == "" {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.epoch == "" {
		t.epoch = responseEpoch
		t.logger.Info("epoch learned first time",
			zap.String("epoch", responseEpoch),
			zap.String("fetchType", string(fetchType)))
		return nil
	}
	if t.epoch != responseEpoch {
		return &fluidsync.DriverError{
			Message:    "epoch version mismatch",
			ErrorType:  fluidsync.ErrorTypeEpochVersionMismatch,
			StatusCode: http.StatusConflict,
			CanRetry:   false,
			Err:        &responseEpochError{epoch: responseEpoch},
		}
	}
	return nil
}

// handleEpochError inspects an error for epoch mismatch semantics. A
// server-declared mismatch whose response epoch still equals ours is a
// coherency conflict and becomes a throttling error; true divergence purges
// every cache entry for the file before propagating.
func (t *Tracker) handleEpochError(ctx context.Context, err error, responseEpoch string) error {
	if fluidsync.ErrorTypeOf(err) != fluidsync.ErrorTypeEpochVersionMismatch {
		return err
	}

	t.mu.Lock()
	local := t.epoch
	fileEntry := t.fileEntry
	t.mu.Unlock()

	if responseEpoch != "" && local != "" && responseEpoch == local {
		return &fluidsync.ThrottlingError{
			Message:    "coherency conflict",
			RetryAfter: time.Second,
			StatusCode: http.StatusTooManyRequests,
		}
	}

	if fileEntry == nil {
		return fluidsync.ErrFileEntryNotSet
	}
	t.logger.Warn("epoch version mismatch, purging file cache",
		zap.String("localEpoch", local),
		zap.String("responseEpoch", responseEpoch),
		zap.String("documentId", fileEntry.DocumentID))
	if rerr := t.cache.RemoveEntries(ctx, *fileEntry); rerr != nil {
		t.logger.Error("cache purge failed", zap.Error(rerr))
	}
	return err
}

// ValidateEpochFromPush checks the epoch carried by a freshly established
// push connection.
func (t *Tracker) ValidateEpochFromPush(ctx context.Context, details fluidsync.ConnectionDetails) error {
	if err := t.validateEpoch(details.Epoch, FetchTypePush); err != nil {
		return t.handleEpochError(ctx, err, details.Epoch)
	}
	return nil
}

// annotate attaches the current epoch to an outgoing request: as a form
// field inside an existing multipart body, as a query parameter, or as a
// header when the URL would grow past the limit.
func (t *Tracker) annotate(requestURL string, opts RequestOptions, addInBody bool) (string, map[string]string, []byte) {
	epoch := t.Epoch()
	headers := make(map[string]string, len(opts.Headers)+1)
	for k, v := range opts.Headers {
		headers[k] = v
	}
	if epoch == "" {
		return requestURL, headers, opts.Body
	}

	if addInBody {
		return requestURL, headers, addEpochToMultipart(opts.Body, epoch)
	}

	annotated := appendQueryParam(requestURL, "epoch", epoch)
	if len(annotated) > fluidsync.MaxURLLength {
		headers[fluidsync.EpochHeader] = epoch
		return requestURL, headers, opts.Body
	}
	return annotated, headers, opts.Body
}

func appendQueryParam(requestURL, key, value string) string {
	u, err := url.Parse(requestURL)
	if err != nil {
		return requestURL
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}

// addEpochToMultipart inserts an epoch form field right after the first
// boundary line. The boundary is the first CRLF-terminated line, whose
// token follows the "--" prefix; a body without one is returned unchanged.
func addEpochToMultipart(body []byte, epoch string) []byte {
	idx := bytes.Index(body, []byte("\r\n"))
	if idx < 0 || !bytes.HasPrefix(body, []byte("--")) {
		return body
	}
	field := []byte("epoch=" + epoch + "\r\n")
	out := make([]byte, 0, len(body)+len(field))
	out = append(out, body[:idx+2]...)
	out = append(out, field...)
	out = append(out, body[idx+2:]...)
	return out
}

// FetchAndParseAsJSON issues a request through the tracker and decodes the
// response body.
func FetchAndParseAsJSON[T any](ctx context.Context, t *Tracker, requestURL string, opts RequestOptions, fetchType FetchType, addInBody bool) (T, error) {
	var value T
	resp, err := t.FetchResponse(ctx, requestURL, opts, fetchType, addInBody)
	if err != nil {
		return value, err
	}
	if err := json.Unmarshal(resp.Body, &value); err != nil {
		return value, &fluidsync.DriverError{
			Message:   "malformed response body",
			ErrorType: fluidsync.ErrorTypeGeneric,
			CanRetry:  false,
			Err:       err,
		}
	}
	return value, nil
}

// FetchFromCache returns a decoded cached artifact, or ok=false when absent
// or inadmissible. A cached entry written under a different epoch triggers
// the same mismatch handling as a divergent response.
func FetchFromCache[T any](ctx context.Context, t *Tracker, entry fluidsync.CacheEntry, maxOpCount int64, fetchType FetchType) (T, bool, error) {
	var value T
	cached, err := t.cache.Get(ctx, entry, maxOpCount)
	if err != nil || cached == nil {
		return value, false, err
	}
	if verr := t.validateEpoch(cached.FluidEpoch, fetchType); verr != nil {
		return value, false, t.handleEpochError(ctx, verr, cached.FluidEpoch)
	}
	if err := json.Unmarshal(cached.Value, &value); err != nil {
		return value, false, err
	}
	return value, true, nil
}

// Put stores an artifact stamped with the current epoch. The tracker is the
// cache's sole writer.
func (t *Tracker) Put(ctx context.Context, entry fluidsync.CacheEntry, value json.RawMessage, opCount int64) error {
	return t.cache.Put(ctx, entry, fluidsync.CachedValue{
		FluidEpoch: t.Epoch(),
		Value:      value,
		OpCount:    opCount,
	})
}
