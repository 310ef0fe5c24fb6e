// Package audio orchestrates metadata lookups and audio stream piping on top of the
// cache, queue, retry, proxy and credential components.
package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"audioproxy/internal/auth"
	"audioproxy/internal/cache"
	"audioproxy/internal/core"
	"audioproxy/internal/extractlog"
	"audioproxy/internal/observability"
	"audioproxy/internal/proxypool"
	"audioproxy/internal/queue"
	"audioproxy/internal/retry"
)

// Cache names used in metrics labels.
const (
	CacheMetadata = "metadata"
	CacheFormat   = "format"
)

var videoIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{11}$`)

// streamHeaders are copied from the upstream response to the client.
var streamHeaders = []string{"Content-Type", "Content-Length", "Accept-Ranges", "Content-Range"}

// ValidateVideoID rejects empty and malformed identifiers.
func ValidateVideoID(videoID string) error {
	if videoID == "" {
		return core.NewInvalidRequestError("video id is required", nil)
	}
	if !videoIDPattern.MatchString(videoID) {
		return core.NewInvalidRequestError(fmt.Sprintf("invalid video id: %q", videoID), nil)
	}
	return nil
}

// StreamClients builds the HTTP clients used to pipe audio bytes.
type StreamClients interface {
	StreamClient(proxyAddr string, dec core.ClientDecorator) (*http.Client, error)
}

// Options holds the components a Service is built from. Extractor, Metadata, Formats,
// Retry and Queue are required.
type Options struct {
	Extractor core.Extractor
	Metadata  *cache.Tiered[*core.StreamInfo]
	Formats   *cache.Tiered[core.Format]
	Retry     *retry.Controller
	Queue     *queue.Queue
	Proxies   *proxypool.Pool
	Auth      *auth.Provider
	Streams   StreamClients
	Log       extractlog.LoggerInterface
}

// Result is a resolved lookup.
type Result struct {
	Info     *core.StreamInfo
	Format   core.Format
	CacheHit bool
}

// Response builds the body of GET /mp3/:videoId.
func (r *Result) Response() *core.AudioResponse {
	return &core.AudioResponse{
		VideoDetails:      r.Info.Details,
		AudioFormats:      r.Info.AudioFormats(),
		RecommendedFormat: r.Format,
	}
}

// Stream is an open upstream audio response. The caller must close Body.
type Stream struct {
	Body       io.ReadCloser
	StatusCode int
	Header     http.Header
	Format     core.Format
}

// Stats is a point-in-time view of the service state.
type Stats struct {
	CookiesLoaded   bool
	CookieCount     int
	AuthType        string
	CacheSize       int
	FormatCacheSize int
	QueueSize       int
	ProxyCount      int
	Uptime          time.Duration
}

// Service resolves video identifiers into audio formats.
type Service struct {
	extractor core.Extractor
	metadata  *cache.Tiered[*core.StreamInfo]
	formats   *cache.Tiered[core.Format]
	retry     *retry.Controller
	queue     *queue.Queue
	proxies   *proxypool.Pool
	auth      *auth.Provider
	streams   StreamClients
	log       extractlog.LoggerInterface

	group     singleflight.Group
	startedAt time.Time
	now       func() time.Time
}

// New creates a Service. Optional components default to inert implementations: an
// empty proxy pool, no credentials, and a discarding extraction log.
func New(opts Options) (*Service, error) {
	switch {
	case opts.Extractor == nil:
		return nil, fmt.Errorf("extractor is required")
	case opts.Metadata == nil || opts.Formats == nil:
		return nil, fmt.Errorf("metadata and format caches are required")
	case opts.Retry == nil:
		return nil, fmt.Errorf("retry controller is required")
	case opts.Queue == nil:
		return nil, fmt.Errorf("queue is required")
	case opts.Streams == nil:
		return nil, fmt.Errorf("stream client factory is required")
	}
	if opts.Proxies == nil {
		opts.Proxies = proxypool.New(nil, 0)
	}
	if opts.Auth == nil {
		opts.Auth = auth.NewProvider(auth.Sources{})
	}
	if opts.Log == nil {
		opts.Log = &extractlog.NoopLogger{}
	}

	return &Service{
		extractor: opts.Extractor,
		metadata:  opts.Metadata,
		formats:   opts.Formats,
		retry:     opts.Retry,
		queue:     opts.Queue,
		proxies:   opts.Proxies,
		auth:      opts.Auth,
		streams:   opts.Streams,
		log:       opts.Log,
		startedAt: time.Now(),
		now:       time.Now,
	}, nil
}

// extraction carries the outcome of one queued task back to the singleflight callers.
type extraction struct {
	result   *Result
	attempts int
	proxy    string
}

// Lookup returns the metadata and recommended format for videoID.
//
// Cache hits are answered directly. Misses for the same id are collapsed into a single
// queued extraction. If ctx ends while waiting, Lookup returns but the queued work still
// runs and populates the cache.
func (s *Service) Lookup(ctx context.Context, videoID string) (*Result, error) {
	start := s.now()
	if err := ValidateVideoID(videoID); err != nil {
		return nil, err
	}

	res, err := s.fromCache(ctx, videoID)
	if res != nil || err != nil {
		s.record(ctx, videoID, start, res, err, 0, "")
		return res, err
	}

	ch := s.group.DoChan(videoID, func() (any, error) {
		return s.extract(videoID)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		var (
			attempts int
			proxy    string
		)
		if ex, _ := r.Val.(*extraction); ex != nil {
			res, attempts, proxy = ex.result, ex.attempts, ex.proxy
		}
		s.record(ctx, videoID, start, res, r.Err, attempts, proxy)
		if r.Err != nil {
			return nil, r.Err
		}
		return res, nil
	}
}

// fromCache answers from the caches. A nil result and nil error is a miss.
// A metadata hit without a cached choice re-runs the selector and caches its answer.
func (s *Service) fromCache(ctx context.Context, videoID string) (*Result, error) {
	info, ok := s.metadata.Get(ctx, videoID)
	observability.CacheLookup(CacheMetadata, ok)
	if !ok || info == nil {
		return nil, nil
	}

	format, ok := s.formats.Get(ctx, videoID)
	observability.CacheLookup(CacheFormat, ok)
	if !ok {
		format, ok = core.ChooseAudioFormat(info.Formats)
		if !ok {
			return nil, core.NewNotFoundError("no audio formats found").WithVideoID(videoID)
		}
		s.formats.Put(ctx, videoID, format)
	}
	return &Result{Info: info, Format: format, CacheHit: true}, nil
}

// extract submits the extraction to the queue and waits for it.
func (s *Service) extract(videoID string) (*extraction, error) {
	out := &extraction{}
	done, err := s.queue.Enqueue(func(ctx context.Context) error {
		return s.runExtraction(ctx, videoID, out)
	})
	if err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			observability.QueueRejected()
			slog.Warn("extraction queue full, rejecting lookup", "video_id", videoID, "depth", s.queue.Len())
			return nil, core.NewOverloadedError("extraction queue is full, try again later", err).WithVideoID(videoID)
		}
		return nil, core.NewOverloadedError("extraction queue is shutting down", err).WithVideoID(videoID)
	}

	if err := <-done; err != nil {
		return out, toGatewayError(err, videoID)
	}
	return out, nil
}

// runExtraction is the queued task. It re-checks the cache because an earlier task may
// have resolved the same id while this one was waiting.
func (s *Service) runExtraction(ctx context.Context, videoID string, out *extraction) error {
	res, err := s.fromCache(ctx, videoID)
	if res != nil || err != nil {
		out.result = res
		return err
	}

	// Refresh is a no-op until the interval elapses, except on an empty pool.
	if s.proxies.Enabled() {
		if err := s.proxies.Refresh(ctx); err != nil {
			slog.Warn("proxy list refresh failed, extracting with current list",
				"video_id", videoID,
				"proxies", s.proxies.Len(),
				"error", err,
			)
		}
	}

	proxy, _ := s.proxies.Next()
	rotate := func() bool {
		if s.proxies.Len() < 2 {
			return false
		}
		proxy, _ = s.proxies.Next()
		return true
	}

	var info *core.StreamInfo
	attempts, err := s.retry.Do(ctx, rotate, func(ctx context.Context, attempt int) error {
		var fetchErr error
		info, fetchErr = s.extractor.Fetch(ctx, videoID, core.FetchOptions{
			Proxy:       proxy,
			Credentials: s.auth.Current(),
		})
		if fetchErr == nil && info == nil {
			fetchErr = core.NewProviderError("extractor returned no metadata", nil).WithVideoID(videoID)
		}
		if fetchErr != nil {
			observability.Extraction(outcomeLabel(fetchErr))
			slog.Warn("extraction attempt failed",
				"video_id", videoID,
				"attempt", attempt+1,
				"proxy", proxy,
				"error", fetchErr,
			)
			return fetchErr
		}
		observability.Extraction(extractlog.OutcomeSuccess)
		return nil
	})
	out.attempts, out.proxy = attempts, proxy
	if err != nil {
		slog.Error("extraction failed", "video_id", videoID, "attempts", attempts, "error", err)
		return err
	}

	s.metadata.Put(ctx, videoID, info)
	observability.CacheSize(CacheMetadata, s.metadata.Len())

	format, ok := core.ChooseAudioFormat(info.Formats)
	if !ok {
		return core.NewNotFoundError("no audio formats found").WithVideoID(videoID)
	}
	s.formats.Put(ctx, videoID, format)
	observability.CacheSize(CacheFormat, s.formats.Len())

	slog.Info("extraction complete",
		"video_id", videoID,
		"attempts", attempts,
		"itag", format.Itag,
		"reliable", core.IsReliable(format),
	)
	out.result = &Result{Info: info, Format: format}
	return nil
}

// OpenStream resolves videoID and opens the recommended format upstream, forwarding
// rangeHeader when set.
func (s *Service) OpenStream(ctx context.Context, videoID, rangeHeader string) (*Stream, error) {
	res, err := s.Lookup(ctx, videoID)
	if err != nil {
		return nil, err
	}

	format := res.Format
	if format.URL == "" || format.IsHLS || format.IsDASH {
		return nil, core.NewNotFoundError("no directly streamable audio format").WithVideoID(videoID)
	}

	// Stream URLs are pre-signed; credentials would only leak to the media host.
	client, err := s.streams.StreamClient("", nil)
	if err != nil {
		return nil, core.NewProviderError("failed to build stream client", err).WithVideoID(videoID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, format.URL, nil)
	if err != nil {
		return nil, core.NewProviderError("invalid stream url", err).WithVideoID(videoID)
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, core.NewProviderError("failed to open upstream stream", err).WithVideoID(videoID)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		_ = resp.Body.Close()
		return nil, s.streamError(ctx, videoID, resp.StatusCode)
	}

	header := make(http.Header, len(streamHeaders))
	for _, key := range streamHeaders {
		if v := resp.Header.Get(key); v != "" {
			header.Set(key, v)
		}
	}
	if header.Get("Content-Type") == "" {
		header.Set("Content-Type", format.ContentType())
	}

	return &Stream{
		Body:       resp.Body,
		StatusCode: resp.StatusCode,
		Header:     header,
		Format:     format,
	}, nil
}

// streamError maps an upstream media status. Rejected or vanished URLs drop the cached
// entry so the next request extracts fresh URLs.
func (s *Service) streamError(ctx context.Context, videoID string, status int) error {
	slog.Warn("upstream stream request failed", "video_id", videoID, "status", status)
	switch status {
	case http.StatusTooManyRequests:
		return core.NewRateLimitError("upstream rate limited the stream request", nil).WithVideoID(videoID)
	case http.StatusRequestedRangeNotSatisfiable:
		err := core.NewInvalidRequestError("requested range not satisfiable", nil).WithVideoID(videoID)
		err.StatusCode = http.StatusRequestedRangeNotSatisfiable
		return err
	case http.StatusForbidden, http.StatusNotFound, http.StatusGone:
		s.Invalidate(ctx, videoID)
		return core.NewProviderError(fmt.Sprintf("upstream rejected the stream url (status %d), retry the request", status), nil).WithVideoID(videoID)
	default:
		return core.NewProviderError(fmt.Sprintf("upstream stream request failed with status %d", status), nil).WithVideoID(videoID)
	}
}

// Invalidate drops the cached metadata and format choice for videoID.
func (s *Service) Invalidate(ctx context.Context, videoID string) {
	s.metadata.Delete(ctx, videoID)
	s.formats.Delete(ctx, videoID)
}

// ReloadCredentials re-reads the credential sources. On failure the previous
// credentials stay active.
func (s *Service) ReloadCredentials() (*auth.Context, error) {
	return s.auth.Reload()
}

// RefreshProxies fetches the proxy list regardless of the refresh interval and returns
// the addresses now in rotation.
func (s *Service) RefreshProxies(ctx context.Context) ([]string, error) {
	if err := s.proxies.ForceRefresh(ctx); err != nil {
		return nil, err
	}
	return s.proxies.Addresses(), nil
}

// Stats reports the current service state. It has no side effects.
func (s *Service) Stats() Stats {
	creds := s.auth.Current()
	return Stats{
		CookiesLoaded:   creds.CookieCount() > 0,
		CookieCount:     creds.CookieCount(),
		AuthType:        creds.Type(),
		CacheSize:       s.metadata.Len(),
		FormatCacheSize: s.formats.Len(),
		QueueSize:       s.queue.Len(),
		ProxyCount:      s.proxies.Len(),
		Uptime:          s.now().Sub(s.startedAt),
	}
}

// Sweep purges expired entries from both caches, in memory and in the store.
func (s *Service) Sweep() {
	for name, purge := range map[string]func() int{
		CacheMetadata: s.metadata.Memory().PurgeExpired,
		CacheFormat:   s.formats.Memory().PurgeExpired,
	} {
		if n := purge(); n > 0 {
			observability.CacheEvicted(name, "expired", n)
			slog.Debug("purged expired cache entries", "cache", name, "count", n)
		}
	}
	for name, purge := range map[string]func(context.Context) (int, error){
		CacheMetadata: s.metadata.PurgeStore,
		CacheFormat:   s.formats.PurgeStore,
	} {
		n, err := purge(context.Background())
		if err != nil {
			slog.Warn("cache store purge failed", "cache", name, "error", err)
			continue
		}
		if n > 0 {
			observability.CacheEvicted(name+"_store", "expired", n)
			slog.Debug("purged expired store entries", "cache", name, "count", n)
		}
	}
	observability.CacheSize(CacheMetadata, s.metadata.Len())
	observability.CacheSize(CacheFormat, s.formats.Len())
}

// StartBackgroundSweep runs Sweep every interval until the returned function is called.
func (s *Service) StartBackgroundSweep(interval time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())
	if interval <= 0 {
		return cancel
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()

	return cancel
}

func (s *Service) record(ctx context.Context, videoID string, start time.Time, res *Result, err error, attempts int, proxy string) {
	entry := &extractlog.Entry{
		ID:         uuid.NewString(),
		RequestID:  core.GetRequestID(ctx),
		VideoID:    videoID,
		Timestamp:  start.UTC(),
		Outcome:    extractlog.OutcomeSuccess,
		Attempts:   attempts,
		Proxy:      proxy,
		CacheHit:   res != nil && res.CacheHit,
		DurationMs: s.now().Sub(start).Milliseconds(),
	}
	if err != nil {
		entry.Outcome = extractlog.OutcomeError
		entry.ErrorType = outcomeLabel(err)
	}
	s.log.Write(entry)
}

// outcomeLabel returns the gateway error type of err, defaulting to provider_error.
func outcomeLabel(err error) string {
	if t := core.TypeOf(err); t != "" {
		return string(t)
	}
	return string(core.ErrorTypeProvider)
}

// toGatewayError wraps errors that did not come from the extractor, such as a queue
// shutdown or a cancelled lifetime context.
func toGatewayError(err error, videoID string) error {
	var gwErr *core.GatewayError
	if errors.As(err, &gwErr) {
		return err
	}
	if errors.Is(err, queue.ErrQueueClosed) || errors.Is(err, context.Canceled) {
		return core.NewOverloadedError("extraction queue is shutting down", err).WithVideoID(videoID)
	}
	return core.NewProviderError("extraction failed", err).WithVideoID(videoID)
}
