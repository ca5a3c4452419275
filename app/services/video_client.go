package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mstolbov/viewboost/models"
	"golang.org/x/time/rate"
)

// Video client error constants
var (
	ErrUnsupportedURL   = errors.New("unsupported video URL")
	ErrProbeUnavailable = errors.New("view count unavailable")
)

// VideoRef is the stable identity parsed out of a video URL
type VideoRef struct {
	ID   string
	Type models.VideoType
}

// VideoClient probes view counts and drives the external clip flow
type VideoClient interface {
	// ProbeViewCount returns the current public view count. Idempotent;
	// a zero or missing count is reported as ErrProbeUnavailable.
	ProbeViewCount(ctx context.Context, videoURL string) (uint64, error)
	// CreateClip runs the clip flow with the reserved account's credential
	// and returns the clip URL. Counts against the account's daily quota.
	CreateClip(ctx context.Context, videoURL string, account *models.YouTubeAccount) (string, error)
}

// ParseVideoURL extracts the video identity from the supported YouTube URL
// shapes: watch?v=, youtu.be short links, /shorts/ and /live/ paths.
func ParseVideoURL(raw string) (*VideoRef, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedURL, u.Scheme)
	}

	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	switch host {
	case "youtu.be":
		id := strings.Trim(u.Path, "/")
		if idx := strings.Index(id, "/"); idx >= 0 {
			id = id[:idx]
		}
		if id == "" {
			return nil, fmt.Errorf("%w: empty video id", ErrUnsupportedURL)
		}
		return &VideoRef{ID: id, Type: models.VideoTypeStandard}, nil

	case "youtube.com", "m.youtube.com", "music.youtube.com":
		if strings.HasPrefix(u.Path, "/watch") {
			id := u.Query().Get("v")
			if id == "" {
				return nil, fmt.Errorf("%w: watch URL without v parameter", ErrUnsupportedURL)
			}
			return &VideoRef{ID: id, Type: models.VideoTypeStandard}, nil
		}
		if id, ok := pathSegmentAfter(u.Path, "shorts"); ok {
			return &VideoRef{ID: id, Type: models.VideoTypeShorts}, nil
		}
		if id, ok := pathSegmentAfter(u.Path, "live"); ok {
			return &VideoRef{ID: id, Type: models.VideoTypeLive}, nil
		}
		return nil, fmt.Errorf("%w: path %q", ErrUnsupportedURL, u.Path)

	default:
		return nil, fmt.Errorf("%w: host %q", ErrUnsupportedURL, host)
	}
}

func pathSegmentAfter(path, prefix string) (string, bool) {
	trimmed := strings.TrimPrefix(path, "/"+prefix+"/")
	if trimmed == path || trimmed == "" {
		return "", false
	}
	if idx := strings.Index(trimmed, "/"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return trimmed, true
}

// HTTPVideoClient implements VideoClient against the video data API
type HTTPVideoClient struct {
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	readTimeout  time.Duration
	writeTimeout time.Duration

	// Clip creation is the expensive external flow; one shared limiter keeps
	// the account pool from burning through quotas in bursts.
	clipLimiter *rate.Limiter
	logger      *log.Logger
}

// NewHTTPVideoClient creates a video client over HTTP
func NewHTTPVideoClient(baseURL, apiKey string, readTimeout, writeTimeout time.Duration, clipsPerMinute int, logger *log.Logger) *HTTPVideoClient {
	if clipsPerMinute <= 0 {
		clipsPerMinute = 6
	}
	return &HTTPVideoClient{
		baseURL:      baseURL,
		apiKey:       apiKey,
		httpClient:   &http.Client{},
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		clipLimiter:  rate.NewLimiter(rate.Limit(float64(clipsPerMinute)/60.0), 1),
		logger:       logger,
	}
}

// ProbeViewCount fetches the current view count for a video
func (c *HTTPVideoClient) ProbeViewCount(ctx context.Context, videoURL string) (uint64, error) {
	ref, err := ParseVideoURL(videoURL)
	if err != nil {
		return 0, err
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet,
		fmt.Sprintf("%s/api/videos/%s/views", c.baseURL, url.PathEscape(ref.ID)), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrProbeUnavailable, err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: status %d", ErrProbeUnavailable, resp.StatusCode)
	}

	var payload struct {
		ViewCount *uint64 `json:"view_count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrProbeUnavailable, err)
	}
	if payload.ViewCount == nil || *payload.ViewCount == 0 {
		return 0, ErrProbeUnavailable
	}
	return *payload.ViewCount, nil
}

// CreateClip performs the clip flow using the reserved account
func (c *HTTPVideoClient) CreateClip(ctx context.Context, videoURL string, account *models.YouTubeAccount) (string, error) {
	ref, err := ParseVideoURL(videoURL)
	if err != nil {
		return "", err
	}
	if !ref.Type.Clippable() {
		return "", fmt.Errorf("%w: %s videos cannot be clipped", ErrUnsupportedURL, ref.Type)
	}

	if err := c.clipLimiter.Wait(ctx); err != nil {
		return "", err
	}

	clipCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()

	body := strings.NewReader(fmt.Sprintf(`{"video_id":%q,"account_id":%d}`, ref.ID, account.ID))
	req, err := http.NewRequestWithContext(clipCtx, http.MethodPost, c.baseURL+"/api/clips", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("clip creation failed with status %d", resp.StatusCode)
	}

	var payload struct {
		ClipURL string `json:"clip_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("failed to decode clip response: %w", err)
	}
	if payload.ClipURL == "" {
		return "", errors.New("clip response carried no URL")
	}

	c.logger.Printf("video: clip created for %s via account %d", ref.ID, account.ID)
	return payload.ClipURL, nil
}
