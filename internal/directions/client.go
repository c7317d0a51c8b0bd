// Package directions: клиент OSRM-совместимого сервиса маршрутов.
package directions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cwrk-planet/guzosync-realtime/internal/domain"
	"github.com/cwrk-planet/guzosync-realtime/internal/geo"
)

const serviceName = "directions"

var errNoRoute = errors.New("no route")

type Client struct {
	baseURL    string
	profile    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger

	maxRetries   int
	retryBackoff time.Duration
}

type ClientOption func(*Client)

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		profile: "driving",
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		logger:       slog.Default(),
		maxRetries:   1,
		retryBackoff: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "directions")
	return c
}

func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

func WithRetries(max int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = max
		c.retryBackoff = backoff
	}
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func WithAPIKey(key string) ClientOption {
	return func(c *Client) {
		c.apiKey = key
	}
}

func WithProfile(profile string) ClientOption {
	return func(c *Client) {
		if profile != "" {
			c.profile = profile
		}
	}
}

type routeResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Geometry string  `json:"geometry"`
		Distance float64 `json:"distance"`
		Duration float64 `json:"duration"`
	} `json:"routes"`
}

// Route строит маршрут через точки. Любая ошибка: *domain.ExternalServiceError.
func (c *Client) Route(ctx context.Context, waypoints []geo.Point) (*domain.DirectionsRoute, error) {
	if len(waypoints) < 2 {
		return nil, fmt.Errorf("need at least 2 waypoints: %w", domain.ErrInvalidInput)
	}

	path := "/route/v1/" + c.profile + "/" + encodeWaypoints(waypoints)
	query := url.Values{}
	query.Set("overview", "full")
	query.Set("geometries", "polyline")

	body, err := c.doWithRetry(ctx, path, query)
	if err != nil {
		return nil, err
	}

	var resp routeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &domain.ExternalServiceError{Service: serviceName, Err: fmt.Errorf("unmarshal response: %w", err)}
	}
	if resp.Code != "Ok" || len(resp.Routes) == 0 {
		msg := resp.Message
		if msg == "" {
			msg = resp.Code
		}
		return nil, &domain.ExternalServiceError{Service: serviceName, Err: fmt.Errorf("%w: %s", errNoRoute, msg)}
	}

	r := resp.Routes[0]
	return &domain.DirectionsRoute{
		Geometry:        r.Geometry,
		DistanceMeters:  r.Distance,
		DurationSeconds: r.Duration,
	}, nil
}

// OSRM ждёт lon,lat через ';'.
func encodeWaypoints(points []geo.Point) string {
	parts := make([]string, len(points))
	for i, p := range points {
		parts[i] = strconv.FormatFloat(p.Lon, 'f', 6, 64) + "," + strconv.FormatFloat(p.Lat, 'f', 6, 64)
	}
	return strings.Join(parts, ";")
}

func (c *Client) doRequest(ctx context.Context, path string, query url.Values) ([]byte, error) {
	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, &domain.ExternalServiceError{Service: serviceName, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &domain.ExternalServiceError{Service: serviceName, Err: fmt.Errorf("do request: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &domain.ExternalServiceError{Service: serviceName, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode >= 400 {
		return nil, &domain.ExternalServiceError{
			Service:    serviceName,
			StatusCode: resp.StatusCode,
			Err:        errors.New(http.StatusText(resp.StatusCode)),
		}
	}
	return body, nil
}

func retryable(err error) bool {
	var ext *domain.ExternalServiceError
	if !errors.As(err, &ext) {
		return false
	}
	return ext.StatusCode >= 500 || ext.StatusCode == http.StatusTooManyRequests
}

func (c *Client) doWithRetry(ctx context.Context, path string, query url.Values) ([]byte, error) {
	var lastErr error
	backoff := c.retryBackoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Debug("retrying request", "attempt", attempt, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil, &domain.ExternalServiceError{Service: serviceName, Err: ctx.Err()}
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		body, err := c.doRequest(ctx, path, query)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}
