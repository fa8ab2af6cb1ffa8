package imagery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog"

	"github.com/sentinel-hub/eo-timelapse/internal/config"
	"github.com/sentinel-hub/eo-timelapse/internal/flyover"
	"github.com/sentinel-hub/eo-timelapse/internal/logging"
)

const UserAgent = "eo-timelapse/1.0"

// StatusError is returned for any non-200 response
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request to %s failed with status: %d", e.URL, e.Code)
}

// StatusCode lets the rate limiter recognise 429 responses
func (e *StatusError) StatusCode() int {
	return e.Code
}

// Renderer produces the image of one flyover over an area
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) ([]byte, error)
}

// RenderRequest describes one rendered timelapse frame
type RenderRequest struct {
	DatasetID string
	LayerID   string
	Effects   map[string]float64
	FromTime  time.Time
	ToTime    time.Time
	Area      orb.Geometry
	Width     int
	Height    int
	Format    string
	Terrain   bool
}

type renderBody struct {
	DatasetID string             `json:"datasetId"`
	LayerID   string             `json:"layerId"`
	Effects   map[string]float64 `json:"effects,omitempty"`
	FromTime  time.Time          `json:"fromTime"`
	ToTime    time.Time          `json:"toTime"`
	Area      *geojson.Geometry  `json:"area,omitempty"`
	Width     int                `json:"width"`
	Height    int                `json:"height"`
	Format    string             `json:"format"`
	Terrain   bool               `json:"terrain,omitempty"`
}

// NewRenderRequest builds the request for f at the given size
func NewRenderRequest(f flyover.Flyover, area orb.Geometry, width, height int) RenderRequest {
	req := RenderRequest{
		FromTime: f.FromTime,
		ToTime:   f.ToTime,
		Area:     area,
		Width:    width,
		Height:   height,
		Format:   "image/png",
	}
	if viz := f.Visualization; viz != nil {
		req.DatasetID = viz.DatasetID
		req.LayerID = viz.LayerID
		req.Effects = viz.Effects
	}
	return req
}

func (r RenderRequest) body() renderBody {
	b := renderBody{
		DatasetID: r.DatasetID,
		LayerID:   r.LayerID,
		Effects:   r.Effects,
		FromTime:  r.FromTime.UTC(),
		ToTime:    r.ToTime.UTC(),
		Width:     r.Width,
		Height:    r.Height,
		Format:    r.Format,
		Terrain:   r.Terrain,
	}
	if r.Area != nil {
		b.Area = geojson.NewGeometry(r.Area)
	}
	return b
}

// Key identifies the rendered output of the request
func (r RenderRequest) Key() string {
	data, err := json.Marshal(r.body())
	if err != nil {
		return ""
	}
	return strconv.FormatUint(xxhash.Sum64(data), 16)
}

// Client talks to the timelapse rendering and catalog service
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     zerolog.Logger

	mu     sync.Mutex
	layers map[string]*Layer
}

// NewClient creates a service client with system proxy support
func NewClient(cfg config.ServiceConfig, logger zerolog.Logger) *Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.AuthToken,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout(),
			Transport: transport,
		},
		logger: logging.For(logger, "Imagery"),
		layers: make(map[string]*Layer),
	}
}

// Render POSTs the request to /render and returns the image bytes
func (c *Client) Render(ctx context.Context, req RenderRequest) ([]byte, error) {
	data, err := c.do(ctx, http.MethodPost, "/render", nil, req.body())
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty image for %s", req.FromTime.Format(time.RFC3339))
	}
	return data, nil
}

// Lookup returns the layer bound to datasetID
func (c *Client) Lookup(datasetID string) (flyover.Layer, bool) {
	if datasetID == "" {
		return nil, false
	}
	return c.Layer(datasetID), true
}

// Layer returns the HTTP-backed search layer of a dataset
func (c *Client) Layer(datasetID string) *Layer {
	c.mu.Lock()
	defer c.mu.Unlock()

	layer, ok := c.layers[datasetID]
	if !ok {
		layer = &Layer{client: c, datasetID: datasetID}
		c.layers[datasetID] = layer
	}
	return layer
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{Code: resp.StatusCode, URL: endpoint}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return data, nil
}
