package testutil

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"

	"github.com/sentinel-hub/eo-timelapse/internal/imagery"
	"github.com/sentinel-hub/eo-timelapse/internal/video"
)

// MockNotifier records the messages shown to the user.
type MockNotifier struct {
	mu       sync.Mutex
	Messages []string
}

func (m *MockNotifier) ShowErrorMessage(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = append(m.Messages, text)
}

func (m *MockNotifier) All() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Messages...)
}

// PNG returns a small encoded image of a single colour.
func PNG(c color.RGBA, w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}

// MockRenderer implements imagery.Renderer. Responses are chosen per
// request by Respond; the default returns a small PNG.
type MockRenderer struct {
	mu       sync.Mutex
	Requests []imagery.RenderRequest
	Respond  func(ctx context.Context, req imagery.RenderRequest) ([]byte, error)
}

func (m *MockRenderer) Render(ctx context.Context, req imagery.RenderRequest) ([]byte, error) {
	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	respond := m.Respond
	m.mu.Unlock()

	if respond != nil {
		return respond(ctx, req)
	}
	return PNG(color.RGBA{R: uint8(req.FromTime.Day()), A: 255}, 8, 8), nil
}

func (m *MockRenderer) Calls() []imagery.RenderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]imagery.RenderRequest(nil), m.Requests...)
}

// MockTerrain implements the batch renderer synchronously from a goroutine.
type MockTerrain struct {
	mu      sync.Mutex
	Batches []imagery.BatchRequest
	// Hold blocks the batch until closed, when set
	Hold chan struct{}
}

func (m *MockTerrain) RenderBatch(ctx context.Context, req imagery.BatchRequest, onFrame imagery.FrameFunc, onProgress imagery.BatchProgressFunc) context.CancelFunc {
	m.mu.Lock()
	m.Batches = append(m.Batches, req)
	hold := m.Hold
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		if hold != nil {
			select {
			case <-hold:
			case <-ctx.Done():
				return
			}
		}
		for i, img := range req.Images {
			if ctx.Err() != nil {
				return
			}
			onFrame(img.FlyoverHash, PNG(color.RGBA{G: 200, A: 255}, 8, 8))
			if onProgress != nil {
				onProgress(float64(i+1) / float64(len(req.Images)))
			}
		}
		if len(req.Images) == 0 && onProgress != nil {
			onProgress(1)
		}
	}()
	return cancel
}

func (m *MockTerrain) Calls() []imagery.BatchRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]imagery.BatchRequest(nil), m.Batches...)
}

// MockEncoder records encode requests and returns Data or Err.
type MockEncoder struct {
	mu       sync.Mutex
	Requests []video.EncodeRequest
	Data     []byte
	Err      error
	// Block makes Encode wait for ctx to end
	Block bool
}

func (m *MockEncoder) Encode(ctx context.Context, req video.EncodeRequest, progress video.ProgressFunc) ([]byte, error) {
	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	m.mu.Unlock()

	if m.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if progress != nil {
		progress(0.5)
		progress(1)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Data, nil
}

func (m *MockEncoder) Last() video.EncodeRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Requests[len(m.Requests)-1]
}
