package imagery

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/paulmach/orb"
	"github.com/rs/zerolog"

	"github.com/sentinel-hub/eo-timelapse/internal/frames"
	"github.com/sentinel-hub/eo-timelapse/internal/logging"
)

// BatchRequest lists the 3D previews to render
type BatchRequest struct {
	Images []frames.Image
	Area   orb.Geometry
	Width  int
	Height int
}

// FrameFunc receives each rendered frame, keyed by the flyover hash
type FrameFunc func(flyoverHash uint64, data []byte)

// BatchProgressFunc receives the completed fraction of a batch
type BatchProgressFunc func(fraction float64)

// TerrainRenderer renders 3D previews of many flyovers with a worker pool
type TerrainRenderer struct {
	renderer Renderer
	workers  int
	logger   zerolog.Logger
}

func NewTerrainRenderer(renderer Renderer, workers int, logger zerolog.Logger) *TerrainRenderer {
	if workers < 1 {
		workers = 1
	}
	return &TerrainRenderer{
		renderer: renderer,
		workers:  workers,
		logger:   logging.For(logger, "Terrain"),
	}
}

// RenderBatch starts rendering in the background and returns a cancel
// handle. onFrame is not called after the batch is cancelled.
func (t *TerrainRenderer) RenderBatch(ctx context.Context, req BatchRequest, onFrame FrameFunc, onProgress BatchProgressFunc) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)

	total := len(req.Images)
	if total == 0 {
		if onProgress != nil {
			onProgress(1)
		}
		return cancel
	}

	var done int64
	jobs := make(chan frames.Image, total)
	for _, img := range req.Images {
		jobs <- img
	}
	close(jobs)

	workerCount := t.workers
	if total < workerCount {
		workerCount = total
	}

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for img := range jobs {
				if ctx.Err() != nil {
					return
				}

				r := NewRenderRequest(img.Flyover, req.Area, req.Width, req.Height)
				r.Terrain = true
				data, err := t.renderer.Render(ctx, r)
				if err != nil {
					if ctx.Err() == nil {
						t.logger.Warn().Err(err).Time("from", img.FromTime).Msg("3D preview failed")
					}
				} else if ctx.Err() == nil {
					onFrame(img.FlyoverHash, data)
				}

				n := atomic.AddInt64(&done, 1)
				if onProgress != nil && ctx.Err() == nil {
					onProgress(float64(n) / float64(total))
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		cancel()
	}()

	return cancel
}
