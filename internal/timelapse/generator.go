package timelapse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paulmach/orb"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sentinel-hub/eo-timelapse/internal/common"
	"github.com/sentinel-hub/eo-timelapse/internal/frames"
	"github.com/sentinel-hub/eo-timelapse/internal/imagery"
	"github.com/sentinel-hub/eo-timelapse/internal/logging"
	"github.com/sentinel-hub/eo-timelapse/internal/ratelimit"
	"github.com/sentinel-hub/eo-timelapse/internal/video"
)

// GenerateFailedMessage is shown when encoding fails for any reason other
// than cancellation
const GenerateFailedMessage = "Could not generate timelapse. Try a lower resolution or fewer frames."

var ErrGenerationInProgress = errors.New("timelapse generation already in progress")

// Status is the state of the latest generation
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Phase names reported with progress
const (
	PhaseFetching = "fetching"
	PhaseEncoding = "encoding"
)

// Progress of a running generation
type Progress struct {
	Status   Status  `json:"status"`
	Phase    string  `json:"phase"`
	Fraction float64 `json:"fraction"`
}

// FrameEncoder turns decoded frames into an animation
type FrameEncoder interface {
	Encode(ctx context.Context, req video.EncodeRequest, progress video.ProgressFunc) ([]byte, error)
}

// GenerateRequest describes one export
type GenerateRequest struct {
	From           time.Time
	To             time.Time
	Area           orb.Geometry
	Is3D           bool
	Size           video.Size
	DefaultSize    video.Size // size the session images were fetched at
	Format         common.OutputFormat
	FPS            int
	Transition     common.Transition
	FadeDuration   float64
	DelayLastFrame bool
	ShowDate       bool
	OnProgress     func(Progress)
}

// Artifact is a generated timelapse
type Artifact struct {
	ID       string
	Filename string
	Format   common.OutputFormat
	Frames   int
	Data     []byte
}

// GeneratorDeps are the collaborators of a Generator
type GeneratorDeps struct {
	Session  *Session
	Limiter  *ratelimit.Limiter
	Renderer imagery.Renderer
	Terrain  BatchRenderer
	Encoder  FrameEncoder
	Notifier Notifier
	Logger   zerolog.Logger
}

// Generator runs at most one export at a time
type Generator struct {
	session  *Session
	limiter  *ratelimit.Limiter
	renderer imagery.Renderer
	terrain  BatchRenderer
	encoder  FrameEncoder
	notifier Notifier
	logger   zerolog.Logger

	mu     sync.Mutex
	token  *Token
	status Status
	err    error
}

func NewGenerator(deps GeneratorDeps) *Generator {
	return &Generator{
		session:  deps.Session,
		limiter:  deps.Limiter,
		renderer: deps.Renderer,
		terrain:  deps.Terrain,
		encoder:  deps.Encoder,
		notifier: deps.Notifier,
		logger:   logging.For(deps.Logger, "Generator"),
		status:   StatusPending,
	}
}

// IsGenerating reports whether an export is running
func (g *Generator) IsGenerating() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status == StatusRunning
}

// Status returns the state of the latest export and its error, if any
func (g *Generator) Status() (Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status, g.err
}

// Cancel aborts the running export, if any
func (g *Generator) Cancel() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.token != nil {
		g.token.Cancel()
	}
}

func (g *Generator) start(ctx context.Context) (*Token, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.status == StatusRunning {
		return nil, ErrGenerationInProgress
	}
	if g.token != nil {
		g.token.Cancel()
	}
	g.token = newToken(ctx)
	g.status = StatusRunning
	g.err = nil
	return g.token, nil
}

func (g *Generator) finish(tok *Token, status Status, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.token == tok {
		g.status = status
		g.err = err
	}
	tok.Cancel()
}

// Generate encodes the selected, applicable frames of the session
func (g *Generator) Generate(ctx context.Context, req GenerateRequest) (*Artifact, error) {
	tok, err := g.start(ctx)
	if err != nil {
		return nil, err
	}

	artifact, err := g.generate(tok.Context(), req)
	switch {
	case err == nil:
		g.finish(tok, StatusCompleted, nil)
		return artifact, nil
	case IsCancelled(err) || tok.Cancelled():
		g.finish(tok, StatusCancelled, err)
		g.logger.Info().Msg("Timelapse generation cancelled")
		if !IsCancelled(err) {
			err = fmt.Errorf("%w: %w", ratelimit.ErrCancelled, err)
		}
		return nil, err
	default:
		g.finish(tok, StatusFailed, err)
		g.logger.Error().Err(err).Msg("Timelapse generation failed")
		g.notifier.ShowErrorMessage(GenerateFailedMessage)
		return nil, err
	}
}

func (g *Generator) generate(ctx context.Context, req GenerateRequest) (*Artifact, error) {
	report := func(phase string, fraction float64) {
		if req.OnProgress != nil {
			req.OnProgress(Progress{Status: StatusRunning, Phase: phase, Fraction: fraction})
		}
	}

	selected := g.session.SelectedForExport()
	if len(selected) == 0 {
		return nil, video.ErrNoFrames
	}

	refetch := req.Is3D || req.Size != req.DefaultSize
	encodeBase, encodeShare := 0.0, 1.0
	if refetch {
		encodeBase, encodeShare = 0.5, 0.5

		var err error
		selected, err = g.refetch(ctx, selected, req, func(f float64) {
			report(PhaseFetching, f*0.5)
		})
		if err != nil {
			return nil, err
		}
	}

	decoded := make([]video.Frame, 0, len(selected))
	for _, img := range selected {
		frame, err := video.Decode(img.Data, img.FromTime)
		if err != nil {
			g.logger.Warn().Err(err).Time("from", img.FromTime).Msg("Skipping undecodable frame")
			continue
		}
		decoded = append(decoded, frame)
	}

	data, err := g.encoder.Encode(ctx, video.EncodeRequest{
		Frames:         decoded,
		Size:           req.Size,
		Format:         req.Format,
		FPS:            req.FPS,
		Transition:     req.Transition,
		FadeDuration:   req.FadeDuration,
		DelayLastFrame: req.DelayLastFrame,
		ShowDate:       req.ShowDate,
	}, func(f float64) {
		report(PhaseEncoding, encodeBase+f*encodeShare)
	})
	if err != nil {
		return nil, err
	}

	tok := g.currentToken()
	return &Artifact{
		ID:       tok.ID,
		Filename: common.TimelapseFilename(req.From, req.To, req.Format),
		Format:   req.Format,
		Frames:   len(decoded),
		Data:     data,
	}, nil
}

func (g *Generator) currentToken() *Token {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.token
}

// refetch renders the selected frames again at the export size. Frames
// that fail are dropped; list order is kept.
func (g *Generator) refetch(ctx context.Context, images []frames.Image, req GenerateRequest, progress func(float64)) ([]frames.Image, error) {
	var (
		mu   sync.Mutex
		data = make(map[uint64][]byte, len(images))
	)

	if req.Is3D {
		if err := g.refetch3D(ctx, images, req, data, &mu, progress); err != nil {
			return nil, err
		}
	} else {
		var (
			done int64
			eg   errgroup.Group
		)
		for _, img := range images {
			eg.Go(func() error {
				r := imagery.NewRenderRequest(img.Flyover, req.Area, req.Size.Width, req.Size.Height)
				b, err := render(ctx, g.limiter, g.renderer, r)
				if err == nil {
					mu.Lock()
					data[img.FlyoverHash] = b
					mu.Unlock()
				}
				progress(float64(atomic.AddInt64(&done, 1)) / float64(len(images)))
				return nil
			})
		}
		_ = eg.Wait()
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]frames.Image, 0, len(images))
	for _, img := range images {
		if b, ok := data[img.FlyoverHash]; ok {
			img.Data = b
			out = append(out, img)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no frames could be fetched at %dx%d", req.Size.Width, req.Size.Height)
	}
	return out, nil
}

func (g *Generator) refetch3D(ctx context.Context, images []frames.Image, req GenerateRequest, data map[uint64][]byte, mu *sync.Mutex, progress func(float64)) error {
	if g.terrain == nil {
		return fmt.Errorf("3D rendering is not available")
	}

	finished := make(chan struct{})
	var once sync.Once
	stop := g.terrain.RenderBatch(ctx, imagery.BatchRequest{
		Images: images,
		Area:   req.Area,
		Width:  req.Size.Width,
		Height: req.Size.Height,
	}, func(hash uint64, b []byte) {
		mu.Lock()
		data[hash] = b
		mu.Unlock()
	}, func(f float64) {
		progress(f)
		if f >= 1 {
			once.Do(func() { close(finished) })
		}
	})
	defer stop()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
