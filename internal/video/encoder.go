package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color/palette"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/icza/mjpeg"
	"github.com/rs/zerolog"
	"golang.org/x/image/font"

	"github.com/sentinel-hub/eo-timelapse/internal/common"
	"github.com/sentinel-hub/eo-timelapse/internal/logging"
	"github.com/sentinel-hub/eo-timelapse/internal/metrics"
)

const (
	dateLayout = common.FrameOverlayDate

	// Output rate used when fades are rendered as intermediate frames
	transitionFPS = 20

	jpegQuality = 90
)

var (
	ErrNoFrames          = errors.New("no frames to encode")
	ErrUnsupportedFormat = errors.New("unsupported output format")
	ErrInvalidFPS        = errors.New("fps must be at least 1")
)

// Size is the output frame size in pixels
type Size struct {
	Width  int
	Height int
}

// EncodeRequest describes a single timelapse encode
type EncodeRequest struct {
	Frames         []Frame
	Size           Size
	Format         common.OutputFormat
	FPS            int
	Transition     common.Transition
	FadeDuration   float64 // seconds
	DelayLastFrame bool
	ShowDate       bool
}

// ProgressFunc receives the completed fraction in 0..1
type ProgressFunc func(fraction float64)

// Encoder turns decoded frames into a GIF or MJPEG AVI
type Encoder struct {
	font    font.Face
	tempDir string
	logger  zerolog.Logger
	metrics metrics.Recorder
}

// NewEncoder creates an encoder with the embedded date font loaded
func NewEncoder(logger zerolog.Logger, rec metrics.Recorder) (*Encoder, error) {
	face, err := loadDateFont(24)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec = metrics.Noop{}
	}
	return &Encoder{
		font:    face,
		tempDir: os.TempDir(),
		logger:  logging.For(logger, "Video"),
		metrics: rec,
	}, nil
}

// LastFrameHold is how long the final frame stays on screen, in seconds
func LastFrameHold(fps int) float64 {
	if fps <= 1 {
		return 2.0
	}
	return 1.0
}

// ExtendLastFrame appends ceil(hold*fps) copies of the last frame
func ExtendLastFrame(frames []Frame, fps int) []Frame {
	if len(frames) == 0 {
		return frames
	}
	extra := int(math.Ceil(LastFrameHold(fps) * float64(fps)))
	out := make([]Frame, 0, len(frames)+extra)
	out = append(out, frames...)
	last := frames[len(frames)-1]
	for i := 0; i < extra; i++ {
		out = append(out, last)
	}
	return out
}

// Encode renders req into the requested container
func (e *Encoder) Encode(ctx context.Context, req EncodeRequest, progress ProgressFunc) ([]byte, error) {
	if len(req.Frames) == 0 {
		return nil, ErrNoFrames
	}
	if req.FPS < 1 {
		return nil, ErrInvalidFPS
	}
	if req.Format != common.FormatGIF && req.Format != common.FormatMJPEG {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, req.Format)
	}
	if req.Size.Width <= 0 || req.Size.Height <= 0 {
		b := req.Frames[0].Image.Bounds()
		req.Size = Size{Width: b.Dx(), Height: b.Dy()}
	}
	if progress == nil {
		progress = func(float64) {}
	}

	frames := req.Frames
	if req.DelayLastFrame {
		frames = ExtendLastFrame(frames, req.FPS)
	}

	start := time.Now()
	var (
		data []byte
		err  error
	)
	if req.Format == common.FormatGIF && req.Transition == common.TransitionNone {
		data, err = e.encodeGIF(ctx, frames, req, progress)
	} else {
		data, err = e.encodeWithTransitions(ctx, frames, req, progress)
	}
	if err != nil {
		return nil, err
	}

	elapsed := time.Since(start)
	e.metrics.ObserveEncodeDuration(string(req.Format), elapsed)
	e.logger.Info().
		Str("format", string(req.Format)).
		Int("frames", len(frames)).
		Int("bytes", len(data)).
		Dur("took", elapsed).
		Msg("Encoded timelapse")

	progress(1)
	return data, nil
}

// encodeGIF writes one paletted frame per input frame at 1/fps delay
func (e *Encoder) encodeGIF(ctx context.Context, frames []Frame, req EncodeRequest, progress ProgressFunc) ([]byte, error) {
	anim := &gif.GIF{LoopCount: 0}
	delay := centiseconds(req.FPS)

	for i, f := range frames {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rgba := e.render(f.Image, f.Date, req.Size, req.ShowDate)
		anim.Image = append(anim.Image, paletted(rgba))
		anim.Delay = append(anim.Delay, delay)
		progress(float64(i+1) / float64(len(frames)))
	}

	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, anim); err != nil {
		return nil, fmt.Errorf("failed to encode GIF: %w", err)
	}
	return buf.Bytes(), nil
}

type step struct {
	from, to int
	t        float64 // 0 shows from, 1 shows to
}

// schedule expands frames into the output sequence. The output rate is a
// multiple of fps, so every source frame, the last included, spans exactly
// 1/fps seconds. The last fade seconds of each span blend into the next frame.
func schedule(n, fps int, transition common.Transition, fade float64) (int, []step) {
	if transition != common.TransitionFade || fade <= 0 {
		steps := make([]step, n)
		for i := range steps {
			steps[i] = step{from: i, to: i}
		}
		return fps, steps
	}

	perFrame := (transitionFPS + fps - 1) / fps
	outFPS := fps * perFrame

	fade = math.Min(fade, 1/float64(fps))
	fadeSteps := min(int(math.Round(fade*float64(outFPS))), perFrame-1)

	steps := make([]step, 0, n*perFrame)
	for i := 0; i < n; i++ {
		if i == n-1 {
			for h := 0; h < perFrame; h++ {
				steps = append(steps, step{from: i, to: i})
			}
			break
		}
		for h := 0; h < perFrame-fadeSteps; h++ {
			steps = append(steps, step{from: i, to: i})
		}
		for k := 1; k <= fadeSteps; k++ {
			steps = append(steps, step{from: i, to: i + 1, t: float64(k) / float64(fadeSteps+1)})
		}
	}
	return outFPS, steps
}

// encodeWithTransitions renders blended intermediate frames and writes
// them as GIF or MJPEG AVI
func (e *Encoder) encodeWithTransitions(ctx context.Context, frames []Frame, req EncodeRequest, progress ProgressFunc) ([]byte, error) {
	outFPS, steps := schedule(len(frames), req.FPS, req.Transition, req.FadeDuration)

	rendered := make([]*image.RGBA, len(frames))
	get := func(i int) *image.RGBA {
		if rendered[i] == nil {
			rendered[i] = e.render(frames[i].Image, frames[i].Date, req.Size, req.ShowDate)
		}
		return rendered[i]
	}

	var sink frameSink
	var err error
	switch req.Format {
	case common.FormatGIF:
		sink = &gifSink{delay: centiseconds(outFPS)}
	case common.FormatMJPEG:
		sink, err = newAVISink(e.tempDir, req.Size, outFPS)
		if err != nil {
			return nil, err
		}
	}
	defer sink.discard()

	for i, s := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var img *image.RGBA
		if s.from == s.to || s.t == 0 {
			img = get(s.from)
		} else {
			img = blend(get(s.from), get(s.to), s.t)
		}
		// frames behind the current one are never read again
		if s.from > 0 {
			rendered[s.from-1] = nil
		}
		if err := sink.add(img); err != nil {
			return nil, err
		}
		progress(float64(i+1) / float64(len(steps)))
	}
	return sink.finish()
}

type frameSink interface {
	add(img *image.RGBA) error
	finish() ([]byte, error)
	discard()
}

type gifSink struct {
	anim  gif.GIF
	delay int
}

func (s *gifSink) add(img *image.RGBA) error {
	s.anim.Image = append(s.anim.Image, paletted(img))
	s.anim.Delay = append(s.anim.Delay, s.delay)
	return nil
}

func (s *gifSink) finish() ([]byte, error) {
	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, &s.anim); err != nil {
		return nil, fmt.Errorf("failed to encode GIF: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *gifSink) discard() {}

// aviSink streams JPEG frames into an AVI file, since the writer only
// accepts a path
type aviSink struct {
	path   string
	writer mjpeg.AviWriter
	closed bool
	buf    bytes.Buffer
}

func newAVISink(dir string, size Size, fps int) (*aviSink, error) {
	path := filepath.Join(dir, "eotl-"+uuid.NewString()+".avi")
	w, err := mjpeg.New(path, int32(size.Width), int32(size.Height), int32(fps))
	if err != nil {
		return nil, fmt.Errorf("failed to create MJPEG writer: %w", err)
	}
	return &aviSink{path: path, writer: w}, nil
}

func (s *aviSink) add(img *image.RGBA) error {
	s.buf.Reset()
	if err := jpeg.Encode(&s.buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return fmt.Errorf("failed to encode JPEG frame: %w", err)
	}
	if err := s.writer.AddFrame(s.buf.Bytes()); err != nil {
		return fmt.Errorf("failed to add frame: %w", err)
	}
	return nil
}

func (s *aviSink) finish() ([]byte, error) {
	s.closed = true
	if err := s.writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize AVI: %w", err)
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read AVI: %w", err)
	}
	return data, nil
}

func (s *aviSink) discard() {
	if !s.closed {
		_ = s.writer.Close()
	}
	_ = os.Remove(s.path)
}

func paletted(img *image.RGBA) *image.Paletted {
	p := image.NewPaletted(img.Bounds(), palette.Plan9)
	draw.FloydSteinberg.Draw(p, img.Bounds(), img, img.Bounds().Min)
	return p
}

// centiseconds converts a frame rate into a GIF frame delay
func centiseconds(fps int) int {
	d := int(math.Round(100 / float64(fps)))
	if d < 1 {
		d = 1
	}
	return d
}
