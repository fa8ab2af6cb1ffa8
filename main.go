package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/pflag"

	"github.com/sentinel-hub/eo-timelapse/internal/common"
	"github.com/sentinel-hub/eo-timelapse/internal/config"
	"github.com/sentinel-hub/eo-timelapse/internal/flyover"
	"github.com/sentinel-hub/eo-timelapse/internal/timelapse"
)

// options are the command line arguments not covered by settings
type options struct {
	configPath string
	aoiPath    string
	from       string
	to         string
	dataset    string
	layer      string
	composite  bool
	pins       []string
	is3D       bool
	out        string
	quiet      bool
}

func newFlagSet(opts *options) *pflag.FlagSet {
	fs := pflag.NewFlagSet("eo-timelapse", pflag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "timelapse.yaml", "settings file (YAML)")
	fs.StringVar(&opts.aoiPath, "aoi", "", "area of interest as GeoJSON")
	fs.StringVar(&opts.from, "from", "", "start date (YYYY-MM-DD)")
	fs.StringVar(&opts.to, "to", "", "end date (YYYY-MM-DD)")
	fs.StringVar(&opts.dataset, "dataset", "", "dataset identifier")
	fs.StringVar(&opts.layer, "layer", "", "layer identifier")
	fs.BoolVar(&opts.composite, "composite", false, "layer fuses several sources")
	fs.StringSliceVar(&opts.pins, "pin", nil, "additional dataset:layer to compare, repeatable")
	fs.BoolVar(&opts.is3D, "3d", false, "render terrain previews")
	fs.StringVar(&opts.out, "out", "", "output file or directory")
	fs.BoolVar(&opts.quiet, "quiet", false, "hide the progress bar")

	// bound to settings keys by config.Load
	fs.String("log-level", "", "log level")
	fs.String("service-url", "", "rendering service base URL")
	fs.String("token", "", "service auth token")
	fs.Int("fps", 0, "frames per second")
	fs.String("format", "", "output format: gif, avi")
	fs.String("transition", "", "frame transition: none, fade")
	fs.Int("width", 0, "output width")
	fs.Int("height", 0, "output height")
	fs.Float64("max-cc", 0, "maximum cloud cover percent")
	fs.Float64("min-coverage", 0, "minimum AOI coverage percent")
	fs.Bool("orbit", false, "keep per-orbit granularity for composite layers")
	return fs
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if timelapse.IsCancelled(err) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}

func run(args []string) error {
	var opts options
	fs := newFlagSet(&opts)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	settings, err := config.Load(opts.configPath, onlyChanged(fs))
	if err != nil {
		return err
	}

	job, err := buildJob(opts)
	if err != nil {
		return err
	}

	app, err := NewApp(settings, opts.configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app.Startup(ctx)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		app.Shutdown(shutdownCtx)
	}()

	if !opts.quiet {
		bar := progressbar.NewOptions(100,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("fetching"),
			progressbar.OptionClearOnFinish(),
		)
		job.OnProgress = func(phase string, fraction float64) {
			bar.Describe(phase)
			_ = bar.Set(int(fraction * 100))
		}
		defer bar.Finish()
	}

	artifact, err := app.GenerateTimelapse(ctx, job)
	if err != nil {
		return err
	}

	path := outputPath(opts.out, artifact.Filename)
	if err := os.WriteFile(path, artifact.Data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	fmt.Fprintf(os.Stderr, "\nWrote %s (%d frames, %d bytes)\n", path, artifact.Frames, len(artifact.Data))
	return nil
}

// onlyChanged keeps the flags the user set, so unset flags do not
// override file or environment values
func onlyChanged(fs *pflag.FlagSet) *pflag.FlagSet {
	changed := pflag.NewFlagSet(fs.Name(), pflag.ContinueOnError)
	fs.Visit(func(f *pflag.Flag) {
		changed.AddFlag(f)
	})
	return changed
}

func buildJob(opts options) (Job, error) {
	if opts.aoiPath == "" {
		return Job{}, fmt.Errorf("--aoi is required")
	}
	if opts.dataset == "" || opts.layer == "" {
		return Job{}, fmt.Errorf("--dataset and --layer are required")
	}

	area, err := loadAOI(opts.aoiPath)
	if err != nil {
		return Job{}, err
	}

	from, err := common.ParseISO8601(opts.from)
	if err != nil {
		return Job{}, fmt.Errorf("invalid --from: %w", err)
	}
	to, err := common.ParseISO8601(opts.to)
	if err != nil {
		return Job{}, fmt.Errorf("invalid --to: %w", err)
	}
	if to.Before(from) {
		return Job{}, fmt.Errorf("--to is before --from")
	}

	kind := flyover.KindSimple
	if opts.composite {
		kind = flyover.KindComposite
	}
	vizs := []*flyover.Visualization{{DatasetID: opts.dataset, LayerID: opts.layer, Kind: kind}}
	for i, pin := range opts.pins {
		dataset, layer, ok := strings.Cut(pin, ":")
		if !ok || dataset == "" || layer == "" {
			return Job{}, fmt.Errorf("invalid --pin %q, want dataset:layer", pin)
		}
		vizs = append(vizs, &flyover.Visualization{
			DatasetID: dataset,
			LayerID:   layer,
			Pin:       &flyover.Pin{ID: fmt.Sprintf("pin-%d", i+1), Title: pin},
		})
	}

	return Job{
		Area:           area,
		From:           from,
		To:             common.EndOfDayUTC(to),
		Visualizations: vizs,
		Is3D:           opts.is3D,
	}, nil
}

// loadAOI reads a GeoJSON geometry, feature or feature collection
func loadAOI(path string) (orb.Geometry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read AOI: %w", err)
	}

	if fc, err := geojson.UnmarshalFeatureCollection(data); err == nil && len(fc.Features) > 0 {
		if len(fc.Features) == 1 {
			return fc.Features[0].Geometry, nil
		}
		collection := make(orb.Collection, 0, len(fc.Features))
		for _, f := range fc.Features {
			collection = append(collection, f.Geometry)
		}
		return collection, nil
	}
	if f, err := geojson.UnmarshalFeature(data); err == nil && f.Geometry != nil {
		return f.Geometry, nil
	}
	g, err := geojson.UnmarshalGeometry(data)
	if err != nil || g.Geometry() == nil {
		return nil, fmt.Errorf("AOI %s is not a GeoJSON geometry, feature or feature collection", path)
	}
	return g.Geometry(), nil
}

// outputPath resolves --out; a directory or empty value uses the
// generated file name
func outputPath(out, filename string) string {
	if out == "" {
		return filename
	}
	if info, err := os.Stat(out); err == nil && info.IsDir() {
		return filepath.Join(out, filename)
	}
	return out
}
