package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"map-compositor/internal/analytics"
	"map-compositor/internal/annotate"
	"map-compositor/internal/compositor"
	"map-compositor/internal/config"
	"map-compositor/internal/geo"
	"map-compositor/internal/logging"
	"map-compositor/internal/metrics"
	"map-compositor/internal/mosaic"
	"map-compositor/internal/report"
)

// Version is set at build time with -ldflags "-X main.Version=..."
var Version = "dev"

const usage = `usage: mapcompose <command> [flags]

commands:
  render   <"lat, lon">                 render an annotated GPS-centered frame
  classify <location.png> <"lat, lon">... classify points against a rendered location
  aoi set  <location.png> <polygon.json> store an AOI polygon in a rendered location
  aoi show <location.png>               print the stored AOI polygon
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	var err error
	switch args[0] {
	case "render":
		err = runRender(ctx, args[1:], stdout, stderr)
	case "classify":
		err = runClassify(args[1:], stdout, stderr)
	case "aoi":
		err = runAOI(args[1:], stdout)
	case "version":
		fmt.Fprintln(stdout, Version)
	case "-h", "--help", "help":
		fmt.Fprint(stdout, usage)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return 2
	}

	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func runRender(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := pflag.NewFlagSet("render", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	config.RegisterFlags(fs)
	zoom := fs.IntP("zoom", "z", 18, "tile zoom level")
	width := fs.Int("width", 827, "frame width in pixels")
	height := fs.Int("height", 602, "frame height in pixels")
	name := fs.String("name", "", "filename prefix (default \"map\")")
	aoiArg := fs.String("aoi", "", "AOI polygon as JSON or @file")
	locale := fs.String("locale", "en", "hemisphere letters for coordinates: en or cs")
	quiet := fs.BoolP("quiet", "q", false, "suppress progress output")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(fs)
	if err != nil {
		return err
	}
	logger := logging.SetupWriter(stderr, cfg.Log.Level, cfg.Log.Format)

	center, err := parsePoint(strings.Join(fs.Args(), " "), *locale)
	if err != nil {
		return err
	}

	var polygon *annotate.AOIPolygon
	if *aoiArg != "" {
		data, err := readArg(*aoiArg)
		if err != nil {
			return err
		}
		p, ok := annotate.ParseAOI(data)
		if !ok {
			return errors.New("AOI polygon needs at least 3 points as {\"points\":[[x,y],...]}")
		}
		polygon = &p
	}

	if cfg.Metrics.Addr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	tracker := analytics.New(cfg.Analytics.PosthogKey, cfg.Analytics.PosthogHost, Version, logger)
	comp, err := compositor.NewFromConfig(cfg, tracker, Version, logger)
	if err != nil {
		tracker.Close()
		return err
	}
	defer comp.Close()

	if !*quiet {
		comp.SetLogCallback(func(msg string) { fmt.Fprintln(stderr, msg) })
		comp.SetProgressCallback(func(p mosaic.Progress) {
			fmt.Fprintf(stderr, "\r%s (%d%%)", p.Status, p.Percent)
			if p.Done == p.Total {
				fmt.Fprintln(stderr)
			}
		})
	}

	out, err := comp.Render(ctx, compositor.Request{
		Center:  center,
		Zoom:    *zoom,
		Width:   *width,
		Height:  *height,
		Name:    *name,
		Polygon: polygon,
	})
	if err != nil {
		return err
	}

	for _, e := range out.RateLimited {
		logger.Warn(e.Message())
	}
	if n := len(out.Result.Failed); n > 0 {
		fmt.Fprintf(stderr, "warning: %d of %d tiles unavailable, left blank\n", n, out.Result.Grid.Count())
	}
	for _, p := range []string{out.PNGPath, out.GeoTIFFPath} {
		if p != "" {
			fmt.Fprintln(stdout, p)
		}
	}
	return nil
}

func runClassify(args []string, stdout, stderr io.Writer) error {
	fs := pflag.NewFlagSet("classify", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	locale := fs.String("locale", "en", "hemisphere letters for coordinates: en or cs")
	logLevel := fs.String("log-level", "warn", "log level")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return errors.New("classify needs a location PNG and at least one point")
	}
	logger := logging.SetupWriter(stderr, *logLevel, "text")

	loc, err := report.LoadLocation(fs.Arg(0))
	if err != nil {
		return err
	}

	adapter := report.NewAdapter(logger)
	if cfg, err := config.Load(nil); err == nil {
		tracker := analytics.New(cfg.Analytics.PosthogKey, cfg.Analytics.PosthogHost, Version, logger)
		defer tracker.Close()
		adapter.SetEventSink(tracker)
	} else {
		logger.Debug("analytics disabled", "error", err)
	}
	for _, raw := range fs.Args()[1:] {
		var target *geo.GeoPoint
		if p, err := parsePoint(raw, *locale); err == nil {
			target = &p
		} else {
			logger.Debug("unparseable point", "input", raw, "error", err)
		}

		res, err := adapter.Classify(loc, target)
		if errors.Is(err, report.ErrNoGPS) {
			fmt.Fprintf(stdout, "%s\t%s\n", raw, "no GPS")
			continue
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s\t%s\n", raw, report.FormatDeviation(res))
	}
	return nil
}

func runAOI(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return errors.New("aoi needs a subcommand: set or show")
	}
	switch args[0] {
	case "set":
		if len(args) != 3 {
			return errors.New("usage: mapcompose aoi set <location.png> <polygon.json|@file>")
		}
		data, err := readArg(args[2])
		if err != nil {
			return err
		}
		poly, ok := annotate.ParseAOI(data)
		if !ok {
			return errors.New("AOI polygon needs at least 3 points as {\"points\":[[x,y],...]}")
		}
		return rewritePNG(args[1], func(w io.Writer, r io.Reader) error {
			return annotate.SaveAOIPolygon(w, r, poly)
		})
	case "show":
		if len(args) != 2 {
			return errors.New("usage: mapcompose aoi show <location.png>")
		}
		f, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer f.Close()
		poly, ok := annotate.LoadAOIPolygon(f)
		if !ok {
			return errors.New("no AOI polygon stored")
		}
		data, err := annotate.MarshalAOI(poly)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, string(data))
		return nil
	default:
		return fmt.Errorf("unknown aoi subcommand %q", args[0])
	}
}

// rewritePNG replaces path with the output of transform
func rewritePNG(path string, transform func(io.Writer, io.Reader) error) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var out bytes.Buffer
	if err := transform(&out, bytes.NewReader(src)); err != nil {
		return err
	}
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	if err := os.WriteFile(tmp, out.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	slog.Debug("rewrote PNG metadata", "path", path)
	return nil
}

// readArg returns s itself or, for "@path", the file contents
func readArg(s string) ([]byte, error) {
	if strings.HasPrefix(s, "@") {
		return os.ReadFile(strings.TrimPrefix(s, "@"))
	}
	return []byte(s), nil
}

func parsePoint(s, locale string) (geo.GeoPoint, error) {
	l, err := geo.ParseLocale(locale)
	if err != nil {
		return geo.GeoPoint{}, err
	}
	if strings.TrimSpace(s) == "" {
		return geo.GeoPoint{}, errors.New("missing coordinates, e.g. \"49.2317, 17.4279\"")
	}
	return geo.ParseCoordinates(s, l)
}
