package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/menta2k/facesense"
	"github.com/menta2k/facesense/internal/config"
	"github.com/menta2k/facesense/internal/logger"
	"github.com/menta2k/facesense/internal/server"
	"github.com/menta2k/facesense/internal/utils"
	"github.com/menta2k/facesense/pkg/capture"
	"github.com/menta2k/facesense/pkg/client"
	"github.com/menta2k/facesense/pkg/detection"
	"github.com/menta2k/facesense/pkg/llamacpp"
	"github.com/menta2k/facesense/pkg/ollama"
	"github.com/menta2k/facesense/pkg/overlay"
	"github.com/menta2k/facesense/pkg/processing"
	"github.com/menta2k/facesense/pkg/sampler"
	"github.com/menta2k/facesense/pkg/types"
	"github.com/menta2k/facesense/pkg/wsface"
)

type flags struct {
	configPath string
	envFile    string
	source     string
	backend    string
	url        string
	model      string
	models     string
	out        string
	listen     string
	interval   int
	strict     bool
	multiFace  string
	loop       bool
	overlayOut string
	overlayQ   int
}

func main() {
	var f flags
	flag.StringVar(&f.configPath, "config", "", "config file (yaml or json), defaults to "+config.GetConfigPath()+" when present")
	flag.StringVar(&f.envFile, "env", ".env", "dotenv file with FACESENSE_* overrides")
	flag.StringVar(&f.source, "source", "", "frame source: image file, directory of frames or snapshot URL")
	flag.StringVar(&f.backend, "backend", "", "face backend: ollama, llamacpp or websocket")
	flag.StringVar(&f.url, "url", "", "backend server URL")
	flag.StringVar(&f.model, "model", "", "vision model name (ollama and llamacpp)")
	flag.StringVar(&f.models, "models", "", "model source the backend loads its weights from")
	flag.StringVar(&f.out, "out", "", "report output directory")
	flag.StringVar(&f.listen, "listen", "", "HTTP control address, e.g. :8090 (empty disables)")
	flag.IntVar(&f.interval, "interval", 0, "sampling interval in milliseconds")
	flag.BoolVar(&f.strict, "strict", false, "fail cycles on unknown expression labels")
	flag.StringVar(&f.multiFace, "multi-face", "", "multi-face policy: largest or each")
	flag.BoolVar(&f.loop, "loop", false, "replay a frame directory forever")
	flag.StringVar(&f.overlayOut, "overlay-out", "", "save the last frame with its overlay on exit (png|jpg|webp)")
	flag.IntVar(&f.overlayQ, "overlay-quality", 90, "quality for -overlay-out (jpg/webp)")
	flag.Parse()

	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", filepath.Base(os.Args[0]), err)
		os.Exit(2)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", filepath.Base(os.Args[0]), err)
		os.Exit(2)
	}

	if err := run(cfg, f, log); err != nil {
		log.WithError(err).Fatal("facesense failed")
	}
}

func loadConfig(f flags) (*config.Config, error) {
	path := f.configPath
	if path == "" && utils.FileExists(config.GetConfigPath()) {
		path = config.GetConfigPath()
	}

	cfg := config.Default()
	if path != "" {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(f.envFile); err != nil {
		return nil, err
	}

	// flags win over file and environment
	set := map[string]bool{}
	flag.Visit(func(fl *flag.Flag) { set[fl.Name] = true })
	if f.source != "" {
		cfg.Capture.Source = f.source
	}
	if f.backend != "" {
		cfg.Provider.Backend = strings.ToLower(f.backend)
		if f.url == "" && !set["url"] {
			cfg.Provider.URL = defaultURL(cfg.Provider.Backend, cfg.Provider.URL)
		}
	}
	if f.url != "" {
		cfg.Provider.URL = f.url
	}
	if f.model != "" {
		cfg.Provider.Model = f.model
	}
	if f.models != "" {
		cfg.Provider.ModelSource = f.models
	}
	if f.out != "" {
		cfg.Report.OutputDir = f.out
	}
	if f.listen != "" {
		cfg.Server.Listen = f.listen
	}
	if f.interval > 0 {
		cfg.Sampler.IntervalMS = f.interval
		if cfg.Sampler.RefreshMS < f.interval {
			cfg.Sampler.RefreshMS = f.interval
		}
	}
	if set["strict"] {
		cfg.Provider.StrictLabels = f.strict
	}
	if f.multiFace != "" {
		cfg.Sampler.MultiFace = f.multiFace
	}
	if set["loop"] {
		cfg.Capture.Loop = f.loop
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func defaultURL(backend, current string) string {
	switch backend {
	case "llamacpp":
		return "http://localhost:8080"
	case "websocket":
		return "ws://localhost:8765/faces"
	case "ollama":
		return "http://localhost:11434"
	}
	return current
}

func newBackend(cfg config.ProviderConfig, log *logrus.Logger) (client.FaceClient, func(), error) {
	switch cfg.Backend {
	case "ollama":
		c, err := ollama.NewClient(cfg.URL, cfg.Model)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Ollama client: %w", err)
		}
		return c, func() {}, nil
	case "llamacpp":
		c, err := llamacpp.NewClient(cfg.URL, cfg.Model)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create llama.cpp client: %w", err)
		}
		return c, func() {}, nil
	case "websocket":
		c := wsface.NewClient(cfg.URL, log)
		return c, func() { c.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown backend: %s (use ollama, llamacpp or websocket)", cfg.Backend)
}

func sessionOptions(cfg *config.Config, log *logrus.Logger) (facesense.Options, error) {
	opts := facesense.DefaultOptions()
	opts.ModelSource = cfg.Provider.ModelSource
	opts.DisplaySize = types.Size{Width: cfg.Capture.DisplayWidth, Height: cfg.Capture.DisplayHeight}
	opts.Interval = cfg.Interval()
	opts.RefreshInterval = cfg.RefreshInterval()
	opts.ReportDir = cfg.Report.OutputDir
	opts.ReportPrefix = cfg.Report.Prefix
	opts.Logger = log

	policy, err := sampler.ParsePolicy(cfg.Sampler.MultiFace)
	if err != nil {
		return opts, err
	}
	opts.Policy = policy

	boxColor, err := overlay.ParseColor(cfg.Overlay.BoxColor)
	if err != nil {
		return opts, fmt.Errorf("overlay.box_color: %w", err)
	}
	textColor, err := overlay.ParseColor(cfg.Overlay.TextColor)
	if err != nil {
		return opts, fmt.Errorf("overlay.text_color: %w", err)
	}
	opts.Style = overlay.Style{
		BoxColor:  boxColor,
		TextColor: textColor,
		Stroke:    cfg.Overlay.Stroke,
	}
	opts.Style.LabelOffset.X = cfg.Overlay.LabelOffsetX
	opts.Style.LabelOffset.Y = cfg.Overlay.LabelOffsetY
	return opts, nil
}

func run(cfg *config.Config, f flags, log *logrus.Logger) error {
	backend, closeBackend, err := newBackend(cfg.Provider, log)
	if err != nil {
		return err
	}
	defer closeBackend()

	detector := detection.NewDetector(backend,
		detection.WithOptions(types.DetectOptions{
			Model:         cfg.Provider.Model,
			Variant:       cfg.Provider.Variant,
			MinConfidence: cfg.Provider.MinConfidence,
			InputSize:     cfg.Provider.InputSize,
		}),
		detection.WithProcessing(types.ProcessingOptions{
			SendFormat:  cfg.Provider.SendFormat,
			SendSize:    cfg.Provider.SendSize,
			SendQuality: cfg.Provider.SendQuality,
		}),
		detection.WithStrictLabels(cfg.Provider.StrictLabels),
		detection.WithLogger(log),
	)

	opts, err := sessionOptions(cfg, log)
	if err != nil {
		return err
	}

	source := capture.New(cfg.Capture.Source, cfg.Capture.Loop)
	session := facesense.New(detector, source, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	err = session.Start(ctx)
	cancel()
	if err != nil {
		return err
	}

	var srv *server.Server
	if cfg.Server.Listen != "" {
		srv = server.New(session, log,
			server.WithPushInterval(cfg.PushInterval()),
			server.WithReportLimit(rate.Limit(float64(cfg.Server.ReportPerMinute)/60), cfg.Server.ReportBurst),
		)
		go func() {
			if err := srv.Listen(cfg.Server.Listen); err != nil {
				log.WithError(err).Error("control server stopped")
			}
		}()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	defer signal.Stop(sigs)

wait:
	for {
		select {
		case sig := <-sigs:
			if sig == syscall.SIGUSR1 {
				exportReport(session, log)
				continue
			}
			log.WithField("signal", sig.String()).Info("shutting down")
			break wait
		case <-session.Done():
			log.Info("frame source finished")
			break wait
		}
	}

	if f.overlayOut != "" {
		saveComposite(session, f.overlayOut, f.overlayQ, log)
	}

	if srv != nil {
		if err := srv.Shutdown(); err != nil {
			log.WithError(err).Warn("control server shutdown failed")
		}
	}
	if err := session.Stop(); err != nil {
		log.WithError(err).Warn("session stop failed")
	}
	if cfg.Report.ExportOnExit {
		exportReport(session, log)
	}
	return nil
}

func exportReport(s *facesense.Session, log *logrus.Logger) {
	path, snap, err := s.Export()
	if err != nil {
		log.WithError(err).Error("report export failed")
		return
	}
	if snap == nil {
		log.Info("nothing tracked yet, no report written")
		return
	}
	for _, it := range snap.Items {
		log.Infof("%-10s %6.2fs %6.2f%%", it.Name, it.Time.Seconds(), it.Percentage)
	}
	log.WithField("path", path).Info("report written")
}

func saveComposite(s *facesense.Session, path string, quality int, log *logrus.Logger) {
	img, err := s.Composite()
	if err != nil {
		log.WithError(err).Warn("no frame to save")
		return
	}
	ext := utils.GetFileExtension(path)
	if err := processing.NewProcessor().SaveImage(img, path, ext, quality, false); err != nil {
		log.WithError(err).Warn("overlay save failed")
		return
	}
	log.WithField("path", path).Info("wrote overlay frame")
}
