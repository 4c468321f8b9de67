// Package facesense measures how long each facial emotion is shown in front
// of a camera.
//
// A Session samples frames from a capture source on a fixed interval, asks a
// face backend for the faces and their expressions, draws a box and a
// translated emotion label per face on an overlay surface and accumulates
// per-emotion dwell time. On demand the dwell times are exported as a JSON
// report and the session starts counting from zero again.
//
// Basic usage:
//
//	package main
//
//	import (
//		"context"
//		"log"
//
//		"github.com/menta2k/facesense"
//		"github.com/menta2k/facesense/pkg/capture"
//		"github.com/menta2k/facesense/pkg/detection"
//		"github.com/menta2k/facesense/pkg/ollama"
//	)
//
//	func main() {
//		backend, err := ollama.NewClient("http://localhost:11434", "minicpm-v")
//		if err != nil {
//			log.Fatal(err)
//		}
//
//		s := facesense.New(detection.NewDetector(backend), capture.New("frames/", false), facesense.DefaultOptions())
//		if err := s.Start(context.Background()); err != nil {
//			log.Fatal(err)
//		}
//		<-s.Done()
//		s.Stop()
//
//		path, _, err := s.Export()
//		if err != nil {
//			log.Fatal(err)
//		}
//		log.Printf("report written to %s", path)
//	}
//
// The package wires these components:
//
// 1. Capture (pkg/capture): still images, frame directories and HTTP snapshot cameras
// 2. Detection (pkg/detection): frame encoding and validation of backend results
// 3. Sampler (pkg/sampler): the periodic sampling loop
// 4. Aggregator (pkg/aggregator): per-emotion dwell time
// 5. Report (pkg/report): percentages, snapshots and JSON export
// 6. Overlay (pkg/overlay): boxes and labels on a display-sized surface
package facesense

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/menta2k/facesense/internal/utils"
	"github.com/menta2k/facesense/pkg/aggregator"
	"github.com/menta2k/facesense/pkg/capture"
	"github.com/menta2k/facesense/pkg/overlay"
	"github.com/menta2k/facesense/pkg/processing"
	"github.com/menta2k/facesense/pkg/report"
	"github.com/menta2k/facesense/pkg/sampler"
	"github.com/menta2k/facesense/pkg/types"
)

// Version of the facesense library
const Version = "1.0.0"

// ErrNotRunning is returned when an operation needs a started session
var ErrNotRunning = errors.New("session not running")

// Status is the lifecycle state of a session
type Status string

const (
	StatusIdle              Status = "idle"
	StatusLoadingModels     Status = "loading_models"
	StatusRunning           Status = "running"
	StatusModelError        Status = "model_error"
	StatusCameraUnavailable Status = "camera_unavailable"
	StatusStopped           Status = "stopped"
)

// Provider loads the face models and detects faces in frames
type Provider interface {
	LoadModels(ctx context.Context, source string) error
	sampler.Detector
}

// Options configures a Session
type Options struct {
	ModelSource     string
	DisplaySize     types.Size // zero uses the video size
	Interval        time.Duration
	RefreshInterval time.Duration
	Policy          sampler.Policy
	Style           overlay.Style
	ReportDir       string
	ReportPrefix    string
	Logger          *logrus.Logger
	Now             func() time.Time
}

// DefaultOptions returns the default session options
func DefaultOptions() Options {
	return Options{
		ModelSource:     "/models",
		Interval:        sampler.DefaultInterval,
		RefreshInterval: 5 * time.Second,
		Policy:          sampler.PolicyLargest,
		Style:           overlay.DefaultStyle(),
		ReportDir:       ".",
		ReportPrefix:    report.DefaultPrefix,
	}
}

// Session is one measuring session
type Session struct {
	id       string
	provider Provider
	source   capture.Source
	opts     Options
	log      *logrus.Entry

	agg      *aggregator.Aggregator
	exporter *report.Exporter
	live     atomic.Pointer[[]report.Share]
	liveMu   sync.Mutex
	liveGen  uint64 // bumped by Export, guarded by liveMu

	mu       sync.Mutex
	status   Status
	renderer *overlay.Renderer
	sampler  *sampler.Sampler
	cancel   context.CancelFunc
	done     chan struct{}
	wg       sync.WaitGroup
}

// New creates an idle session
func New(provider Provider, source capture.Source, opts Options) *Session {
	def := DefaultOptions()
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = def.RefreshInterval
	}
	if opts.Policy == "" {
		opts.Policy = def.Policy
	}
	if opts.Style.Stroke == 0 {
		opts.Style = def.Style
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	id := uuid.NewString()
	s := &Session{
		id:       id,
		provider: provider,
		source:   source,
		opts:     opts,
		log:      opts.Logger.WithFields(logrus.Fields{"component": "session", "session": id}),
		agg:      aggregator.New(),
		exporter: report.NewExporter(opts.ReportDir, opts.ReportPrefix),
		status:   StatusIdle,
		done:     make(chan struct{}),
	}
	return s
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// Status returns the lifecycle state
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Done is closed when sampling ends, either by Stop or because the source
// ran out of frames
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Start loads the models, opens the source and starts sampling. A model or
// camera failure is reported once through the returned error, the status and
// the log; it is not retried.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusIdle {
		status := s.status
		s.mu.Unlock()
		return fmt.Errorf("cannot start session in state %s", status)
	}
	s.status = StatusLoadingModels
	s.mu.Unlock()

	s.log.WithField("source", s.opts.ModelSource).Info("loading models")
	if err := s.provider.LoadModels(ctx, s.opts.ModelSource); err != nil {
		s.setStatus(StatusModelError)
		s.log.WithError(err).Error("failed to load models")
		return err
	}

	meta, err := s.source.Open(ctx)
	if err != nil {
		s.setStatus(StatusCameraUnavailable)
		s.log.WithError(err).Error("failed to open camera")
		return err
	}

	display := s.opts.DisplaySize
	if display.Empty() {
		display = meta.Size
	}
	renderer, err := overlay.NewRenderer(display, s.opts.Style)
	if err != nil {
		s.source.Close()
		s.setStatus(StatusCameraUnavailable)
		return fmt.Errorf("%w: %v", capture.ErrCameraUnavailable, err)
	}

	smp := sampler.New(s.source, s.provider, renderer, s.agg,
		sampler.WithInterval(s.opts.Interval),
		sampler.WithPolicy(s.opts.Policy),
		sampler.WithClock(s.opts.Now),
		sampler.WithLogger(s.opts.Logger),
	)
	runCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.renderer = renderer
	s.sampler = smp
	s.cancel = cancel
	s.status = StatusRunning
	s.mu.Unlock()

	s.wg.Add(2)
	go s.sample(runCtx, smp)
	go s.refresh(runCtx)

	s.log.WithFields(logrus.Fields{
		"video":   fmt.Sprintf("%dx%d", meta.Size.Width, meta.Size.Height),
		"display": fmt.Sprintf("%dx%d", display.Width, display.Height),
	}).Info("session started")
	return nil
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *Session) sample(ctx context.Context, smp *sampler.Sampler) {
	defer s.wg.Done()
	defer close(s.done)

	if err := smp.Run(ctx); errors.Is(err, capture.ErrEndOfStream) {
		s.log.Info("frame source exhausted")
		s.setStatus(StatusStopped)
	}
}

func (s *Session) refresh(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateLive()
		}
	}
}

func (s *Session) updateLive() {
	gen := s.liveGeneration()
	shares := report.Percentages(s.agg.Totals())
	if !s.storeLive(gen, shares) || shares == nil {
		return
	}

	fields := logrus.Fields{}
	for _, sh := range shares {
		fields[sh.Name] = fmt.Sprintf("%.2f%%", sh.Percentage)
	}
	s.log.WithFields(fields).Info("emotion percentages")
}

func (s *Session) liveGeneration() uint64 {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	return s.liveGen
}

// storeLive publishes shares computed at generation gen. Shares computed
// before an export are discarded.
func (s *Session) storeLive(gen uint64, shares []report.Share) bool {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	if gen != s.liveGen {
		return false
	}
	s.live.Store(&shares)
	return true
}

func (s *Session) resetLive() {
	s.liveMu.Lock()
	s.liveGen++
	s.live.Store(nil)
	s.liveMu.Unlock()
}

// Stop stops sampling and releases the camera. It is safe to call more
// than once.
func (s *Session) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	s.wg.Wait()

	err := s.source.Close()
	s.setStatus(StatusStopped)

	st := s.Stats()
	s.log.WithFields(logrus.Fields{
		"cycles":   st.Cycles,
		"skipped":  st.Skipped,
		"failures": st.Failures,
	}).Info("session stopped")
	return err
}

// Export writes the accumulated dwell times as a report file and resets
// them. With nothing accumulated it writes nothing and returns an empty
// path and a nil snapshot. When the file cannot be written the dwell times
// are kept for the next export.
func (s *Session) Export() (string, *report.Snapshot, error) {
	snap, ok := report.Generate(s.agg, s.opts.Now())
	if !ok {
		s.log.Debug("nothing to report")
		return "", nil, nil
	}
	s.resetLive()

	path, err := s.exporter.Export(snap)
	if err != nil {
		s.agg.Restore(snap.Totals())
		s.log.WithError(err).WithField("total", snap.Total).Error("report export failed, dwell times kept")
		return "", nil, err
	}

	entry := s.log.WithFields(logrus.Fields{"path": path, "total": snap.Total})
	if info, err := os.Stat(path); err == nil {
		entry = entry.WithField("size", utils.FormatFileSize(info.Size()))
	}
	entry.Info("report exported")
	return path, snap, nil
}

// FileName returns the download name of an exported snapshot
func (s *Session) FileName(snap *report.Snapshot) string {
	return s.exporter.FileName(snap)
}

// Live returns the percentages computed by the last refresh, or nil before
// the first refresh and after an export
func (s *Session) Live() []report.Share {
	p := s.live.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Totals returns the dwell times accumulated since the last export
func (s *Session) Totals() aggregator.Totals {
	return s.agg.Totals()
}

// Stats returns the sampler counters
func (s *Session) Stats() sampler.Stats {
	s.mu.Lock()
	smp := s.sampler
	s.mu.Unlock()
	if smp == nil {
		return sampler.Stats{}
	}
	return smp.Stats()
}

// Composite returns the last sampled frame with the overlay drawn over it,
// scaled to the display size
func (s *Session) Composite() (image.Image, error) {
	s.mu.Lock()
	r, smp := s.renderer, s.sampler
	s.mu.Unlock()
	if r == nil || smp == nil {
		return nil, ErrNotRunning
	}
	frame := smp.LastFrame()
	if frame == nil {
		return r.Surface(), nil
	}
	return r.Composite(frame), nil
}

// OverlayPNG writes the current overlay surface as PNG
func (s *Session) OverlayPNG(w io.Writer) error {
	s.mu.Lock()
	r := s.renderer
	s.mu.Unlock()
	if r == nil {
		return ErrNotRunning
	}
	return processing.EncodePNG(w, r.Surface())
}
