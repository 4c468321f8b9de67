// Package sampler runs the periodic frame sampling loop: read a frame, detect
// faces, redraw the overlay and feed the dominant emotion to the aggregator.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/menta2k/facesense/pkg/aggregator"
	"github.com/menta2k/facesense/pkg/capture"
	"github.com/menta2k/facesense/pkg/emotion"
	"github.com/menta2k/facesense/pkg/overlay"
	"github.com/menta2k/facesense/pkg/types"
)

// DefaultInterval is the sampling period
const DefaultInterval = 100 * time.Millisecond

// Detector finds faces in a frame
type Detector interface {
	DetectAll(ctx context.Context, frame image.Image) ([]types.Detection, error)
}

// Policy decides which faces of a cycle update the aggregator
type Policy string

const (
	// PolicyLargest updates with the dominant emotion of the largest face only
	PolicyLargest Policy = "largest"
	// PolicyEach updates once per face, in detection order
	PolicyEach Policy = "each"
)

// ParsePolicy validates a policy name
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyLargest, PolicyEach:
		return Policy(s), nil
	case "":
		return PolicyLargest, nil
	}
	return "", fmt.Errorf("unknown multi-face policy %q", s)
}

// Stats counts what the sampler has done so far
type Stats struct {
	Ticks     uint64    `json:"ticks"`
	Cycles    uint64    `json:"cycles"`
	Skipped   uint64    `json:"skipped"`
	Failures  uint64    `json:"failures"`
	Faces     uint64    `json:"faces"`
	LastError string    `json:"last_error,omitempty"`
	LastCycle time.Time `json:"last_cycle,omitempty"`
}

// Sampler drives sampling cycles on a fixed interval
type Sampler struct {
	source   capture.Source
	detector Detector
	renderer *overlay.Renderer
	agg      *aggregator.Aggregator
	interval time.Duration
	policy   Policy
	now      func() time.Time
	log      *logrus.Entry
	warnings *rate.Limiter // limits failed-cycle warnings

	inFlight atomic.Bool
	wg       sync.WaitGroup

	mu        sync.Mutex
	stats     Stats
	lastFrame image.Image
}

// Option configures a Sampler
type Option func(*Sampler)

// WithInterval sets the sampling period
func WithInterval(d time.Duration) Option {
	return func(s *Sampler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithPolicy sets the multi-face policy
func WithPolicy(p Policy) Option {
	return func(s *Sampler) { s.policy = p }
}

// WithClock replaces time.Now, mostly for tests
func WithClock(now func() time.Time) Option {
	return func(s *Sampler) { s.now = now }
}

// WithLogger sets the logger
func WithLogger(log *logrus.Logger) Option {
	return func(s *Sampler) {
		if log != nil {
			s.log = log.WithField("component", "sampler")
		}
	}
}

// New creates a sampler. The renderer may be nil when no overlay is wanted.
func New(src capture.Source, det Detector, renderer *overlay.Renderer, agg *aggregator.Aggregator, opts ...Option) *Sampler {
	s := &Sampler{
		source:   src,
		detector: det,
		renderer: renderer,
		agg:      agg,
		interval: DefaultInterval,
		policy:   PolicyLargest,
		now:      time.Now,
		log:      logrus.StandardLogger().WithField("component", "sampler"),
		warnings: rate.NewLimiter(rate.Every(time.Second), 3),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run samples on every tick until ctx is done or the source ends. A tick
// that arrives while a cycle is still running is skipped. Run waits for the
// in-flight cycle before returning; it returns capture.ErrEndOfStream when
// the source was exhausted and nil when ctx was cancelled.
func (s *Sampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	cycleCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ended := make(chan struct{}, 1)

	s.log.WithFields(logrus.Fields{"interval": s.interval, "policy": s.policy}).Info("sampler started")
	defer s.log.Info("sampler stopped")

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return nil
		case <-ended:
			cancel()
			s.wg.Wait()
			return capture.ErrEndOfStream
		case <-ticker.C:
			s.count(func(st *Stats) { st.Ticks++ })
			if !s.inFlight.CompareAndSwap(false, true) {
				s.count(func(st *Stats) { st.Skipped++ })
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer s.inFlight.Store(false)
				if err := s.SampleOnce(cycleCtx); errors.Is(err, capture.ErrEndOfStream) || errors.Is(err, capture.ErrClosed) {
					select {
					case ended <- struct{}{}:
					default:
					}
				}
			}()
		}
	}
}

// SampleOnce runs one sampling cycle. On failure the overlay and the
// aggregator are left untouched.
func (s *Sampler) SampleOnce(ctx context.Context) error {
	frame, err := s.source.Frame(ctx)
	if err != nil {
		if errors.Is(err, capture.ErrEndOfStream) || errors.Is(err, capture.ErrClosed) {
			s.log.WithError(err).Info("frame source ended")
			return err
		}
		return s.fail(ctx, fmt.Errorf("read frame: %w", err))
	}

	dets, err := s.detector.DetectAll(ctx, frame)
	if err != nil {
		return s.fail(ctx, fmt.Errorf("detect faces: %w", err))
	}
	now := s.now()

	if s.renderer != nil {
		b := frame.Bounds()
		from := types.Size{Width: b.Dx(), Height: b.Dy()}
		s.renderer.Draw(overlay.ResizeDetections(dets, from, s.renderer.Size()))
	}

	for _, label := range s.dominantLabels(dets) {
		s.agg.Update(label, now)
	}

	s.count(func(st *Stats) {
		st.Cycles++
		st.Faces += uint64(len(dets))
		st.LastCycle = now
		s.lastFrame = frame
	})
	if len(dets) > 0 {
		s.log.WithField("faces", len(dets)).Debug("cycle complete")
	}
	return nil
}

// Stats returns a copy of the counters
func (s *Sampler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// LastFrame returns the frame of the last successful cycle, or nil
func (s *Sampler) LastFrame() image.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFrame
}

func (s *Sampler) dominantLabels(dets []types.Detection) []emotion.Label {
	if len(dets) == 0 {
		return nil
	}
	if s.policy == PolicyEach {
		out := make([]emotion.Label, len(dets))
		for i, d := range dets {
			out[i] = d.Dominant
		}
		return out
	}

	largest := dets[0]
	for _, d := range dets[1:] {
		if d.Box.Area() > largest.Box.Area() {
			largest = d
		}
	}
	return []emotion.Label{largest.Dominant}
}

func (s *Sampler) fail(ctx context.Context, err error) error {
	// cancellation during shutdown is not a failed cycle
	if ctx.Err() != nil {
		return err
	}
	s.count(func(st *Stats) {
		st.Failures++
		st.LastError = err.Error()
	})
	if errors.Is(err, emotion.ErrUnknownLabel) {
		s.log.WithError(err).Error("provider returned an unknown emotion label")
	} else if s.warnings.Allow() {
		s.log.WithError(err).WithField("failures", s.Stats().Failures).Warn("sampling cycle failed")
	}
	return err
}

func (s *Sampler) count(f func(*Stats)) {
	s.mu.Lock()
	f(&s.stats)
	s.mu.Unlock()
}
