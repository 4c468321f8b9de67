package sampler

import (
	"context"
	"errors"
	"image"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/facesense/pkg/aggregator"
	"github.com/menta2k/facesense/pkg/capture"
	"github.com/menta2k/facesense/pkg/emotion"
	"github.com/menta2k/facesense/pkg/overlay"
	"github.com/menta2k/facesense/pkg/types"
)

type fakeSource struct {
	mu     sync.Mutex
	frames int // -1 for endless
	served int
	err    error
}

func (f *fakeSource) Open(ctx context.Context) (capture.Meta, error) {
	return capture.Meta{Size: types.Size{Width: 200, Height: 100}}, nil
}

func (f *fakeSource) Frame(ctx context.Context) (image.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.frames >= 0 && f.served >= f.frames {
		return nil, capture.ErrEndOfStream
	}
	f.served++
	return image.NewRGBA(image.Rect(0, 0, 200, 100)), nil
}

func (f *fakeSource) Close() error { return nil }

// scriptedDetector returns one scripted result per call, then no faces
type scriptedDetector struct {
	mu    sync.Mutex
	steps [][]types.Detection
	err   error
	calls int
}

func (d *scriptedDetector) DetectAll(ctx context.Context, frame image.Image) ([]types.Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	if len(d.steps) == 0 {
		return nil, nil
	}
	out := d.steps[0]
	d.steps = d.steps[1:]
	return out, nil
}

type blockingDetector struct {
	release chan struct{}
}

func (d *blockingDetector) DetectAll(ctx context.Context, frame image.Image) ([]types.Detection, error) {
	select {
	case <-d.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return nil, nil
}

type fakeClock struct {
	times []time.Time
}

func (c *fakeClock) now() time.Time {
	t := c.times[0]
	if len(c.times) > 1 {
		c.times = c.times[1:]
	}
	return t
}

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func at(ms int) time.Time {
	return epoch.Add(time.Duration(ms) * time.Millisecond)
}

func face(label emotion.Label, x, y, w, h float64) types.Detection {
	return types.Detection{Box: types.Box{X: x, Y: y, W: w, H: h}, Score: 0.9, Dominant: label}
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newRenderer(t *testing.T) *overlay.Renderer {
	t.Helper()
	r, err := overlay.NewRenderer(types.Size{Width: 100, Height: 50}, overlay.DefaultStyle())
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func isBlank(img *image.NRGBA) bool {
	for _, v := range img.Pix {
		if v != 0 {
			return false
		}
	}
	return true
}

func TestSampleOnceHappySad(t *testing.T) {
	agg := aggregator.New()
	det := &scriptedDetector{steps: [][]types.Detection{
		{face(emotion.Happy, 0, 0, 50, 50)},
		{face(emotion.Happy, 0, 0, 50, 50)},
		{face(emotion.Sad, 0, 0, 50, 50)},
		{face(emotion.Sad, 0, 0, 50, 50)},
	}}
	clock := &fakeClock{times: []time.Time{at(0), at(1000), at(1000), at(3000)}}
	s := New(&fakeSource{frames: -1}, det, nil, agg, WithClock(clock.now), WithLogger(quietLogger()))

	for i := 0; i < 4; i++ {
		if err := s.SampleOnce(context.Background()); err != nil {
			t.Fatalf("Cycle %d failed: %v", i, err)
		}
	}

	totals := agg.Totals()
	if totals[emotion.Happy] != time.Second || totals[emotion.Sad] != 2*time.Second {
		t.Errorf("Unexpected totals %v", totals)
	}
	if st := s.Stats(); st.Cycles != 4 || st.Faces != 4 {
		t.Errorf("Unexpected stats %+v", st)
	}
	if s.LastFrame() == nil {
		t.Error("Expected the last frame to be kept")
	}
}

func TestPolicyEachSameTimestamp(t *testing.T) {
	agg := aggregator.New()
	det := &scriptedDetector{steps: [][]types.Detection{
		{face(emotion.Happy, 0, 0, 80, 80), face(emotion.Angry, 100, 0, 10, 10)},
	}}
	s := New(&fakeSource{frames: -1}, det, nil, agg, WithPolicy(PolicyEach), WithClock(func() time.Time { return at(100) }), WithLogger(quietLogger()))

	if err := s.SampleOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if agg.Total() != 0 {
		t.Errorf("Expected nothing attributed, got %v", agg.Total())
	}
	if last, _, _ := agg.Last(); last != emotion.Angry {
		t.Errorf("Expected last angry, got %s", last)
	}
}

func TestPolicyLargest(t *testing.T) {
	agg := aggregator.New()
	det := &scriptedDetector{steps: [][]types.Detection{
		{face(emotion.Angry, 100, 0, 10, 10), face(emotion.Happy, 0, 0, 80, 80), face(emotion.Sad, 0, 0, 20, 20)},
	}}
	s := New(&fakeSource{frames: -1}, det, nil, agg, WithClock(func() time.Time { return at(0) }), WithLogger(quietLogger()))

	if err := s.SampleOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if last, _, _ := agg.Last(); last != emotion.Happy {
		t.Errorf("Expected the largest face (happy), got %s", last)
	}
}

func TestNoFacesLeavesAggregatorAndClearsOverlay(t *testing.T) {
	agg := aggregator.New()
	r := newRenderer(t)
	det := &scriptedDetector{steps: [][]types.Detection{
		{face(emotion.Happy, 10, 10, 40, 40)},
		{},
	}}
	s := New(&fakeSource{frames: -1}, det, r, agg, WithLogger(quietLogger()))

	s.SampleOnce(context.Background())
	if isBlank(r.Surface()) {
		t.Fatal("Expected overlay drawn for one face")
	}
	s.SampleOnce(context.Background())
	if !isBlank(r.Surface()) {
		t.Error("Expected overlay cleared when no faces are found")
	}
	if last, _, _ := agg.Last(); last != emotion.Happy {
		t.Errorf("Expected last emotion kept, got %s", last)
	}
}

func TestFailedCycleKeepsOverlay(t *testing.T) {
	agg := aggregator.New()
	r := newRenderer(t)
	det := &scriptedDetector{steps: [][]types.Detection{{face(emotion.Sad, 10, 10, 40, 40)}}}
	s := New(&fakeSource{frames: -1}, det, r, agg, WithLogger(quietLogger()))

	if err := s.SampleOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	before := r.Surface()

	det.err = errors.New("provider down")
	if err := s.SampleOnce(context.Background()); err == nil {
		t.Fatal("Expected cycle error")
	}
	after := r.Surface()
	for i := range before.Pix {
		if before.Pix[i] != after.Pix[i] {
			t.Fatal("Failed cycle changed the overlay")
		}
	}

	st := s.Stats()
	if st.Failures != 1 || st.LastError == "" {
		t.Errorf("Expected one counted failure, got %+v", st)
	}
}

func TestUnknownLabelFailureIsCounted(t *testing.T) {
	det := &scriptedDetector{err: emotion.ErrUnknownLabel}
	s := New(&fakeSource{frames: -1}, det, nil, aggregator.New(), WithLogger(quietLogger()))
	if err := s.SampleOnce(context.Background()); !errors.Is(err, emotion.ErrUnknownLabel) {
		t.Errorf("Expected ErrUnknownLabel, got %v", err)
	}
	if s.Stats().Failures != 1 {
		t.Error("Expected failure to be counted")
	}
}

func TestFrameErrorIsCounted(t *testing.T) {
	src := &fakeSource{frames: -1, err: errors.New("device busy")}
	det := &scriptedDetector{}
	s := New(src, det, nil, aggregator.New(), WithLogger(quietLogger()))
	if err := s.SampleOnce(context.Background()); err == nil {
		t.Fatal("Expected frame error")
	}
	if det.calls != 0 {
		t.Error("Detector must not run without a frame")
	}
	if s.Stats().Failures != 1 {
		t.Error("Expected failure to be counted")
	}
}

func TestRunStopsAtEndOfStream(t *testing.T) {
	det := &scriptedDetector{}
	s := New(&fakeSource{frames: 3}, det, nil, aggregator.New(), WithInterval(2*time.Millisecond), WithLogger(quietLogger()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Run(ctx); !errors.Is(err, capture.ErrEndOfStream) {
		t.Fatalf("Expected ErrEndOfStream, got %v", err)
	}
	if st := s.Stats(); st.Cycles != 3 {
		t.Errorf("Expected 3 cycles, got %d", st.Cycles)
	}
}

func TestRunSkipsOverlappingTicks(t *testing.T) {
	det := &blockingDetector{release: make(chan struct{})}
	s := New(&fakeSource{frames: -1}, det, nil, aggregator.New(), WithInterval(time.Millisecond), WithLogger(quietLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for s.Stats().Skipped < 3 {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for skipped ticks")
		}
		time.Sleep(time.Millisecond)
	}
	close(det.release)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected nil on cancel, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	st := s.Stats()
	if st.Skipped == 0 || st.Ticks < st.Skipped {
		t.Errorf("Unexpected stats %+v", st)
	}
}

func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy(""); err != nil || p != PolicyLargest {
		t.Errorf("Expected default largest, got %s, %v", p, err)
	}
	if p, err := ParsePolicy("each"); err != nil || p != PolicyEach {
		t.Errorf("Expected each, got %s, %v", p, err)
	}
	if _, err := ParsePolicy("all"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}
