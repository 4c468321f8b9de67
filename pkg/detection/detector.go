package detection

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/facesense/pkg/client"
	"github.com/menta2k/facesense/pkg/emotion"
	"github.com/menta2k/facesense/pkg/processing"
	"github.com/menta2k/facesense/pkg/types"
)

// ErrNoExpressions is returned in strict mode for a face without expressions
var ErrNoExpressions = errors.New("face without expressions")

// DefaultPrompt is the default prompt for vision-model backends
const DefaultPrompt = `You are a face and facial-expression detector.

Return JSON only:
{
  "faces": [
    {
      "box": {"x": 0.0, "y": 0.0, "w": 0.0, "h": 0.0},
      "score": 0.0,
      "expressions": {"neutral": 0.0, "happy": 0.0, "sad": 0.0, "angry": 0.0, "fearful": 0.0, "disgusted": 0.0, "surprised": 0.0}
    }
  ]
}

HARD RULES
- One entry per visible human face. If there is no face, return {"faces": []}.
- All coordinates are normalized to [0,1] (NOT pixels); x,y is the top-left corner.
- score is the confidence that the box contains a face, in [0,1].
- expressions uses exactly the seven keys above, each a probability in [0,1].
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// Detector turns frames into validated face detections using a face backend
type Detector struct {
	client    client.FaceClient
	processor *processing.Processor
	opts      types.DetectOptions
	proc      types.ProcessingOptions
	strict    bool
	log       *logrus.Logger
}

// Option configures a Detector
type Option func(*Detector)

// WithOptions sets the detector variant, thresholds and prompt
func WithOptions(opts types.DetectOptions) Option {
	return func(d *Detector) { d.opts = opts }
}

// WithProcessing sets how frames are encoded before they are sent
func WithProcessing(proc types.ProcessingOptions) Option {
	return func(d *Detector) { d.proc = proc }
}

// WithStrictLabels makes unknown expression labels fail the detection
func WithStrictLabels(strict bool) Option {
	return func(d *Detector) { d.strict = strict }
}

// WithLogger sets the logger
func WithLogger(log *logrus.Logger) Option {
	return func(d *Detector) { d.log = log }
}

// NewDetector creates a new detector with a face backend
func NewDetector(c client.FaceClient, options ...Option) *Detector {
	d := &Detector{
		client:    c,
		processor: processing.NewProcessor(),
		opts: types.DetectOptions{
			Variant:       "tiny",
			MinConfidence: 0.5,
			InputSize:     416,
		},
		proc: types.ProcessingOptions{
			SendFormat:  "jpg",
			SendSize:    640,
			SendQuality: 85,
		},
		log: logrus.StandardLogger(),
	}
	for _, o := range options {
		o(d)
	}
	if d.log == nil {
		d.log = logrus.StandardLogger()
	}
	if d.opts.Prompt == "" {
		d.opts.Prompt = DefaultPrompt
	}
	return d
}

// LoadModels loads the backend models from source
func (d *Detector) LoadModels(ctx context.Context, source string) error {
	if err := d.client.LoadModels(ctx, source); err != nil {
		return fmt.Errorf("load models from %s: %w", source, err)
	}
	return nil
}

// DetectAll returns every face in frame with boxes in frame pixel coordinates
func (d *Detector) DetectAll(ctx context.Context, frame image.Image) ([]types.Detection, error) {
	prep, err := d.processor.PrepareFrame(frame, d.proc.SendFormat, d.proc.SendSize, d.proc.SendQuality)
	if err != nil {
		return nil, fmt.Errorf("prepare frame: %w", err)
	}

	faces, err := d.client.DetectFaces(ctx, prep.B64, d.opts)
	if err != nil {
		return nil, err
	}

	b := frame.Bounds()
	frameSize := types.Size{Width: b.Dx(), Height: b.Dy()}
	sent := types.Size{Width: prep.Width, Height: prep.Height}

	out := make([]types.Detection, 0, len(faces))
	for i, f := range faces {
		if f.Score < d.opts.MinConfidence {
			continue
		}

		box := toFrameBox(f.Box, sent, frameSize)
		if box.Area() == 0 {
			d.log.WithFields(logrus.Fields{"face": i, "box": f.Box}).Warn("dropping face with empty box")
			continue
		}

		dist, unknown, err := emotion.ParseDistribution(f.Expressions, d.strict)
		if err != nil {
			return nil, fmt.Errorf("face %d: %w", i, err)
		}
		if len(unknown) > 0 {
			d.log.WithFields(logrus.Fields{
				"face":   i,
				"labels": strings.Join(unknown, ","),
			}).Warn("ignoring unknown expression labels")
		}
		if len(dist) == 0 {
			if d.strict {
				return nil, fmt.Errorf("face %d: %w", i, ErrNoExpressions)
			}
			d.log.WithField("face", i).Warn("dropping face without expressions")
			continue
		}

		out = append(out, types.Detection{
			Box:         box,
			Score:       f.Score,
			Expressions: dist,
			Dominant:    emotion.Dominant(dist),
		})
	}
	return out, nil
}

// toFrameBox converts a backend box into pixels of the captured frame.
// Boxes with every coordinate in [0,1] are taken as normalized; anything
// else is in pixels of the frame that was sent.
func toFrameBox(b types.Box, sent, frame types.Size) types.Box {
	fw, fh := float64(frame.Width), float64(frame.Height)

	var out types.Box
	if b.X > 1 || b.Y > 1 || b.W > 1 || b.H > 1 {
		if sent.Empty() {
			return types.Box{}
		}
		out = b.Scale(fw/float64(sent.Width), fh/float64(sent.Height))
	} else {
		out = b.Scale(fw, fh)
	}

	x0 := clamp(out.X, 0, fw)
	y0 := clamp(out.Y, 0, fh)
	x1 := clamp(out.X+out.W, 0, fw)
	y1 := clamp(out.Y+out.H, 0, fh)
	return types.Box{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}

// clamp ensures a value is within the given bounds
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
