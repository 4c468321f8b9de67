package types

import "github.com/menta2k/facesense/pkg/emotion"

// Box represents a bounding box. Providers report it normalized to [0,1] or in
// pixels of the frame they were sent; Detection boxes are always in pixels of
// the captured frame.
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Area returns the box area
func (b Box) Area() float64 {
	if b.W <= 0 || b.H <= 0 {
		return 0
	}
	return b.W * b.H
}

// Scale multiplies the box by independent horizontal and vertical factors
func (b Box) Scale(sx, sy float64) Box {
	return Box{X: b.X * sx, Y: b.Y * sy, W: b.W * sx, H: b.H * sy}
}

// Size is a pixel size of a frame or display surface
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Empty reports whether the size has no area
func (s Size) Empty() bool {
	return s.Width <= 0 || s.Height <= 0
}

// FaceResult is one face as returned by a provider, before validation
type FaceResult struct {
	Box         Box                `json:"box"`
	Score       float64            `json:"score"`
	Expressions map[string]float64 `json:"expressions"`
}

// FaceResponse is the JSON document providers answer with
type FaceResponse struct {
	Faces []FaceResult `json:"faces"`
}

// Detection is a validated face found in a frame
type Detection struct {
	Box         Box                  `json:"box"`
	Score       float64              `json:"score"`
	Expressions emotion.Distribution `json:"expressions"`
	Dominant    emotion.Label        `json:"dominant"`
}

// DetectOptions selects the detector variant and thresholds for a provider call
type DetectOptions struct {
	Model         string
	Variant       string // tiny or ssd
	MinConfidence float64
	InputSize     int
	Prompt        string
}

// ProcessingOptions controls how frames are encoded for the provider
type ProcessingOptions struct {
	SendFormat  string
	SendSize    int
	SendQuality int
}
