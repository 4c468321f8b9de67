// Package emotion defines the closed set of facial-expression labels reported
// by the face models, their display names and the dominant-label rule.
package emotion

import (
	"errors"
	"fmt"
	"strings"
)

// Label is one facial expression reported by the face models
type Label string

const (
	Neutral   Label = "neutral"
	Happy     Label = "happy"
	Sad       Label = "sad"
	Angry     Label = "angry"
	Fearful   Label = "fearful"
	Disgusted Label = "disgusted"
	Surprised Label = "surprised"
)

// ErrUnknownLabel is returned for an expression outside the label set
var ErrUnknownLabel = errors.New("unknown emotion label")

// declared order; reports, tie-breaks and iteration all follow it
var labels = [...]Label{Neutral, Happy, Sad, Angry, Fearful, Disgusted, Surprised}

var displayNames = map[Label]string{
	Neutral:   "Neutro",
	Happy:     "Feliz",
	Sad:       "Triste",
	Angry:     "Enojado",
	Fearful:   "Asustado",
	Disgusted: "Disgustado",
	Surprised: "Sorprendido",
}

// Labels returns the label set in declared order
func Labels() []Label {
	out := make([]Label, len(labels))
	copy(out, labels[:])
	return out
}

// Valid reports whether l belongs to the label set
func (l Label) Valid() bool {
	_, ok := displayNames[l]
	return ok
}

// Translate returns the display name used on the overlay and in reports.
// Labels outside the set are returned unchanged.
func Translate(l Label) string {
	if name, ok := displayNames[l]; ok {
		return name
	}
	return string(l)
}

// Parse converts a provider label into a Label
func Parse(s string) (Label, error) {
	l := Label(strings.ToLower(strings.TrimSpace(s)))
	if !l.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownLabel, s)
	}
	return l, nil
}

// Distribution maps each label to a probability in [0,1]. Values need not sum
// to exactly 1.
type Distribution map[Label]float64

// ParseDistribution validates raw provider expressions. In strict mode the
// first unknown label is an error; otherwise unknown labels are dropped and
// returned so the caller can report them.
func ParseDistribution(raw map[string]float64, strict bool) (Distribution, []string, error) {
	dist := make(Distribution, len(labels))
	var unknown []string
	for k, v := range raw {
		l, err := Parse(k)
		if err != nil {
			if strict {
				return nil, nil, err
			}
			unknown = append(unknown, k)
			continue
		}
		dist[l] = clamp01(v)
	}
	return dist, unknown, nil
}

// Dominant returns the label with the highest probability. Ties go to the
// label that comes first in declared order; an empty distribution yields
// Neutral.
func Dominant(d Distribution) Label {
	best := labels[0]
	bestP := d[best]
	for _, l := range labels[1:] {
		if p := d[l]; p > bestP {
			best, bestP = l, p
		}
	}
	return best
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
