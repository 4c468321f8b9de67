// Package report turns accumulated emotion dwell times into percentage
// snapshots and exports them as JSON documents.
package report

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/menta2k/facesense/pkg/aggregator"
	"github.com/menta2k/facesense/pkg/emotion"
)

// Share is the fraction of the total time spent in one emotion
type Share struct {
	Label      emotion.Label `json:"label"`
	Name       string        `json:"name"`
	Percentage float64       `json:"percentage"`
}

// Item is one emotion line of a snapshot
type Item struct {
	Label      emotion.Label
	Name       string
	Time       time.Duration
	Percentage float64
}

// Snapshot is an immutable view of the dwell times at report time
type Snapshot struct {
	ID          string
	GeneratedAt time.Time
	Total       time.Duration
	Items       []Item
}

// Document is the exported JSON shape
type Document struct {
	TotalTime string          `json:"totalTime"`
	Emotions  []EmotionRecord `json:"emotions"`
}

// EmotionRecord is one emotion entry of an exported document
type EmotionRecord struct {
	Emotion    string `json:"emotion"`
	Time       string `json:"time"`
	Percentage string `json:"percentage"`
}

// Percentages projects totals onto percentages in declared label order.
// It returns nil when nothing has been accumulated.
func Percentages(totals aggregator.Totals) []Share {
	total := totals.Sum()
	if total <= 0 {
		return nil
	}

	out := make([]Share, 0, len(emotion.Labels()))
	for _, l := range emotion.Labels() {
		out = append(out, Share{
			Label:      l,
			Name:       emotion.Translate(l),
			Percentage: percent(totals[l], total),
		})
	}
	return out
}

// Build creates a snapshot of totals. It returns false when the total is
// zero, in which case there is nothing to report.
func Build(totals aggregator.Totals, at time.Time) (*Snapshot, bool) {
	total := totals.Sum()
	if total <= 0 {
		return nil, false
	}

	snap := &Snapshot{
		ID:          uuid.NewString(),
		GeneratedAt: at,
		Total:       total,
		Items:       make([]Item, 0, len(emotion.Labels())),
	}
	for _, l := range emotion.Labels() {
		snap.Items = append(snap.Items, Item{
			Label:      l,
			Name:       emotion.Translate(l),
			Time:       totals[l],
			Percentage: percent(totals[l], total),
		})
	}
	return snap, true
}

// Generate drains the aggregator and builds a snapshot of what it held.
// The aggregator is reset only when there was something to report.
func Generate(agg *aggregator.Aggregator, now time.Time) (*Snapshot, bool) {
	totals, ok := agg.Drain()
	if !ok {
		return nil, false
	}
	return Build(totals, now)
}

// Totals returns the per-label times the snapshot was built from
func (s *Snapshot) Totals() aggregator.Totals {
	out := make(aggregator.Totals, len(s.Items))
	for _, it := range s.Items {
		out[it.Label] = it.Time
	}
	return out
}

// Document renders the snapshot in the exported JSON shape
func (s *Snapshot) Document() Document {
	doc := Document{
		TotalTime: seconds(s.Total),
		Emotions:  make([]EmotionRecord, 0, len(s.Items)),
	}
	for _, it := range s.Items {
		doc.Emotions = append(doc.Emotions, EmotionRecord{
			Emotion:    it.Name,
			Time:       seconds(it.Time),
			Percentage: fmt.Sprintf("%.2f%%", it.Percentage),
		})
	}
	return doc
}

func seconds(d time.Duration) string {
	return fmt.Sprintf("%.2f segundos", d.Seconds())
}

func percent(part, total time.Duration) float64 {
	return float64(part) / float64(total) * 100
}
