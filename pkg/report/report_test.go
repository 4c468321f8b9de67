package report

import (
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/menta2k/facesense/pkg/aggregator"
	"github.com/menta2k/facesense/pkg/emotion"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func at(ms int) time.Time {
	return epoch.Add(time.Duration(ms) * time.Millisecond)
}

// happySad accumulates happy 1000ms and sad 2000ms
func happySad() *aggregator.Aggregator {
	agg := aggregator.New()
	agg.Update(emotion.Happy, at(0))
	agg.Update(emotion.Happy, at(1000))
	agg.Update(emotion.Sad, at(1000))
	agg.Update(emotion.Sad, at(3000))
	return agg
}

func TestGenerateHappySad(t *testing.T) {
	snap, ok := Generate(happySad(), at(3000))
	if !ok {
		t.Fatal("Expected a report")
	}

	doc := snap.Document()
	if doc.TotalTime != "3.00 segundos" {
		t.Errorf("Expected total 3.00 segundos, got %q", doc.TotalTime)
	}
	if len(doc.Emotions) != len(emotion.Labels()) {
		t.Fatalf("Expected %d emotions, got %d", len(emotion.Labels()), len(doc.Emotions))
	}

	want := map[string][2]string{
		"Feliz":   {"1.00 segundos", "33.33%"},
		"Triste":  {"2.00 segundos", "66.67%"},
		"Neutro":  {"0.00 segundos", "0.00%"},
		"Enojado": {"0.00 segundos", "0.00%"},
	}
	for _, rec := range doc.Emotions {
		w, ok := want[rec.Emotion]
		if !ok {
			continue
		}
		if rec.Time != w[0] || rec.Percentage != w[1] {
			t.Errorf("%s: expected %s/%s, got %s/%s", rec.Emotion, w[0], w[1], rec.Time, rec.Percentage)
		}
	}

	for i, l := range emotion.Labels() {
		if doc.Emotions[i].Emotion != emotion.Translate(l) {
			t.Errorf("Expected entry %d to be %s, got %s", i, emotion.Translate(l), doc.Emotions[i].Emotion)
		}
	}
}

func TestGenerateTwiceWithoutUpdates(t *testing.T) {
	agg := happySad()
	if _, ok := Generate(agg, at(3000)); !ok {
		t.Fatal("Expected first report")
	}
	if snap, ok := Generate(agg, at(4000)); ok || snap != nil {
		t.Error("Expected second report to be empty")
	}
}

func TestZeroStateProducesNoReport(t *testing.T) {
	agg := aggregator.New()
	if _, ok := Generate(agg, at(0)); ok {
		t.Error("Expected no report for an empty session")
	}
	if p := Percentages(agg.Totals()); p != nil {
		t.Errorf("Expected no percentages, got %v", p)
	}
}

func TestPercentagesSumTo100(t *testing.T) {
	cases := []aggregator.Totals{
		{emotion.Happy: 1, emotion.Sad: 1, emotion.Angry: 1},
		{emotion.Neutral: 7 * time.Millisecond, emotion.Fearful: 3 * time.Millisecond, emotion.Surprised: 11 * time.Millisecond},
		{emotion.Disgusted: 123456789},
		{
			emotion.Neutral: 1, emotion.Happy: 2, emotion.Sad: 3, emotion.Angry: 4,
			emotion.Fearful: 5, emotion.Disgusted: 6, emotion.Surprised: 7,
		},
	}

	for i, totals := range cases {
		shares := Percentages(totals)
		var sum float64
		for _, s := range shares {
			sum += s.Percentage
		}
		if math.Abs(sum-100) > 0.05 {
			t.Errorf("Case %d: percentages sum to %f", i, sum)
		}

		snap, ok := Build(totals, at(0))
		if !ok {
			t.Fatalf("Case %d: expected snapshot", i)
		}
		var rounded float64
		for _, it := range snap.Items {
			rounded += math.Round(it.Percentage*100) / 100
		}
		if math.Abs(rounded-100) > 0.05 {
			t.Errorf("Case %d: rounded percentages sum to %f", i, rounded)
		}
	}
}

func TestExportWritesUniqueFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	e := NewExporter(dir, "")

	snap, _ := Build(aggregator.Totals{emotion.Happy: time.Second}, at(0))
	first, err := e.Export(snap)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if filepath.Base(first) != "emotion_data_"+strconv.FormatInt(at(0).UnixMilli(), 10)+".json" {
		t.Errorf("Unexpected file name %s", filepath.Base(first))
	}

	second, err := e.Export(snap)
	if err != nil {
		t.Fatalf("Second export failed: %v", err)
	}
	if first == second {
		t.Error("Expected a unique name for the second export")
	}

	data, err := os.ReadFile(first)
	if err != nil {
		t.Fatalf("Reading report failed: %v", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("Report is not valid JSON: %v", err)
	}
	if doc.TotalTime != "1.00 segundos" {
		t.Errorf("Expected 1.00 segundos, got %s", doc.TotalTime)
	}
}

func TestExportNilSnapshot(t *testing.T) {
	dir := t.TempDir()
	path, err := NewExporter(dir, "x").Export(nil)
	if err != nil || path != "" {
		t.Errorf("Expected silent no-op, got %q, %v", path, err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("Expected no files, got %d", len(entries))
	}
}

func TestExporterSanitizesPrefix(t *testing.T) {
	e := NewExporter(t.TempDir(), "../session:1")
	snap, _ := Build(aggregator.Totals{emotion.Sad: time.Second}, at(0))
	if strings.ContainsAny(e.FileName(snap), "/:") {
		t.Errorf("Unsafe file name %s", e.FileName(snap))
	}
}

func TestExportUnusableDirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "plain")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	snap, _ := Build(aggregator.Totals{emotion.Happy: time.Second}, at(0))
	_, err := NewExporter(filepath.Join(file, "reports"), "").Export(snap)
	if err == nil {
		t.Fatal("Expected export error")
	}
	if !strings.Contains(err.Error(), "create report directory") {
		t.Errorf("Expected a directory error, got %v", err)
	}
}

func TestSnapshotTotals(t *testing.T) {
	snap, _ := Generate(happySad(), at(5000))
	totals := snap.Totals()
	if totals[emotion.Happy] != time.Second || totals[emotion.Sad] != 2*time.Second {
		t.Errorf("Unexpected totals %v", totals)
	}
	if totals.Sum() != snap.Total {
		t.Errorf("Expected sum %v, got %v", snap.Total, totals.Sum())
	}
}
