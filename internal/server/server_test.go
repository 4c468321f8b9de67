package server

import (
	"bytes"
	"errors"
	"image"
	"image/png"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/menta2k/facesense"
	"github.com/menta2k/facesense/pkg/aggregator"
	"github.com/menta2k/facesense/pkg/emotion"
	"github.com/menta2k/facesense/pkg/report"
	"github.com/menta2k/facesense/pkg/sampler"
)

type fakeController struct {
	totals    aggregator.Totals
	live      []report.Share
	exportErr error
	running   bool
	exports   int
}

func (f *fakeController) ID() string               { return "session-1" }
func (f *fakeController) Status() facesense.Status { return facesense.StatusRunning }
func (f *fakeController) Stats() sampler.Stats     { return sampler.Stats{Cycles: 7} }
func (f *fakeController) Live() []report.Share     { return f.live }

func (f *fakeController) Totals() aggregator.Totals { return f.totals }

func (f *fakeController) Export() (string, *report.Snapshot, error) {
	f.exports++
	if f.exportErr != nil {
		return "", nil, f.exportErr
	}
	snap, ok := report.Build(f.totals, time.UnixMilli(1700000000000))
	if !ok {
		return "", nil, nil
	}
	f.totals = aggregator.Totals{}
	return "/tmp/report.json", snap, nil
}

func (f *fakeController) FileName(snap *report.Snapshot) string {
	return "emotion_data_1700000000000.json"
}

func (f *fakeController) OverlayPNG(w io.Writer) error {
	if !f.running {
		return facesense.ErrNotRunning
	}
	return png.Encode(w, image.NewNRGBA(image.Rect(0, 0, 4, 3)))
}

func (f *fakeController) Composite() (image.Image, error) {
	if !f.running {
		return nil, facesense.ErrNotRunning
	}
	return image.NewNRGBA(image.Rect(0, 0, 8, 6)), nil
}

func newServer(ctrl Controller, opts ...Option) *Server {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return New(ctrl, l, opts...)
}

func TestStatus(t *testing.T) {
	ctrl := &fakeController{totals: aggregator.Totals{emotion.Happy: 1500 * time.Millisecond}}
	resp, err := newServer(ctrl).App().Test(httptest.NewRequest("GET", "/api/v1/status", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var body StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if body.Session != "session-1" || body.Status != facesense.StatusRunning {
		t.Errorf("Unexpected status %+v", body)
	}
	if body.Tracked != 1.5 || body.Stats.Cycles != 7 {
		t.Errorf("Unexpected tracking %+v", body)
	}
}

func TestEmotions(t *testing.T) {
	ctrl := &fakeController{}
	srv := newServer(ctrl)

	resp, _ := srv.App().Test(httptest.NewRequest("GET", "/api/v1/emotions", nil))
	data, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(data), `"emotions":[]`) {
		t.Errorf("Expected empty list before the first refresh, got %s", data)
	}

	ctrl.live = []report.Share{{Label: emotion.Happy, Name: "Feliz", Percentage: 100}}
	resp, _ = srv.App().Test(httptest.NewRequest("GET", "/api/v1/emotions", nil))
	var body EmotionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Emotions) != 1 || body.Emotions[0].Name != "Feliz" {
		t.Errorf("Unexpected emotions %+v", body)
	}
}

func TestReport(t *testing.T) {
	ctrl := &fakeController{totals: aggregator.Totals{emotion.Happy: time.Second, emotion.Sad: 2 * time.Second}}
	srv := newServer(ctrl)

	resp, err := srv.App().Test(httptest.NewRequest("POST", "/api/v1/report", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "emotion_data_1700000000000.json") {
		t.Errorf("Unexpected Content-Disposition %q", cd)
	}

	var doc report.Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatal(err)
	}
	if doc.TotalTime != "3.00 segundos" {
		t.Errorf("Expected 3.00 segundos, got %s", doc.TotalTime)
	}

	resp, _ = srv.App().Test(httptest.NewRequest("POST", "/api/v1/report", nil))
	if resp.StatusCode != 204 {
		t.Errorf("Expected 204 for an empty session, got %d", resp.StatusCode)
	}
}

func TestReportError(t *testing.T) {
	ctrl := &fakeController{exportErr: errors.New("disk full")}
	resp, _ := newServer(ctrl).App().Test(httptest.NewRequest("POST", "/api/v1/report", nil))
	if resp.StatusCode != 500 {
		t.Errorf("Expected 500, got %d", resp.StatusCode)
	}
}

func TestReportRequiresPost(t *testing.T) {
	ctrl := &fakeController{totals: aggregator.Totals{emotion.Happy: time.Second}}
	resp, _ := newServer(ctrl).App().Test(httptest.NewRequest("GET", "/api/v1/report", nil))
	if resp.StatusCode == 200 {
		t.Error("GET must not export a report")
	}
	if ctrl.exports != 0 {
		t.Error("Export called on GET")
	}
}

func TestOverlay(t *testing.T) {
	ctrl := &fakeController{}
	srv := newServer(ctrl)

	resp, _ := srv.App().Test(httptest.NewRequest("GET", "/api/v1/overlay.png", nil))
	if resp.StatusCode != 503 {
		t.Errorf("Expected 503 before start, got %d", resp.StatusCode)
	}

	ctrl.running = true
	resp, _ = srv.App().Test(httptest.NewRequest("GET", "/api/v1/overlay.png", nil))
	if resp.Header.Get("Content-Type") != "image/png" {
		t.Errorf("Unexpected content type %s", resp.Header.Get("Content-Type"))
	}
	data, _ := io.ReadAll(resp.Body)
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Invalid PNG: %v", err)
	}
	if img.Bounds().Dx() != 4 {
		t.Errorf("Expected width 4, got %d", img.Bounds().Dx())
	}
}

func TestFrame(t *testing.T) {
	ctrl := &fakeController{}
	srv := newServer(ctrl)

	resp, _ := srv.App().Test(httptest.NewRequest("GET", "/api/v1/frame.png", nil))
	if resp.StatusCode != 503 {
		t.Errorf("Expected 503 before start, got %d", resp.StatusCode)
	}

	ctrl.running = true
	resp, _ = srv.App().Test(httptest.NewRequest("GET", "/api/v1/frame.png", nil))
	img, err := png.Decode(resp.Body)
	if err != nil {
		t.Fatalf("Invalid PNG: %v", err)
	}
	if img.Bounds().Dx() != 8 || img.Bounds().Dy() != 6 {
		t.Errorf("Unexpected frame size %v", img.Bounds())
	}
}

func TestReportRateLimit(t *testing.T) {
	ctrl := &fakeController{}
	srv := newServer(ctrl, WithReportLimit(rate.Every(time.Hour), 2))

	for i := 0; i < 2; i++ {
		resp, _ := srv.App().Test(httptest.NewRequest("POST", "/api/v1/report", nil))
		if resp.StatusCode != 204 {
			t.Fatalf("Request %d: expected 204, got %d", i, resp.StatusCode)
		}
	}
	resp, _ := srv.App().Test(httptest.NewRequest("POST", "/api/v1/report", nil))
	if resp.StatusCode != 429 {
		t.Errorf("Expected 429 after the burst, got %d", resp.StatusCode)
	}
	if ctrl.exports != 2 {
		t.Errorf("Expected 2 exports, got %d", ctrl.exports)
	}
}

func TestLiveRequiresUpgrade(t *testing.T) {
	resp, _ := newServer(&fakeController{}).App().Test(httptest.NewRequest("GET", "/api/v1/live", nil))
	if resp.StatusCode != 426 {
		t.Errorf("Expected 426 without websocket upgrade, got %d", resp.StatusCode)
	}
}

func TestLivePush(t *testing.T) {
	ctrl := &fakeController{live: []report.Share{
		{Label: emotion.Happy, Name: "Feliz", Percentage: 75},
		{Label: emotion.Sad, Name: "Triste", Percentage: 25},
	}}
	srv := newServer(ctrl, WithPushInterval(10*time.Millisecond))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go srv.App().Listener(ln)
	defer srv.Shutdown()

	conn, _, err := gws.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/api/v1/live", nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	for i := 0; i < 2; i++ {
		var body EmotionsResponse
		if err := conn.ReadJSON(&body); err != nil {
			t.Fatalf("Push %d: %v", i, err)
		}
		if len(body.Emotions) != 2 || body.Emotions[0].Percentage != 75 {
			t.Errorf("Push %d: unexpected body %+v", i, body)
		}
	}
}
