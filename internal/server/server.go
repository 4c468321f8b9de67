// Package server exposes a running session over HTTP: status, live
// percentages (polled or pushed over a websocket), report export and the
// overlay images.
package server

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/menta2k/facesense"
	"github.com/menta2k/facesense/pkg/aggregator"
	"github.com/menta2k/facesense/pkg/processing"
	"github.com/menta2k/facesense/pkg/report"
	"github.com/menta2k/facesense/pkg/sampler"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Controller is the session surface the server drives
type Controller interface {
	ID() string
	Status() facesense.Status
	Stats() sampler.Stats
	Live() []report.Share
	Totals() aggregator.Totals
	Export() (string, *report.Snapshot, error)
	FileName(snap *report.Snapshot) string
	OverlayPNG(w io.Writer) error
	Composite() (image.Image, error)
}

// StatusResponse is the body of GET /api/v1/status
type StatusResponse struct {
	Session string           `json:"session"`
	Status  facesense.Status `json:"status"`
	Version string           `json:"version"`
	Tracked float64          `json:"tracked_seconds"`
	Stats   sampler.Stats    `json:"stats"`
}

// EmotionsResponse is the body of GET /api/v1/emotions
type EmotionsResponse struct {
	Emotions []report.Share `json:"emotions"`
}

// Server is the HTTP control surface
type Server struct {
	app     *fiber.App
	ctrl    Controller
	log     *logrus.Logger
	push    time.Duration
	limiter *rateLimiter
}

// Option configures a Server
type Option func(*Server)

// WithPushInterval sets how often /api/v1/live pushes percentages
func WithPushInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.push = d
		}
	}
}

// WithReportLimit limits report exports per client IP
func WithReportLimit(r rate.Limit, burst int) Option {
	return func(s *Server) {
		if burst > 0 {
			s.limiter = newRateLimiter(r, burst)
		}
	}
}

// New creates the server and registers its routes
func New(ctrl Controller, log *logrus.Logger, opts ...Option) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "FaceSense",
		StrictRouting:         true,
		CaseSensitive:         true,
		DisableStartupMessage: true,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})

	s := &Server{
		app:     app,
		ctrl:    ctrl,
		log:     log,
		push:    time.Second,
		limiter: newRateLimiter(rate.Every(2*time.Second), 5),
	}
	for _, o := range opts {
		o(s)
	}

	app.Use(recover.New())
	app.Use(s.logRequests)

	v1 := app.Group("/api/v1")
	v1.Get("/status", s.status)
	v1.Get("/emotions", s.emotions)
	v1.Post("/report", s.limitReports, s.report)
	v1.Get("/overlay.png", s.overlay)
	v1.Get("/frame.png", s.frame)
	v1.Use("/live", wsUpgrade)
	v1.Get("/live", websocket.New(s.live))
	return s
}

// App returns the underlying fiber app
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until Shutdown
func (s *Server) Listen(addr string) error {
	s.log.WithField("addr", addr).Info("control server listening")
	return s.app.Listen(addr)
}

// Shutdown stops the server
func (s *Server) Shutdown() error {
	return s.app.ShutdownWithTimeout(5 * time.Second)
}

func (s *Server) status(c *fiber.Ctx) error {
	return c.JSON(StatusResponse{
		Session: s.ctrl.ID(),
		Status:  s.ctrl.Status(),
		Version: facesense.Version,
		Tracked: s.ctrl.Totals().Sum().Seconds(),
		Stats:   s.ctrl.Stats(),
	})
}

func (s *Server) emotions(c *fiber.Ctx) error {
	return c.JSON(s.liveBody())
}

func (s *Server) liveBody() EmotionsResponse {
	shares := s.ctrl.Live()
	if shares == nil {
		shares = []report.Share{}
	}
	return EmotionsResponse{Emotions: shares}
}

func (s *Server) report(c *fiber.Ctx) error {
	path, snap, err := s.ctrl.Export()
	if err != nil {
		s.log.WithError(err).Error("report export failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	if snap == nil {
		return c.SendStatus(fiber.StatusNoContent)
	}

	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", s.ctrl.FileName(snap)))
	c.Set("X-Report-Path", path)
	return c.JSON(snap.Document())
}

func (s *Server) overlay(c *fiber.Ctx) error {
	var buf bytes.Buffer
	if err := s.ctrl.OverlayPNG(&buf); err != nil {
		if errors.Is(err, facesense.ErrNotRunning) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		return err
	}
	c.Set(fiber.HeaderContentType, "image/png")
	c.Set(fiber.HeaderCacheControl, "no-store")
	return c.Send(buf.Bytes())
}

func (s *Server) frame(c *fiber.Ctx) error {
	img, err := s.ctrl.Composite()
	if err != nil {
		if errors.Is(err, facesense.ErrNotRunning) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		return err
	}

	var buf bytes.Buffer
	if err := processing.EncodePNG(&buf, img); err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, "image/png")
	c.Set(fiber.HeaderCacheControl, "no-store")
	return c.Send(buf.Bytes())
}

func (s *Server) logRequests(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()

	status := c.Response().StatusCode()
	entry := s.log.WithFields(logrus.Fields{
		"method":     c.Method(),
		"path":       c.Path(),
		"status":     status,
		"latency_ms": time.Since(start).Milliseconds(),
		"ip":         c.IP(),
	})
	switch {
	case status >= 500:
		entry.Error("server error")
	case status >= 400:
		entry.Warn("client error")
	default:
		entry.Debug("request served")
	}
	return err
}
