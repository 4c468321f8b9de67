// Package wsface talks to a face expression service over a WebSocket.
//
// Every request is a JSON text message; the service answers each one with a
// single JSON text message. Requests are serialized on one connection, which
// is re-dialled on demand after any I/O error.
package wsface

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"github.com/menta2k/facesense/pkg/client"
	"github.com/menta2k/facesense/pkg/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type request struct {
	Action  string       `json:"action"`
	Source  string       `json:"source,omitempty"`
	Image   string       `json:"image,omitempty"`
	Options *wireOptions `json:"options,omitempty"`
}

type wireOptions struct {
	Variant       string  `json:"variant,omitempty"`
	MinConfidence float64 `json:"min_confidence,omitempty"`
	InputSize     int     `json:"input_size,omitempty"`
}

type loadResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Client is a client.FaceClient backed by a WebSocket service
type Client struct {
	url          string
	log          *logrus.Logger
	mu           sync.Mutex
	conn         *websocket.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewClient creates a client; the connection is dialled lazily
func NewClient(url string, log *logrus.Logger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		url:          url,
		log:          log,
		readTimeout:  10 * time.Second,
		writeTimeout: 5 * time.Second,
	}
}

// LoadModels asks the service to load the models found at source
func (c *Client) LoadModels(ctx context.Context, source string) error {
	msg, err := c.roundTrip(ctx, request{Action: "load_models", Source: source})
	if err != nil {
		return fmt.Errorf("wsface load models: %w", err)
	}

	var resp loadResponse
	if err := json.Unmarshal(msg, &resp); err != nil {
		return fmt.Errorf("%w: %v", client.ErrMalformedResponse, err)
	}
	if resp.Status != "ok" {
		return fmt.Errorf("wsface load models: %s", resp.Error)
	}
	return nil
}

// DetectFaces sends one frame and waits for the detected faces
func (c *Client) DetectFaces(ctx context.Context, imgB64 string, opts types.DetectOptions) ([]types.FaceResult, error) {
	msg, err := c.roundTrip(ctx, request{
		Action: "detect",
		Image:  imgB64,
		Options: &wireOptions{
			Variant:       opts.Variant,
			MinConfidence: opts.MinConfidence,
			InputSize:     opts.InputSize,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("wsface detect: %w", err)
	}
	return client.ParseFaces(string(msg))
}

// Close closes the connection if one is open
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) roundTrip(ctx context.Context, req request) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	writeDeadline := time.Now().Add(c.writeTimeout)
	readDeadline := time.Now().Add(c.readTimeout)
	if d, ok := ctx.Deadline(); ok {
		if d.Before(writeDeadline) {
			writeDeadline = d
		}
		if d.Before(readDeadline) {
			readDeadline = d
		}
	}

	conn.SetWriteDeadline(writeDeadline)
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.drop()
		return nil, fmt.Errorf("error sending %s request: %w", req.Action, err)
	}

	conn.SetReadDeadline(readDeadline)
	message, err := readOrCancel(ctx, conn)
	if ctx.Err() != nil {
		// the watcher may have closed the connection
		c.drop()
		return nil, fmt.Errorf("%s cancelled: %w", req.Action, ctx.Err())
	}
	if err != nil {
		c.drop()
		return nil, fmt.Errorf("error reading %s response: %w", req.Action, err)
	}

	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Time{})
	return message, nil
}

// readOrCancel reads one message and closes conn if ctx is done first, so a
// cancelled caller does not wait for the read deadline
func readOrCancel(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	read := make(chan struct{})
	watcher := make(chan struct{})
	go func() {
		defer close(watcher)
		select {
		case <-ctx.Done():
			conn.Close()
		case <-read:
		}
	}()

	_, message, err := conn.ReadMessage()
	close(read)
	<-watcher
	return message, err
}

// connect must be called with mu held
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	c.log.WithField("url", c.url).Info("connecting to face service")
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.url, err)
	}
	c.conn = conn
	return conn, nil
}

// drop must be called with mu held
func (c *Client) drop() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
