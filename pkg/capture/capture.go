// Package capture provides frame sources: still images, directories of
// frames and HTTP snapshot cameras.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"

	"github.com/menta2k/facesense/internal/utils"
	"github.com/menta2k/facesense/pkg/processing"
	"github.com/menta2k/facesense/pkg/types"
)

var (
	// ErrCameraUnavailable is returned by Open when the source cannot be acquired
	ErrCameraUnavailable = errors.New("camera unavailable")
	// ErrEndOfStream is returned by Frame when a finite source is exhausted
	ErrEndOfStream = errors.New("end of stream")
	// ErrClosed is returned by Frame after Close
	ErrClosed = errors.New("source closed")
)

// Meta describes an opened source
type Meta struct {
	Size types.Size
}

// Source is a camera-like frame source
type Source interface {
	Open(ctx context.Context) (Meta, error)
	Frame(ctx context.Context) (image.Image, error)
	Close() error
}

// New picks a source for location: an http(s) URL is a snapshot camera, a
// directory is replayed in name order and anything else is a still image.
func New(location string, loop bool) Source {
	switch {
	case strings.HasPrefix(location, "http://"), strings.HasPrefix(location, "https://"):
		return NewSnapshot(location)
	case utils.DirExists(location):
		return NewDirectory(location, loop)
	default:
		return NewStill(location)
	}
}

func sizeOf(img image.Image) types.Size {
	b := img.Bounds()
	return types.Size{Width: b.Dx(), Height: b.Dy()}
}

func unavailable(location string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrCameraUnavailable, location, err)
}

// Still repeats one image file
type Still struct {
	path      string
	processor *processing.Processor

	mu     sync.Mutex
	img    image.Image
	closed bool
}

// NewStill creates a source that serves the image at path on every frame
func NewStill(path string) *Still {
	return &Still{path: path, processor: processing.NewProcessor()}
}

func (s *Still) Open(ctx context.Context) (Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.img != nil {
		return Meta{Size: sizeOf(s.img)}, nil
	}
	img, err := s.processor.LoadImage(s.path)
	if err != nil {
		return Meta{}, unavailable(s.path, err)
	}
	s.img = img
	s.closed = false
	return Meta{Size: sizeOf(img)}, nil
}

func (s *Still) Frame(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.img == nil {
		return nil, ErrClosed
	}
	return s.img, nil
}

func (s *Still) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.img = nil
	return nil
}

// Directory replays the image files of a directory in name order
type Directory struct {
	dir       string
	loop      bool
	processor *processing.Processor

	mu     sync.Mutex
	files  []string
	next   int
	opened bool
}

// NewDirectory creates a source replaying dir; with loop it starts over
// after the last file instead of ending the stream
func NewDirectory(dir string, loop bool) *Directory {
	return &Directory{dir: dir, loop: loop, processor: processing.NewProcessor()}
}

func (d *Directory) Open(ctx context.Context) (Meta, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	files, err := utils.ListImageFiles(d.dir)
	if err != nil {
		return Meta{}, unavailable(d.dir, err)
	}
	if len(files) == 0 {
		return Meta{}, unavailable(d.dir, errors.New("no image files"))
	}

	first, err := d.processor.LoadImage(files[0])
	if err != nil {
		return Meta{}, unavailable(d.dir, err)
	}

	d.files = files
	d.next = 0
	d.opened = true
	return Meta{Size: sizeOf(first)}, nil
}

func (d *Directory) Frame(ctx context.Context) (image.Image, error) {
	d.mu.Lock()
	if !d.opened {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	if d.next >= len(d.files) {
		if !d.loop {
			d.mu.Unlock()
			return nil, ErrEndOfStream
		}
		d.next = 0
	}
	path := d.files[d.next]
	d.next++
	d.mu.Unlock()

	img, err := d.processor.LoadImage(path)
	if err != nil {
		return nil, fmt.Errorf("read frame %s: %w", path, err)
	}
	return img, nil
}

// Remaining returns how many frames are left before the end of the stream
func (d *Directory) Remaining() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.files) - d.next
}

func (d *Directory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = false
	d.files = nil
	return nil
}

// Snapshot polls an HTTP snapshot endpoint of an IP camera
type Snapshot struct {
	url       string
	processor *processing.Processor

	mu     sync.Mutex
	opened bool
}

// NewSnapshot creates a source fetching a fresh frame from url on every frame
func NewSnapshot(url string) *Snapshot {
	return &Snapshot{url: url, processor: processing.NewProcessor()}
}

func (s *Snapshot) Open(ctx context.Context) (Meta, error) {
	img, err := s.processor.LoadImageFromURL(ctx, s.url)
	if err != nil {
		return Meta{}, unavailable(s.url, err)
	}

	s.mu.Lock()
	s.opened = true
	s.mu.Unlock()
	return Meta{Size: sizeOf(img)}, nil
}

func (s *Snapshot) Frame(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	opened := s.opened
	s.mu.Unlock()
	if !opened {
		return nil, ErrClosed
	}
	return s.processor.LoadImageFromURL(ctx, s.url)
}

func (s *Snapshot) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = false
	return nil
}
