package report

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/menta2k/facesense/internal/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultPrefix is the file name prefix of exported reports
const DefaultPrefix = "emotion_data"

// Exporter writes snapshots as JSON files into a directory
type Exporter struct {
	dir    string
	prefix string
}

// NewExporter creates an exporter writing into dir
func NewExporter(dir, prefix string) *Exporter {
	prefix = utils.SanitizeFilename(prefix)
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if dir == "" {
		dir = "."
	}
	return &Exporter{dir: dir, prefix: prefix}
}

// Dir returns the output directory
func (e *Exporter) Dir() string {
	return e.dir
}

// Export writes the snapshot to a new file and returns its path. A nil
// snapshot writes nothing and returns an empty path.
func (e *Exporter) Export(snap *Snapshot) (string, error) {
	if snap == nil {
		return "", nil
	}
	if err := utils.EnsureDir(e.dir); err != nil {
		return "", fmt.Errorf("create report directory: %w", err)
	}

	data, err := Marshal(snap)
	if err != nil {
		return "", err
	}

	base := e.prefix + "_" + strconv.FormatInt(snap.GeneratedAt.UnixMilli(), 10)
	path := filepath.Join(e.dir, base+".json")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if errors.Is(err, os.ErrExist) {
		// two exports within the same millisecond
		path = filepath.Join(e.dir, base+"_"+uuid.NewString()[:8]+".json")
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	}
	if err != nil {
		return "", fmt.Errorf("create report file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", fmt.Errorf("write report: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close report: %w", err)
	}
	return path, nil
}

// FileName returns the base name a download of snap should carry
func (e *Exporter) FileName(snap *Snapshot) string {
	return e.prefix + "_" + strconv.FormatInt(snap.GeneratedAt.UnixMilli(), 10) + ".json"
}

// Marshal encodes the snapshot document as indented JSON
func Marshal(snap *Snapshot) ([]byte, error) {
	data, err := json.MarshalIndent(snap.Document(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	return data, nil
}
