package client

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/menta2k/facesense/pkg/types"
)

// ErrMalformedResponse is returned when a backend answer cannot be decoded
var ErrMalformedResponse = errors.New("malformed face response")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	reBlock    = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reLine     = regexp.MustCompile(`(?m)^\s*//.*$`)
	reInline   = regexp.MustCompile(`(?m)//.*$`)
	reTrailing = regexp.MustCompile(`,(\s*[}\]])`)
)

// ParseFaces decodes a {"faces": [...]} document returned by a backend.
// Vision models wrap JSON in code fences or add comments; those are removed
// first. A bare array of faces is accepted too.
func ParseFaces(raw string) ([]types.FaceResult, error) {
	raw = SanitizeModelJSON(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedResponse)
	}

	if strings.HasPrefix(raw, "[") {
		var faces []types.FaceResult
		if err := json.Unmarshal([]byte(raw), &faces); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		return faces, nil
	}

	var resp types.FaceResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return resp.Faces, nil
}

// SanitizeModelJSON removes code fences, comments, and trailing commas from a model answer
func SanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	// Strip triple-backtick fences if present
	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.TrimSpace(raw)
	raw = strings.Trim(raw, "`")

	raw = reBlock.ReplaceAllString(raw, "")
	raw = reLine.ReplaceAllString(raw, "")
	raw = reInline.ReplaceAllString(raw, "")
	raw = reTrailing.ReplaceAllString(raw, "$1")
	raw = strings.TrimSpace(raw)

	// Keep only the outermost object or array
	open, closing := "{", "}"
	if strings.HasPrefix(raw, "[") {
		open, closing = "[", "]"
	}
	if start := strings.Index(raw, open); start >= 0 {
		if end := strings.LastIndex(raw, closing); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}
